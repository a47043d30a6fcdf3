package channeldb

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.etcd.io/bbolt"
)

// Options holds parameters for tuning and customizing a channeldb.DB.
type Options struct {
	// Bolt are the options the bbolt database is opened with.
	Bolt *bbolt.Options

	// Clock is the time source of the stored update timestamps.
	Clock clock.Clock
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		Bolt: &bbolt.Options{
			NoFreelistSync: true,
			FreelistType:   bbolt.FreelistMapType,
			Timeout:        time.Minute,
		},
		Clock: clock.NewDefaultClock(),
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionSetBoltOptions sets the options the bbolt database is opened with.
func OptionSetBoltOptions(bolt *bbolt.Options) OptionModifier {
	return func(o *Options) {
		o.Bolt = bolt
	}
}

// OptionClock sets a non-default clock dependency.
func OptionClock(clock clock.Clock) OptionModifier {
	return func(o *Options) {
		o.Clock = clock
	}
}
