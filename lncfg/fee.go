package lncfg

import (
	"fmt"

	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMaxFeeRate is the highest commitment fee rate in sat/kw we
	// accept by default.
	DefaultMaxFeeRate = 50_000

	// DefaultCommitFeeRate is the fee rate in sat/kw of new channels.
	DefaultCommitFeeRate = 2_500

	// DefaultConfTarget is the confirmation target of closing transactions.
	DefaultConfTarget = lnwallet.DefaultCloseConfTarget
)

// Fee holds the configuration options for commitment and closing fee rates.
// All rates are in sat/kw.
//
//nolint:ll
type Fee struct {
	MinFeeRate    uint32 `long:"minfeerate" description:"The lowest commitment fee rate in sat/kw we accept."`
	MaxFeeRate    uint32 `long:"maxfeerate" description:"The highest commitment fee rate in sat/kw we accept."`
	CommitFeeRate uint32 `long:"commitfeerate" description:"The commitment fee rate in sat/kw of channels we open."`
	CloseFeeRate  uint32 `long:"closefeerate" description:"A static fee rate in sat/kw for closing transactions. If unset, the commitment fee rate is used."`
	ConfTarget    uint32 `long:"conftarget" description:"The confirmation target of closing transactions."`
}

// DefaultFee returns the default fee configuration.
func DefaultFee() *Fee {
	return &Fee{
		MinFeeRate:    uint32(chainfee.FeePerKwFloor),
		MaxFeeRate:    DefaultMaxFeeRate,
		CommitFeeRate: DefaultCommitFeeRate,
		ConfTarget:    DefaultConfTarget,
	}
}

// Validate checks the fee rates for consistency.
func (f *Fee) Validate() error {
	floor := chainfee.FeePerKwFloor

	switch {
	case chainfee.SatPerKWeight(f.MinFeeRate) < floor:
		return fmt.Errorf("minfeerate %d below relay floor %v",
			f.MinFeeRate, floor)

	case f.MaxFeeRate < f.MinFeeRate:
		return fmt.Errorf("maxfeerate %d below minfeerate %d",
			f.MaxFeeRate, f.MinFeeRate)

	case !f.Bounds().Contains(f.CommitRate()):
		return fmt.Errorf("commitfeerate %d outside %v",
			f.CommitFeeRate, f.Bounds())

	case f.CloseFeeRate != 0 &&
		chainfee.SatPerKWeight(f.CloseFeeRate) < floor:

		return fmt.Errorf("closefeerate %d below relay floor %v",
			f.CloseFeeRate, floor)

	case f.ConfTarget == 0:
		return fmt.Errorf("conftarget must be positive")
	}

	return nil
}

// Bounds returns the accepted range of commitment fee rates.
func (f *Fee) Bounds() lnwallet.FeeBounds {
	return lnwallet.FeeBounds{
		Min: chainfee.SatPerKWeight(f.MinFeeRate),
		Max: chainfee.SatPerKWeight(f.MaxFeeRate),
	}
}

// CommitRate returns the commitment fee rate of channels we open.
func (f *Fee) CommitRate() chainfee.SatPerKWeight {
	return chainfee.SatPerKWeight(f.CommitFeeRate)
}

// Estimator returns the estimator closing fees are taken from, if a static
// closing fee rate is configured.
func (f *Fee) Estimator() fn.Option[chainfee.Estimator] {
	if f.CloseFeeRate == 0 {
		return fn.None[chainfee.Estimator]()
	}

	return fn.Some[chainfee.Estimator](chainfee.NewStaticEstimator(
		chainfee.SatPerKWeight(f.CloseFeeRate), chainfee.FeePerKwFloor,
	))
}

// Compile-time constraint to ensure Fee implements the Validator interface.
var _ Validator = (*Fee)(nil)
