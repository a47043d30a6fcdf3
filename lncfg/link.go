package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultBatchInterval is how often a link signs a new commitment for
	// the updates it collected.
	DefaultBatchInterval = 50 * time.Millisecond

	// DefaultMailboxSize is the number of events buffered in front of a
	// link.
	DefaultMailboxSize = 100
)

// Link exposes the options of the channel links.
//
//nolint:ll
type Link struct {
	// BatchInterval is the time updates are collected before a commitment
	// covering them is signed.
	BatchInterval time.Duration `long:"batchinterval" description:"How long updates are collected before a commitment covering them is signed."`

	// MailboxSize is the buffer size of a link's event queue.
	MailboxSize int `long:"mailboxsize" description:"The number of events buffered in front of a link."`
}

// DefaultLink returns the default link options.
func DefaultLink() *Link {
	return &Link{
		BatchInterval: DefaultBatchInterval,
		MailboxSize:   DefaultMailboxSize,
	}
}

// Validate checks that the link options are usable.
func (l *Link) Validate() error {
	if l.BatchInterval <= 0 {
		return fmt.Errorf("batchinterval must be positive")
	}
	if l.MailboxSize <= 0 {
		return fmt.Errorf("mailboxsize must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Link implements the Validator interface.
var _ Validator = (*Link)(nil)
