package channeldb

import "errors"

var (
	// ErrMetaNotFound is returned when meta bucket hasn't been
	// created.
	ErrMetaNotFound = errors.New("unable to locate meta information")

	// ErrDBReversion is returned when detecting an attempt to revert to a
	// prior database version.
	ErrDBReversion = errors.New("channel db cannot revert to prior version")

	// ErrChannelNotFound is returned when a channel has no stored
	// monitor updates.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrRevocationNotFound is returned when no revocation secret is
	// stored for a remote commitment.
	ErrRevocationNotFound = errors.New("revocation secret not found")
)
