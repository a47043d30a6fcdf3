package htlcswitch

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkShuttingDown signals that the link is shutting down.
	ErrLinkShuttingDown = errors.New("link shutting down")

	// ErrLinkFailed is returned for requests made after the link failed.
	ErrLinkFailed = errors.New("link failed")
)

// LinkFailureError encapsulates an error that made us stop the link. No
// further events are processed once it happened.
type LinkFailureError struct {
	// failure is the error this LinkFailureError encapsulates.
	failure error

	// ForceClose indicates whether our latest commitment was broadcast
	// because of this error.
	ForceClose bool
}

// A compile time check to ensure LinkFailureError implements the error
// interface.
var _ error = (*LinkFailureError)(nil)

// Error returns a generic error for the LinkFailureError.
//
// NOTE: Part of the error interface.
func (e *LinkFailureError) Error() string {
	return fmt.Sprintf("%v: %v", ErrLinkFailed, e.failure)
}

// Unwrap returns the underlying failure.
func (e *LinkFailureError) Unwrap() []error {
	return []error{ErrLinkFailed, e.failure}
}
