package lnwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidParameters is returned when the channel parameters
	// proposed during funding fall outside of our configured policy.
	ErrInvalidParameters = errors.New("invalid channel parameters")

	// ErrInsufficientFunds is returned when an update would leave a party
	// unable to pay for it while keeping its channel reserve.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTooManyHTLCs is returned when an HTLC would exceed the number of
	// HTLCs the receiver is willing to accept.
	ErrTooManyHTLCs = errors.New("too many htlcs")

	// ErrBelowMinHTLC is returned when an HTLC is below the receiver's
	// minimum.
	ErrBelowMinHTLC = errors.New("htlc amount below minimum")

	// ErrMaxPendingAmount is returned when an HTLC would push the value in
	// flight above the receiver's limit.
	ErrMaxPendingAmount = errors.New("htlc would exceed max pending amount")

	// ErrExpiryTooSoon is returned when an HTLC's absolute expiry is not
	// far enough in the future.
	ErrExpiryTooSoon = errors.New("htlc expiry too soon")

	// ErrInvalidHTLCAmt is returned when an HTLC carries a non-positive
	// amount.
	ErrInvalidHTLCAmt = errors.New("htlc amount must be positive")

	// ErrInvalidHtlcIndex is returned when the remote party offers an HTLC
	// with an id that isn't the next one in sequence.
	ErrInvalidHtlcIndex = errors.New("htlc id out of sequence")

	// ErrUnknownHtlcIndex is returned when an update references an HTLC we
	// don't know about.
	ErrUnknownHtlcIndex = errors.New("unknown htlc index")

	// ErrHtlcAlreadyModified is returned when an HTLC that already has a
	// pending settle or fail is settled or failed again.
	ErrHtlcAlreadyModified = errors.New("htlc already has a pending " +
		"modification")

	// ErrHtlcNotLockedIn is returned when an HTLC is removed before both
	// commitments contain it.
	ErrHtlcNotLockedIn = errors.New("htlc not yet locked in")

	// ErrInvalidPreimage is returned when a settle carries a preimage that
	// doesn't hash to the HTLC's payment hash.
	ErrInvalidPreimage = errors.New("preimage does not match payment hash")

	// ErrFeeRateOutOfBounds is returned when a proposed commitment fee rate
	// is outside of the configured range.
	ErrFeeRateOutOfBounds = errors.New("fee rate out of bounds")

	// ErrNotFunder is returned when the fundee tries to update the
	// commitment fee.
	ErrNotFunder = errors.New("only the funder may update the fee")

	// ErrChannelShuttingDown is returned when new HTLCs are added after a
	// shutdown has been sent or received.
	ErrChannelShuttingDown = errors.New("channel is shutting down")

	// ErrChannelNotActive is returned for updates attempted before the
	// channel is open.
	ErrChannelNotActive = errors.New("channel not active")

	// ErrChannelClosed is returned for any event processed after the
	// channel reached a terminal state.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrInvalidSignature is returned when a commitment or closing
	// signature doesn't verify against our locally built transaction.
	ErrInvalidSignature = errors.New("invalid commitment signature")

	// ErrInvalidHTLCSig is returned when an HTLC second-level signature is
	// invalid or the number of signatures doesn't match.
	ErrInvalidHTLCSig = errors.New("invalid htlc signature")

	// ErrPrematureRevocation is returned when a revocation secret is
	// requested before the next commitment exists, or out of order.
	ErrPrematureRevocation = errors.New("premature revocation")

	// ErrRevocationMismatch is returned when a revealed secret doesn't
	// derive to the commitment point we hold for the remote commitment.
	ErrRevocationMismatch = errors.New("revocation secret does not match " +
		"commitment point")

	// ErrOutOfOrder is returned when a message arrives that isn't valid
	// at this point of the protocol.
	ErrOutOfOrder = errors.New("protocol message out of order")

	// ErrNoWindow is returned when we try to sign a new remote commitment
	// while the previous one is still unrevoked.
	ErrNoWindow = errors.New("unable to sign new commitment, the " +
		"current revocation window is exhausted")

	// ErrNoPendingUpdates is returned when a commitment is requested but
	// neither party has updates that need signing.
	ErrNoPendingUpdates = errors.New("no pending updates to sign")

	// ErrChanIDMismatch is returned when a message targets another
	// channel.
	ErrChanIDMismatch = errors.New("message for another channel")

	// ErrUnknownEvent is returned for event types the state machine
	// doesn't know.
	ErrUnknownEvent = errors.New("unknown channel event")
)

// ValidationError is returned when a single operation breaks a channel limit.
// The channel state is left untouched and stays usable.
type ValidationError struct {
	// Op is the operation that was rejected.
	Op string

	// Err is the limit that was violated.
	Err error
}

// newValidationErr wraps err as a ValidationError for op.
func newValidationErr(op string, err error) *ValidationError {
	return &ValidationError{Op: op, Err: err}
}

// Error returns a human readable description of the rejection.
func (v *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected: %v", v.Op, v.Err)
}

// Unwrap returns the wrapped error.
func (v *ValidationError) Unwrap() error {
	return v.Err
}

// ProtocolViolation is returned when the remote party breaks the protocol.
// The channel can no longer be updated and moves to
// AwaitingOnChainResolution. The latest valid commitment, fully signed by both
// parties, is attached so the caller can always enforce it on chain.
type ProtocolViolation struct {
	// Err is the underlying failure.
	Err error

	// CommitHeight is the height of CommitTx.
	CommitHeight uint64

	// CommitTx is our latest fully witnessed commitment transaction. It is
	// nil if the violation happened before funding was signed.
	CommitTx *wire.MsgTx

	// MonitorUpdate records the force close of CommitTx. It must be
	// persisted before CommitTx is broadcast. It is nil when CommitTx is.
	MonitorUpdate *MonitorUpdate
}

// Error returns a human readable description of the violation.
func (p *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %v", p.Err)
}

// Unwrap returns the wrapped error.
func (p *ProtocolViolation) Unwrap() error {
	return p.Err
}
