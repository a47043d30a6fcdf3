package chancloser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrCloseNegotiationFailed is returned when the two parties could not
	// converge on a closing fee within the configured number of rounds.
	// The caller decides whether to retry or force close.
	ErrCloseNegotiationFailed = errors.New("closing fee negotiation failed")

	// ErrNegotiationComplete is returned when a proposal arrives after a
	// fee has already been agreed.
	ErrNegotiationComplete = errors.New("close negotiation already complete")

	// ErrInvalidNegotiationConfig is returned when the negotiation is
	// configured with a zero round limit or a max fee below zero.
	ErrInvalidNegotiationConfig = errors.New("invalid close negotiation " +
		"config")
)

const (
	// DefaultMaxRounds is the number of closing_signed messages we're
	// willing to receive before giving up on the negotiation.
	DefaultMaxRounds = 10

	// acceptableRangePercent is how far, in percent of our last offer, a
	// remote proposal may be from it while still being accepted outright.
	acceptableRangePercent = 30

	// ratchetPercent is the step size of the ratchet tie-break.
	ratchetPercent = 10
)

// TieBreak selects how we move our offer when the remote proposal is not
// close enough to accept.
type TieBreak uint8

const (
	// TieBreakMidpoint counters with the average of our last offer and the
	// remote's proposal.
	TieBreakMidpoint TieBreak = iota

	// TieBreakRatchet moves our offer 10% towards the remote proposal each
	// round.
	TieBreakRatchet

	// TieBreakAcceptRemote accepts any remote proposal that doesn't exceed
	// our max fee.
	TieBreakAcceptRemote
)

// String returns the config name of the tie-break rule.
func (t TieBreak) String() string {
	switch t {
	case TieBreakMidpoint:
		return "midpoint"
	case TieBreakRatchet:
		return "ratchet"
	case TieBreakAcceptRemote:
		return "accept-remote"
	default:
		return fmt.Sprintf("<unknown tie-break %d>", uint8(t))
	}
}

// ParseTieBreak maps a config string to a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(s) {
	case "", "midpoint":
		return TieBreakMidpoint, nil
	case "ratchet":
		return TieBreakRatchet, nil
	case "accept-remote":
		return TieBreakAcceptRemote, nil
	default:
		return 0, fmt.Errorf("unknown close tie-break %q", s)
	}
}

// NegotiationFailure is returned once the round limit has been exceeded. It
// records where both parties stood so the caller can decide how to proceed.
type NegotiationFailure struct {
	// Rounds is the number of remote proposals processed.
	Rounds uint32

	// LocalFee is the last fee we offered.
	LocalFee btcutil.Amount

	// RemoteFee is the last fee the remote party offered.
	RemoteFee btcutil.Amount
}

// Error returns a human readable description of the failure.
func (n *NegotiationFailure) Error() string {
	return fmt.Sprintf("%v: no agreement after %d rounds (local=%v, "+
		"remote=%v)", ErrCloseNegotiationFailed, n.Rounds, n.LocalFee,
		n.RemoteFee)
}

// Unwrap allows errors.Is to match ErrCloseNegotiationFailed.
func (n *NegotiationFailure) Unwrap() error {
	return ErrCloseNegotiationFailed
}

// Config houses the parameters of a single closing fee negotiation.
type Config struct {
	// MaxRounds is the number of remote proposals we process before
	// failing the negotiation.
	MaxRounds uint32

	// TieBreak is the rule used to produce a counter offer.
	TieBreak TieBreak

	// IdealFee is the fee we'd like to pay for the closing transaction.
	IdealFee btcutil.Amount

	// MaxFee is the highest fee we will ever sign for.
	MaxFee btcutil.Amount
}

// Decision is the outcome of processing a single remote proposal.
type Decision struct {
	// Agreed is true once both sides have signed the same fee.
	Agreed bool

	// Fee is the fee we settled on if Agreed is set, or our counter offer
	// otherwise.
	Fee btcutil.Amount

	// SendSig is true when we need to send a closing_signed for Fee.
	SendSig bool
}

// NegotiationState is the restorable state of a negotiation.
type NegotiationState struct {
	// Round is the number of remote proposals processed so far.
	Round uint32

	// LastLocal is the last fee we signed for.
	LastLocal fn.Option[btcutil.Amount]

	// LastRemote is the last fee the remote party signed for.
	LastRemote fn.Option[btcutil.Amount]

	// Agreed is the final fee once the negotiation completes.
	Agreed fn.Option[btcutil.Amount]
}

// ClosingNegotiation drives the fee exchange of a cooperative close. It is a
// pure state machine: signing and transaction assembly are left to the
// channel, which feeds remote proposals in and acts on the Decision.
type ClosingNegotiation struct {
	cfg Config

	state NegotiationState
}

// NewClosingNegotiation creates a new negotiation from the passed config.
func NewClosingNegotiation(cfg Config) (*ClosingNegotiation, error) {
	return RestoreClosingNegotiation(cfg, NegotiationState{})
}

// RestoreClosingNegotiation re-creates a negotiation from a prior state.
func RestoreClosingNegotiation(cfg Config,
	state NegotiationState) (*ClosingNegotiation, error) {

	if cfg.MaxRounds == 0 || cfg.MaxFee < 0 || cfg.IdealFee < 0 {
		return nil, fmt.Errorf("%w: max_rounds=%d, ideal=%v, max=%v",
			ErrInvalidNegotiationConfig, cfg.MaxRounds,
			cfg.IdealFee, cfg.MaxFee)
	}

	// We never propose more than our max.
	if cfg.IdealFee > cfg.MaxFee {
		cfg.IdealFee = cfg.MaxFee
	}

	return &ClosingNegotiation{
		cfg:   cfg,
		state: state,
	}, nil
}

// State returns a copy of the negotiation state.
func (c *ClosingNegotiation) State() NegotiationState {
	return c.state
}

// Config returns the negotiation config.
func (c *ClosingNegotiation) Config() Config {
	return c.cfg
}

// AgreedFee returns the fee both sides signed, if any.
func (c *ClosingNegotiation) AgreedFee() fn.Option[btcutil.Amount] {
	return c.state.Agreed
}

// InitialProposal returns our opening offer, which is the ideal fee. It is
// only used by the party that sends the first closing_signed.
func (c *ClosingNegotiation) InitialProposal() btcutil.Amount {
	c.state.LastLocal = fn.Some(c.cfg.IdealFee)

	chancloserLog.Debugf("Opening close negotiation with fee=%v",
		c.cfg.IdealFee)

	return c.cfg.IdealFee
}

// ReceiveProposal processes a fee proposed by the remote party and returns
// our reaction to it.
func (c *ClosingNegotiation) ReceiveProposal(
	remoteFee btcutil.Amount) (Decision, error) {

	if c.state.Agreed.IsSome() {
		return Decision{}, ErrNegotiationComplete
	}

	c.state.Round++
	c.state.LastRemote = fn.Some(remoteFee)

	lastLocal := c.state.LastLocal.UnwrapOr(c.cfg.IdealFee)

	chancloserLog.Debugf("Close negotiation round %d: ideal=%v, "+
		"last_sent=%v, remote_offer=%v, tie_break=%v", c.state.Round,
		c.cfg.IdealFee, lastLocal, remoteFee, c.cfg.TieBreak)

	// If the remote party signed for the fee we last offered, both of us
	// now hold signatures for the same transaction.
	if c.state.LastLocal.IsSome() && remoteFee == lastLocal {
		return c.agree(remoteFee, false), nil
	}

	if c.state.Round > c.cfg.MaxRounds {
		return Decision{}, &NegotiationFailure{
			Rounds:    c.state.Round - 1,
			LocalFee:  lastLocal,
			RemoteFee: remoteFee,
		}
	}

	// Anything above our max is countered with the max itself.
	if remoteFee > c.cfg.MaxFee {
		return c.counter(c.cfg.MaxFee), nil
	}

	if c.cfg.TieBreak == TieBreakAcceptRemote ||
		feeInAcceptableRange(lastLocal, remoteFee) {

		chancloserLog.Infof("Proposed remote fee %v is close enough "+
			"to %v, capitulating", remoteFee, lastLocal)

		return c.agree(remoteFee, true), nil
	}

	var counter btcutil.Amount
	switch c.cfg.TieBreak {
	case TieBreakRatchet:
		counter = ratchetFee(lastLocal, remoteFee)
	default:
		counter = (lastLocal + remoteFee) / 2
	}

	if counter > c.cfg.MaxFee {
		counter = c.cfg.MaxFee
	}
	if counter == remoteFee {
		return c.agree(remoteFee, true), nil
	}

	return c.counter(counter), nil
}

// agree finalizes the negotiation at fee.
func (c *ClosingNegotiation) agree(fee btcutil.Amount, sendSig bool) Decision {
	c.state.Agreed = fn.Some(fee)
	if sendSig {
		c.state.LastLocal = fn.Some(fee)
	}

	return Decision{Agreed: true, Fee: fee, SendSig: sendSig}
}

// counter records and returns a counter offer.
func (c *ClosingNegotiation) counter(fee btcutil.Amount) Decision {
	c.state.LastLocal = fn.Some(fee)

	return Decision{Fee: fee, SendSig: true}
}

// feeInAcceptableRange returns true if the passed remote fee is deemed to be
// in an "acceptable" range to our local fee. This is an attempt at a
// compromise and to ensure that the fee negotiation has a stopping point. We
// consider their fee acceptable if it's within 30% of our fee.
func feeInAcceptableRange(localFee, remoteFee btcutil.Amount) bool {
	delta := (localFee * acceptableRangePercent) / 100

	// If our offer is lower than theirs, then we'll accept their offer if
	// it's no more than 30% *greater* than our current offer.
	if localFee < remoteFee {
		return remoteFee <= localFee+delta
	}

	// If our offer is greater than theirs, then we'll accept their offer if
	// it's no more than 30% *less* than our current offer.
	return remoteFee >= localFee-delta
}

// ratchetFee is our step function used to inch our fee closer to something
// that both sides can agree on. We never step past the remote proposal.
func ratchetFee(fee, target btcutil.Amount) btcutil.Amount {
	step := (fee * ratchetPercent) / 100
	if step == 0 {
		step = 1
	}

	if target > fee {
		return min(fee+step, target)
	}

	return max(fee-step, target)
}
