package lnwallet

import (
	"fmt"

	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FeeBounds is the inclusive range of commitment fee rates we accept.
type FeeBounds struct {
	// Min is the lowest acceptable fee rate.
	Min chainfee.SatPerKWeight

	// Max is the highest acceptable fee rate.
	Max chainfee.SatPerKWeight
}

// Contains returns true if rate is within the bounds.
func (b FeeBounds) Contains(rate chainfee.SatPerKWeight) bool {
	return rate >= b.Min && rate <= b.Max
}

// String returns the bounds as an interval.
func (b FeeBounds) String() string {
	return fmt.Sprintf("[%v, %v]", b.Min, b.Max)
}

// FeeNegotiator tracks the commitment fee rate. Each party has at most one
// outstanding proposal; a proposal becomes the committed rate once the update
// carrying it is locked into both commitments.
type FeeNegotiator struct {
	bounds FeeBounds

	funder lntypes.ChannelParty

	committed chainfee.SatPerKWeight

	pending lntypes.Dual[fn.Option[chainfee.SatPerKWeight]]
}

// NewFeeNegotiator creates a negotiator with the initial commitment fee rate.
func NewFeeNegotiator(bounds FeeBounds, funder lntypes.ChannelParty,
	initial chainfee.SatPerKWeight) *FeeNegotiator {

	return &FeeNegotiator{
		bounds:    bounds,
		funder:    funder,
		committed: initial,
		pending: lntypes.Dual[fn.Option[chainfee.SatPerKWeight]]{
			Local:  fn.None[chainfee.SatPerKWeight](),
			Remote: fn.None[chainfee.SatPerKWeight](),
		},
	}
}

// Validate checks whether from may propose rate without touching any state.
func (f *FeeNegotiator) Validate(from lntypes.ChannelParty,
	rate chainfee.SatPerKWeight) error {

	if from != f.funder {
		return ErrNotFunder
	}

	if !f.bounds.Contains(rate) {
		return fmt.Errorf("%w: %v not in %v", ErrFeeRateOutOfBounds,
			rate, f.bounds)
	}

	return nil
}

// Propose records rate as the outstanding proposal of from, replacing any
// earlier one. The state is unchanged if the proposal is rejected.
func (f *FeeNegotiator) Propose(from lntypes.ChannelParty,
	rate chainfee.SatPerKWeight) error {

	if err := f.Validate(from, rate); err != nil {
		return err
	}

	f.pending.SetForParty(from, fn.Some(rate))

	return nil
}

// Pending returns the outstanding proposal of party.
func (f *FeeNegotiator) Pending(party lntypes.ChannelParty) fn.Option[
	chainfee.SatPerKWeight] {

	return f.pending.GetForParty(party)
}

// Lock folds a proposal of party that was locked into both commitments into
// the committed rate. The outstanding proposal is cleared unless a newer one
// has replaced it in the meantime.
func (f *FeeNegotiator) Lock(party lntypes.ChannelParty,
	rate chainfee.SatPerKWeight) {

	f.committed = rate

	pending := f.pending.GetForParty(party)
	if pending.UnwrapOr(0) == rate {
		f.pending.SetForParty(party, fn.None[chainfee.SatPerKWeight]())
	}
}

// Committed returns the fee rate both commitments currently use.
func (f *FeeNegotiator) Committed() chainfee.SatPerKWeight {
	return f.committed
}

// Bounds returns the accepted fee rate range.
func (f *FeeNegotiator) Bounds() FeeBounds {
	return f.bounds
}
