package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
)

// HTLC is a hashed time locked contract offered by one party to the other.
type HTLC struct {
	// Incoming is true if the remote party offered the HTLC.
	Incoming bool

	// ID is the per-direction index of the HTLC.
	ID uint64

	// Amount is the value of the HTLC.
	Amount btcutil.Amount

	// PaymentHash is the hash the receiver must present the preimage of.
	PaymentHash lntypes.Hash

	// Expiry is the absolute block height after which the offerer can
	// time out the HTLC.
	Expiry uint32
}

// ResolvedHTLC is an HTLC whose removal is irrevocably committed.
type ResolvedHTLC struct {
	HTLC

	// Settled is true if the HTLC was fulfilled, false if it failed.
	Settled bool

	// Preimage is the preimage of a settled HTLC.
	Preimage lntypes.Preimage

	// FailReason is the opaque reason of a failed HTLC.
	FailReason lnwire.OpaqueReason
}

// HTLCState is the life cycle position of an HTLC.
type HTLCState uint8

const (
	// HTLCPendingAdd is an HTLC that isn't yet part of both commitments.
	HTLCPendingAdd HTLCState = iota

	// HTLCCommitted is an HTLC locked into both commitments.
	HTLCCommitted

	// HTLCPendingFulfill is a committed HTLC with a staged settle.
	HTLCPendingFulfill

	// HTLCPendingFail is a committed HTLC with a staged fail.
	HTLCPendingFail

	// HTLCResolved is an HTLC whose removal is locked in.
	HTLCResolved
)

// String returns the name of the state.
func (s HTLCState) String() string {
	switch s {
	case HTLCPendingAdd:
		return "pending-add"
	case HTLCCommitted:
		return "committed"
	case HTLCPendingFulfill:
		return "pending-fulfill"
	case HTLCPendingFail:
		return "pending-fail"
	case HTLCResolved:
		return "resolved"
	default:
		return fmt.Sprintf("<unknown:%d>", uint8(s))
	}
}

// LockedFee is a fee update that is now part of both commitments.
type LockedFee struct {
	// Proposer is the party that sent the update.
	Proposer lntypes.ChannelParty

	// FeeRate is the locked in fee rate.
	FeeRate chainfee.SatPerKWeight
}

// CommitResult is what a call to Commit finalized.
type CommitResult struct {
	// LockedIn are the HTLCs that just became part of both commitments.
	LockedIn []HTLC

	// Resolved are the HTLCs whose removal just became part of both
	// commitments.
	Resolved []ResolvedHTLC

	// Fees are the fee updates that just locked in, in log order.
	Fees []LockedFee
}

// HTLCTracker keeps the update logs of both parties. Every HTLC moves through
// pending-add, committed, pending-fulfill or pending-fail and finally
// resolved. Ids are assigned per direction and never reused.
type HTLCTracker struct {
	// logs holds the updates each party originated.
	logs lntypes.Dual[*updateLog]
}

// NewHTLCTracker creates a tracker with empty logs.
func NewHTLCTracker() *HTLCTracker {
	return &HTLCTracker{
		logs: lntypes.Dual[*updateLog]{
			Local:  newUpdateLog(0, 0),
			Remote: newUpdateLog(0, 0),
		},
	}
}

// NextHtlcID returns the id the next HTLC offered by party must carry.
func (h *HTLCTracker) NextHtlcID(party lntypes.ChannelParty) uint64 {
	return h.logs.GetForParty(party).htlcCounter
}

// logIndex returns the number of updates party has ever originated.
func (h *HTLCTracker) logIndex(party lntypes.ChannelParty) uint64 {
	return h.logs.GetForParty(party).logIndex
}

// StageAdd appends an HTLC offered by from. The HTLC's id must be the next id
// of that direction.
func (h *HTLCTracker) StageAdd(from lntypes.ChannelParty,
	htlc HTLC) (*PaymentDescriptor, error) {

	updates := h.logs.GetForParty(from)
	if htlc.ID != updates.htlcCounter {
		return nil, fmt.Errorf("%w: got id %d, expected %d",
			ErrInvalidHtlcIndex, htlc.ID, updates.htlcCounter)
	}

	pd := &PaymentDescriptor{
		EntryType: Add,
		RHash:     htlc.PaymentHash,
		Timeout:   htlc.Expiry,
		Amount:    htlc.Amount,
	}
	updates.appendHtlc(pd)

	return pd, nil
}

// parentForRemoval fetches the HTLC that a removal by from targets and
// checks that it can be removed.
func (h *HTLCTracker) parentForRemoval(from lntypes.ChannelParty,
	id uint64) (*PaymentDescriptor, error) {

	offerer := h.logs.GetForParty(from.CounterParty())

	parent := offerer.lookupHtlc(id)
	switch {
	case parent == nil:
		return nil, fmt.Errorf("%w: %d", ErrUnknownHtlcIndex, id)

	case offerer.htlcHasModification(id):
		return nil, fmt.Errorf("%w: %d", ErrHtlcAlreadyModified, id)

	case !parent.lockedIn:
		return nil, fmt.Errorf("%w: %d", ErrHtlcNotLockedIn, id)
	}

	return parent, nil
}

// StageFulfill appends a settle by from of the HTLC with the given id that
// the other party offered. The preimage must hash to the payment hash.
func (h *HTLCTracker) StageFulfill(from lntypes.ChannelParty, id uint64,
	preimage lntypes.Preimage) error {

	parent, err := h.parentForRemoval(from, id)
	if err != nil {
		return err
	}
	if !preimage.Matches(parent.RHash) {
		return fmt.Errorf("%w: htlc %d", ErrInvalidPreimage, id)
	}

	h.logs.GetForParty(from).appendUpdate(&PaymentDescriptor{
		EntryType:   Settle,
		RPreimage:   preimage,
		RHash:       parent.RHash,
		Amount:      parent.Amount,
		ParentIndex: id,
	})
	h.logs.GetForParty(from.CounterParty()).markHtlcModified(id, Settle)

	return nil
}

// StageFail appends a fail by from of the HTLC with the given id that the
// other party offered.
func (h *HTLCTracker) StageFail(from lntypes.ChannelParty, id uint64,
	reason lnwire.OpaqueReason) error {

	parent, err := h.parentForRemoval(from, id)
	if err != nil {
		return err
	}

	h.logs.GetForParty(from).appendUpdate(&PaymentDescriptor{
		EntryType:   Fail,
		RHash:       parent.RHash,
		Amount:      parent.Amount,
		ParentIndex: id,
		FailReason:  reason,
	})
	h.logs.GetForParty(from.CounterParty()).markHtlcModified(id, Fail)

	return nil
}

// StageFee appends a commitment fee update proposed by from.
func (h *HTLCTracker) StageFee(from lntypes.ChannelParty,
	rate chainfee.SatPerKWeight) {

	h.logs.GetForParty(from).appendUpdate(&PaymentDescriptor{
		EntryType: FeeUpdate,
		FeeRate:   rate,
	})
}

// Commit finalizes every update that is now part of the commitments at both
// tails, then evicts the settled and failed HTLCs along with their removals.
func (h *HTLCTracker) Commit(localTail, remoteTail uint64) *CommitResult {
	result := &CommitResult{}

	for _, party := range []lntypes.ChannelParty{
		lntypes.Local, lntypes.Remote,
	} {
		h.logs.GetForParty(party).forEach(func(pd *PaymentDescriptor) {
			if pd.lockedIn || !pd.committedOn(localTail, remoteTail) {
				return
			}
			pd.lockedIn = true

			switch pd.EntryType {
			case Add:
				result.LockedIn = append(
					result.LockedIn, pd.toHTLC(party.IsRemote()),
				)

			case FeeUpdate:
				result.Fees = append(result.Fees, LockedFee{
					Proposer: party,
					FeeRate:  pd.FeeRate,
				})
			}
		})
	}

	removed := compactLogs(
		h.logs.Local, h.logs.Remote, localTail, remoteTail,
	)
	for _, party := range []lntypes.ChannelParty{
		lntypes.Local, lntypes.Remote,
	} {
		// A removal by party targets an HTLC the other side offered,
		// which is incoming from our point of view iff the remover
		// is us.
		for _, r := range removed.GetForParty(party) {
			resolved := ResolvedHTLC{
				HTLC:       r.parent.toHTLC(party.IsLocal()),
				Settled:    r.entry.EntryType == Settle,
				Preimage:   r.entry.RPreimage,
				FailReason: r.entry.FailReason,
			}
			result.Resolved = append(result.Resolved, resolved)
		}
	}

	return result
}

// State returns the life cycle position of the HTLC with id offered by
// offerer.
func (h *HTLCTracker) State(offerer lntypes.ChannelParty,
	id uint64) (HTLCState, error) {

	updates := h.logs.GetForParty(offerer)

	pd := updates.lookupHtlc(id)
	if pd == nil {
		if id < updates.htlcCounter {
			return HTLCResolved, nil
		}

		return 0, fmt.Errorf("%w: %d", ErrUnknownHtlcIndex, id)
	}

	if kind, ok := updates.modifiedHtlcs[id]; ok {
		if kind == Settle {
			return HTLCPendingFulfill, nil
		}

		return HTLCPendingFail, nil
	}

	if pd.lockedIn {
		return HTLCCommitted, nil
	}

	return HTLCPendingAdd, nil
}

// Lookup returns the HTLC with id offered by offerer if it is still tracked.
func (h *HTLCTracker) Lookup(offerer lntypes.ChannelParty,
	id uint64) (HTLC, bool) {

	pd := h.logs.GetForParty(offerer).lookupHtlc(id)
	if pd == nil {
		return HTLC{}, false
	}

	return pd.toHTLC(offerer.IsRemote()), true
}

// Empty returns true if neither log holds an update.
func (h *HTLCTracker) Empty() bool {
	return h.logs.Local.numEntries() == 0 &&
		h.logs.Remote.numEntries() == 0
}

// htlcView represents the "active" HTLCs at a particular point within the
// history of the HTLC update log.
type htlcView struct {
	// ourUpdates are the updates we originated.
	ourUpdates []*PaymentDescriptor

	// theirUpdates are the updates the remote party originated.
	theirUpdates []*PaymentDescriptor

	// feePerKw is the fee rate of the commitment the view describes.
	feePerKw chainfee.SatPerKWeight
}

// fetchHTLCView returns all the updates that have been offered by both
// parties up to the given log indexes.
func (h *HTLCTracker) fetchHTLCView(ourLogIndex,
	theirLogIndex uint64) *htlcView {

	return &htlcView{
		ourUpdates:   h.logs.Local.entriesBefore(ourLogIndex),
		theirUpdates: h.logs.Remote.entriesBefore(theirLogIndex),
	}
}

// evaluateView takes the view of all updates and returns the set of HTLCs
// active on the commitment of whoseCommitChain at nextHeight. The balances
// are adjusted for every add and removal that isn't part of that chain yet.
// If mutate is true, the updates are marked as included at nextHeight.
func (h *HTLCTracker) evaluateView(view *htlcView, ourBalance,
	theirBalance *btcutil.Amount, nextHeight uint64,
	whoseCommitChain lntypes.ChannelParty, mutate bool) (*htlcView, error) {

	newView := &htlcView{feePerKw: view.feePerKw}

	// We use two maps, one for the local log and one for the remote log
	// to keep track of which entries we need to skip when creating the
	// final htlc view. We skip an entry whenever we find a settle or a
	// timeout modifying an entry.
	skipUs := make(map[uint64]struct{})
	skipThem := make(map[uint64]struct{})

	processRemovals := func(updates []*PaymentDescriptor,
		parentLog *updateLog, skip map[uint64]struct{},
		isIncoming bool) error {

		for _, entry := range updates {
			switch entry.EntryType {
			case Add:
				continue

			case FeeUpdate:
				processFeeUpdate(
					entry, nextHeight, whoseCommitChain,
					mutate, newView,
				)
				continue
			}

			parent := parentLog.lookupHtlc(entry.ParentIndex)
			if parent == nil {
				return fmt.Errorf("%w: %v references htlc %d",
					ErrUnknownHtlcIndex, entry.EntryType,
					entry.ParentIndex)
			}

			skip[parent.HtlcIndex] = struct{}{}

			processRemoveEntry(
				entry, ourBalance, theirBalance, nextHeight,
				whoseCommitChain, isIncoming, mutate,
			)
		}

		return nil
	}

	// Our removals target the HTLCs they offered and vice versa.
	err := processRemovals(
		view.ourUpdates, h.logs.Remote, skipThem, true,
	)
	if err != nil {
		return nil, err
	}
	err = processRemovals(
		view.theirUpdates, h.logs.Local, skipUs, false,
	)
	if err != nil {
		return nil, err
	}

	// Next we take a second pass through all the log entries, skipping any
	// settled HTLCs, and debiting the chain state balance due to any newly
	// added HTLCs.
	for _, entry := range view.ourUpdates {
		if entry.EntryType != Add {
			continue
		}
		if _, ok := skipUs[entry.HtlcIndex]; ok {
			continue
		}

		processAddEntry(
			entry, ourBalance, theirBalance, nextHeight,
			whoseCommitChain, false, mutate,
		)
		newView.ourUpdates = append(newView.ourUpdates, entry)
	}
	for _, entry := range view.theirUpdates {
		if entry.EntryType != Add {
			continue
		}
		if _, ok := skipThem[entry.HtlcIndex]; ok {
			continue
		}

		processAddEntry(
			entry, ourBalance, theirBalance, nextHeight,
			whoseCommitChain, true, mutate,
		)
		newView.theirUpdates = append(newView.theirUpdates, entry)
	}

	return newView, nil
}

// processAddEntry evaluates the effect of an add entry within the HTLC log.
// If the HTLC hasn't yet been committed in either chain, then the height it
// was committed is updated. Keeping track of this inclusion height allows us
// to later compact the log once the change is fully committed in both chains.
func processAddEntry(htlc *PaymentDescriptor, ourBalance,
	theirBalance *btcutil.Amount, nextHeight uint64,
	whoseCommitChain lntypes.ChannelParty, isIncoming, mutateState bool) {

	// If we're evaluating this entry for the remote chain (to create/view
	// a new commitment), then we'll may be updating the height this entry
	// was added to the chain. Otherwise, we may be updating the entry's
	// height w.r.t the local chain.
	if htlc.addCommitHeights.GetForParty(whoseCommitChain) != 0 {
		return
	}

	if isIncoming {
		// If this is a new incoming (un-committed) HTLC, then we need
		// to update their balance accordingly by subtracting the
		// amount of the HTLC that are funds pending.
		*theirBalance -= htlc.Amount
	} else {
		// Similarly, we need to debit our balance if this is an out
		// going HTLC to reflect the pending balance.
		*ourBalance -= htlc.Amount
	}

	if mutateState {
		htlc.addCommitHeights.SetForParty(whoseCommitChain, nextHeight)
	}
}

// processRemoveEntry processes a log entry which settles or times out a
// previously added HTLC. If the removal entry has already been processed, it
// is skipped.
func processRemoveEntry(htlc *PaymentDescriptor, ourBalance,
	theirBalance *btcutil.Amount, nextHeight uint64,
	whoseCommitChain lntypes.ChannelParty, isIncoming, mutateState bool) {

	// Ignore any removal entries which have already been processed.
	if htlc.removeCommitHeights.GetForParty(whoseCommitChain) != 0 {
		return
	}

	switch {
	// If an incoming HTLC is being settled, then this means that we've
	// received the preimage either from another subsystem, or the
	// upstream peer in the route. Therefore, we increase our balance by
	// the HTLC amount.
	case isIncoming && htlc.EntryType == Settle:
		*ourBalance += htlc.Amount

	// Otherwise, this HTLC is being failed out, therefore the value of the
	// HTLC should return to the remote party.
	case isIncoming && htlc.EntryType == Fail:
		*theirBalance += htlc.Amount

	// If an outgoing HTLC is being settled, then this means that the
	// downstream party resented the preimage or learned of it via a
	// downstream peer. In either case, we credit their settled value with
	// the value of the HTLC.
	case !isIncoming && htlc.EntryType == Settle:
		*theirBalance += htlc.Amount

	// Otherwise, one of our outgoing HTLC's has timed out, so the value of
	// the HTLC should be returned to our settled balance.
	case !isIncoming && htlc.EntryType == Fail:
		*ourBalance += htlc.Amount
	}

	if mutateState {
		htlc.addCommitHeights.SetForParty(whoseCommitChain, nextHeight)
		htlc.removeCommitHeights.SetForParty(
			whoseCommitChain, nextHeight,
		)
	}
}

// processFeeUpdate processes a log update that updates the current commitment
// fee.
func processFeeUpdate(feeUpdate *PaymentDescriptor, nextHeight uint64,
	whoseCommitChain lntypes.ChannelParty, mutateState bool,
	view *htlcView) {

	// If the update was already included in the chain, the fee rate of
	// the view's base commitment reflects it.
	if feeUpdate.addCommitHeights.GetForParty(whoseCommitChain) != 0 {
		return
	}

	// If the update wasn't already locked in, update the current fee rate
	// to reflect this update.
	view.feePerKw = feeUpdate.FeeRate

	if mutateState {
		feeUpdate.addCommitHeights.SetForParty(
			whoseCommitChain, nextHeight,
		)
		feeUpdate.removeCommitHeights.SetForParty(
			whoseCommitChain, nextHeight,
		)
	}
}
