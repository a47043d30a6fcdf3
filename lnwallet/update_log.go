package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// updateType is the exact type of an entry within the update log.
type updateType uint8

const (
	// Add is an update type that adds a new HTLC entry into the log.
	// Either side can add a new pending HTLC by adding a new Add entry
	// into their update log.
	Add updateType = iota

	// Fail is an update type which removes a prior HTLC entry from the
	// log. Adding a Fail entry to one's log will modify the _remote_
	// party's update log once a new commitment view has been evaluated
	// which contains the Fail entry.
	Fail

	// Settle is an update type which settles a prior HTLC crediting the
	// balance of the receiving node. Adding a Settle entry to a log will
	// result in the settle entry being removed on the log as well as the
	// original add entry from the remote party's log after the next state
	// transition.
	Settle

	// FeeUpdate is an update type sent by the channel initiator that
	// updates the fee rate used when signing the commitment transaction.
	FeeUpdate
)

// String returns a human readable string that uniquely identifies the target
// update type.
func (u updateType) String() string {
	switch u {
	case Add:
		return "Add"
	case Fail:
		return "Fail"
	case Settle:
		return "Settle"
	case FeeUpdate:
		return "FeeUpdate"
	default:
		return "<unknown type>"
	}
}

// PaymentDescriptor represents a commitment state update which either adds,
// settles, or removes an HTLC, or changes the commitment fee rate.
type PaymentDescriptor struct {
	// RHash is the payment hash for this HTLC. The HTLC can be settled iff
	// the preimage to this hash is presented.
	RHash lntypes.Hash

	// RPreimage is the preimage that settles the HTLC pointed to within the
	// log by the ParentIndex.
	RPreimage lntypes.Preimage

	// Timeout is the absolute timeout in blocks, after which this HTLC
	// expires.
	Timeout uint32

	// Amount is the HTLC amount. For removals it is copied from the parent
	// HTLC so balances can be evaluated from the removal entry alone.
	Amount btcutil.Amount

	// FeeRate is the new commitment fee rate of a FeeUpdate.
	FeeRate chainfee.SatPerKWeight

	// LogIndex is the log entry this belongs to. This is used to map a
	// commitment to the set of updates it covers.
	LogIndex uint64

	// HtlcIndex is the index within the main update log for this HTLC.
	// Entries within the log of type Add will have this field populated,
	// as other entries will point to the entry via this counter.
	HtlcIndex uint64

	// ParentIndex is the HTLC index of the entry that this update settles
	// or fails.
	ParentIndex uint64

	// FailReason stores the reason a HTLC was failed.
	FailReason lnwire.OpaqueReason

	// EntryType denotes the exact type of the PaymentDescriptor.
	EntryType updateType

	// addCommitHeights are the heights of the local and remote commitment
	// chains that first included this update. A zero height means the
	// update isn't part of that chain yet.
	addCommitHeights lntypes.Dual[uint64]

	// removeCommitHeights are the heights of the commitments that first
	// included the removal of this update. They're only set on Settle,
	// Fail and FeeUpdate entries.
	removeCommitHeights lntypes.Dual[uint64]

	// lockedIn is set once the update has been reported as irrevocably
	// committed by both parties.
	lockedIn bool
}

// toHTLC returns the HTLC an Add entry describes.
func (pd *PaymentDescriptor) toHTLC(incoming bool) HTLC {
	return HTLC{
		Incoming:    incoming,
		ID:          pd.HtlcIndex,
		Amount:      pd.Amount,
		PaymentHash: pd.RHash,
		Expiry:      pd.Timeout,
	}
}

// committedOn returns true if the update was included in both commitments up
// to the given tail heights.
func (pd *PaymentDescriptor) committedOn(localTail, remoteTail uint64) bool {
	local, remote := pd.addCommitHeights.Local, pd.addCommitHeights.Remote

	return local != 0 && remote != 0 && local <= localTail &&
		remote <= remoteTail
}

// removedOn returns true if the removal was included in both commitments up
// to the given tail heights.
func (pd *PaymentDescriptor) removedOn(localTail, remoteTail uint64) bool {
	local := pd.removeCommitHeights.Local
	remote := pd.removeCommitHeights.Remote

	return local != 0 && remote != 0 && local <= localTail &&
		remote <= remoteTail
}

// updateLog is an append-only log that stores updates to a node's commitment
// chain. This structure can be seen as the "mempool" within Lightning where
// changes are stored before they're committed to the chain. Once an entry has
// been committed in both the local and remote commitment chain, then it can be
// removed from this log.
type updateLog struct {
	// logIndex is a monotonically increasing integer that tracks the total
	// number of update entries ever applied to the log. When sending new
	// commitment states, we include all updates up to this index.
	logIndex uint64

	// htlcCounter is a monotonically increasing integer that tracks the
	// total number of offered HTLC's by the owner of this update log,
	// hence the `Add` update type.
	htlcCounter uint64

	// entries is the update log itself.
	entries *fn.List[*PaymentDescriptor]

	// updateIndex maps a `logIndex` to a particular update entry. It
	// deals with the three update types: `Fail|Settle|FeeUpdate`.
	updateIndex map[uint64]*fn.Node[*PaymentDescriptor]

	// htlcIndex maps a `htlcCounter` to an offered HTLC entry, hence the
	// `Add` update.
	htlcIndex map[uint64]*fn.Node[*PaymentDescriptor]

	// modifiedHtlcs tracks the HTLCs of this log that have a pending
	// settle or fail in the other log, along with the kind of removal.
	modifiedHtlcs map[uint64]updateType
}

// newUpdateLog creates a new updateLog instance.
func newUpdateLog(logIndex, htlcCounter uint64) *updateLog {
	return &updateLog{
		entries:       fn.NewList[*PaymentDescriptor](),
		updateIndex:   make(map[uint64]*fn.Node[*PaymentDescriptor]),
		htlcIndex:     make(map[uint64]*fn.Node[*PaymentDescriptor]),
		logIndex:      logIndex,
		htlcCounter:   htlcCounter,
		modifiedHtlcs: make(map[uint64]updateType),
	}
}

// appendUpdate appends a new update to the tip of the updateLog. The entry is
// also added to index accordingly.
func (u *updateLog) appendUpdate(pd *PaymentDescriptor) {
	pd.LogIndex = u.logIndex
	u.updateIndex[u.logIndex] = u.entries.PushBack(pd)
	u.logIndex++
}

// appendHtlc appends a new HTLC offer to the tip of the update log. The entry
// is also added to the offer index accordingly.
func (u *updateLog) appendHtlc(pd *PaymentDescriptor) {
	pd.LogIndex = u.logIndex
	pd.HtlcIndex = u.htlcCounter
	u.htlcIndex[u.htlcCounter] = u.entries.PushBack(pd)
	u.htlcCounter++

	u.logIndex++
}

// restoreEntry puts back an entry read from a snapshot without touching the
// counters.
func (u *updateLog) restoreEntry(pd *PaymentDescriptor) {
	node := u.entries.PushBack(pd)
	if pd.EntryType == Add {
		u.htlcIndex[pd.HtlcIndex] = node
		return
	}

	u.updateIndex[pd.LogIndex] = node
}

// lookupHtlc attempts to look up an offered HTLC according to its offer
// index. If the entry isn't found, then a nil pointer is returned.
func (u *updateLog) lookupHtlc(i uint64) *PaymentDescriptor {
	htlc, ok := u.htlcIndex[i]
	if !ok {
		return nil
	}

	return htlc.Value
}

// removeUpdate removes a non-Add entry from the update log and its index.
func (u *updateLog) removeUpdate(i uint64) {
	entry, ok := u.updateIndex[i]
	if !ok {
		return
	}
	u.entries.Remove(entry)
	delete(u.updateIndex, i)
}

// removeHtlc attempts to remove an HTLC offer form the update log. If the
// entry is found, then the entry will be removed from both the main log and
// the offer index.
func (u *updateLog) removeHtlc(i uint64) {
	entry, ok := u.htlcIndex[i]
	if !ok {
		return
	}
	u.entries.Remove(entry)
	delete(u.htlcIndex, i)

	delete(u.modifiedHtlcs, i)
}

// htlcHasModification returns true if the HTLC identified by the passed index
// has a pending modification within the log.
func (u *updateLog) htlcHasModification(i uint64) bool {
	_, ok := u.modifiedHtlcs[i]
	return ok
}

// markHtlcModified marks an HTLC as modified based on its HTLC index. After a
// call to this method, htlcHasModification will return true until the HTLC is
// removed.
func (u *updateLog) markHtlcModified(i uint64, kind updateType) {
	u.modifiedHtlcs[i] = kind
}

// forEach calls f for every entry in log order.
func (u *updateLog) forEach(f func(*PaymentDescriptor)) {
	for e := u.entries.Front(); e != nil; e = e.Next() {
		f(e.Value)
	}
}

// numEntries returns the number of entries in the log.
func (u *updateLog) numEntries() int {
	return u.entries.Len()
}

// entriesBefore returns all entries with a log index below index.
func (u *updateLog) entriesBefore(index uint64) []*PaymentDescriptor {
	var updates []*PaymentDescriptor
	u.forEach(func(pd *PaymentDescriptor) {
		if pd.LogIndex < index {
			updates = append(updates, pd)
		}
	})

	return updates
}

// compactLogs performs garbage collection within the log removing HTLCs which
// have been removed from the point-of-view of the tail of both chains. The
// entries which timeout/settle HTLCs are also removed. The removal entries
// that were evicted are returned per log, each paired with its parent.
func compactLogs(ourLog, theirLog *updateLog,
	localChainTail, remoteChainTail uint64) lntypes.Dual[[]removal] {

	compactLog := func(logA, logB *updateLog) []removal {
		var (
			removed []removal
			nextA   *fn.Node[*PaymentDescriptor]
		)
		for e := logA.entries.Front(); e != nil; e = nextA {
			// Assign next iteration element at top of loop because
			// we may remove the current element from the list,
			// which can change the iterated sequence.
			nextA = e.Next()

			htlc := e.Value

			// We skip Adds, as they will be removed along with the
			// fail/settles below.
			if htlc.EntryType == Add {
				continue
			}

			if !htlc.removedOn(localChainTail, remoteChainTail) {
				continue
			}

			// Fee updates have no parent htlcs, so we only remove
			// the update itself.
			if htlc.EntryType == FeeUpdate {
				logA.removeUpdate(htlc.LogIndex)
				continue
			}

			// The other types (fail/settle) do have a parent HTLC,
			// so we'll remove that HTLC from the other log.
			parent := logB.lookupHtlc(htlc.ParentIndex)
			logA.removeUpdate(htlc.LogIndex)
			logB.removeHtlc(htlc.ParentIndex)

			if parent == nil {
				walletLog.Warnf("Compacted %v of unknown htlc %d",
					htlc.EntryType, htlc.ParentIndex)
				continue
			}
			removed = append(removed, removal{
				entry:  htlc,
				parent: parent,
			})
		}

		return removed
	}

	return lntypes.Dual[[]removal]{
		Local:  compactLog(ourLog, theirLog),
		Remote: compactLog(theirLog, ourLog),
	}
}

// removal pairs an evicted settle or fail with the HTLC it removed.
type removal struct {
	entry  *PaymentDescriptor
	parent *PaymentDescriptor
}

// String returns a short description of an update used in logs.
func (pd *PaymentDescriptor) String() string {
	switch pd.EntryType {
	case Add:
		return fmt.Sprintf("add(id=%d, amt=%v, hash=%v)", pd.HtlcIndex,
			pd.Amount, pd.RHash)

	case FeeUpdate:
		return fmt.Sprintf("fee(%v)", pd.FeeRate)

	default:
		return fmt.Sprintf("%v(parent=%d)", pd.EntryType,
			pd.ParentIndex)
	}
}
