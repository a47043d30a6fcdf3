package lnwallet

import (
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// buildCommitment creates the next commitment of whose at height, covering
// our updates below ourLogIndex and theirs below theirLogIndex. If mutate is
// set, the updates are marked as included in the commitment.
func (lc *LightningChannel) buildCommitment(whose lntypes.ChannelParty,
	height, ourLogIndex, theirLogIndex uint64, commitPoint *btcec.PublicKey,
	mutate bool) (*Commitment, error) {

	tip := lc.commitChains.GetForParty(whose).tip()
	ourBalance, theirBalance := lc.balancesBeforeFee(tip)

	view := lc.htlcs.fetchHTLCView(ourLogIndex, theirLogIndex)
	view.feePerKw = tip.FeePerKw()

	filtered, err := lc.htlcs.evaluateView(
		view, &ourBalance, &theirBalance, height, whose, mutate,
	)
	if err != nil {
		return nil, err
	}

	htlcs := make(
		[]HTLC, 0, len(filtered.ourUpdates)+len(filtered.theirUpdates),
	)
	for _, pd := range filtered.ourUpdates {
		htlcs = append(htlcs, pd.toHTLC(false))
	}
	for _, pd := range filtered.theirUpdates {
		htlcs = append(htlcs, pd.toHTLC(true))
	}

	commit, err := lc.builder.Build(CommitmentParams{
		WhoseCommit:  whose,
		Height:       height,
		FeePerKw:     filtered.feePerKw,
		OurBalance:   ourBalance,
		TheirBalance: theirBalance,
		HTLCs:        htlcs,
		CommitPoint:  commitPoint,
	})
	if err != nil {
		return nil, err
	}
	commit.ourMessageIndex = ourLogIndex
	commit.theirMessageIndex = theirLogIndex

	return commit, nil
}

// signNextCommitment signs a new commitment for the remote party covering all
// of our updates and every remote update we acked.
func (lc *LightningChannel) signNextCommitment() (*Transition, error) {
	const op = "sign commitment"

	if err := lc.canUpdate(); err != nil {
		return nil, newValidationErr(op, err)
	}

	// We may only sign a new commitment once the remote party revoked
	// the prior one.
	if lc.commitChains.Remote.hasUnackedCommitment() {
		return nil, newValidationErr(op, ErrNoWindow)
	}
	if !lc.OweCommitment() {
		return nil, newValidationErr(op, ErrNoPendingUpdates)
	}

	ourLogIndex := lc.htlcs.logIndex(lntypes.Local)
	theirLogIndex := lc.commitChains.Local.tail().theirMessageIndex
	height := lc.commitChains.Remote.tip().Height() + 1
	commitPoint := lc.revocations.RemoteNextPoint()

	commit, err := lc.buildCommitment(
		lntypes.Remote, height, ourLogIndex, theirLogIndex, commitPoint,
		false,
	)
	if err != nil {
		return nil, err
	}

	sig, htlcSigs, err := lc.signCommitment(commit)
	if err != nil {
		return nil, err
	}

	// Now that signing can no longer fail, mark the updates as part of
	// the remote chain.
	_, err = lc.buildCommitment(
		lntypes.Remote, height, ourLogIndex, theirLogIndex, commitPoint,
		true,
	)
	if err != nil {
		return nil, err
	}
	lc.commitChains.Remote.addCommitment(commit)

	lc.log.Debugf("Signed remote commitment %d: %v, htlcs=%d, "+
		"our_balance=%v, their_balance=%v", height,
		commit.CommitTx.TxHash(), len(commit.HTLCs), commit.OurBalance,
		commit.TheirBalance)

	trans := &Transition{}
	err = lc.recordUpdate(
		trans, NewRemoteCommitment, height, commit.CommitTx,
		fn.None[[32]byte](),
	)
	if err != nil {
		return nil, err
	}
	trans.sendMsg(&lnwire.CommitSig{
		ChanID:    lc.chanID,
		CommitSig: sig,
		HtlcSigs:  htlcSigs,
	})

	return trans, nil
}

// receiveNewCommitment verifies a new commitment signed by the remote party,
// then revokes our prior commitment.
func (lc *LightningChannel) receiveNewCommitment(
	msg *lnwire.CommitSig) (*Transition, error) {

	if err := lc.canUpdate(); err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}

	// A retransmission of the signatures we already hold changes nothing.
	localTail := lc.commitChains.Local.tail()
	if msg.CommitSig == localTail.sig &&
		slices.Equal(msg.HtlcSigs, localTail.htlcSigs) {

		lc.log.Debugf("Ignoring duplicate commit_sig for commitment %d",
			localTail.Height())

		return &Transition{}, nil
	}

	ourLogIndex := lc.commitChains.Remote.tail().ourMessageIndex
	theirLogIndex := lc.htlcs.logIndex(lntypes.Remote)
	localTip := lc.commitChains.Local.tip()
	if ourLogIndex == localTip.ourMessageIndex &&
		theirLogIndex == localTip.theirMessageIndex {

		return nil, lc.violation(fmt.Errorf("%w: commit_sig without "+
			"updates", ErrOutOfOrder))
	}

	height := localTip.Height() + 1
	commitPoint, err := lc.revocations.CommitPoint(height)
	if err != nil {
		return nil, fmt.Errorf("commit point %d: %w", height, err)
	}

	commit, err := lc.buildCommitment(
		lntypes.Local, height, ourLogIndex, theirLogIndex, commitPoint,
		false,
	)
	if err != nil {
		return nil, lc.violation(err)
	}

	if err := lc.verifyCommitSig(commit, msg.CommitSig); err != nil {
		return nil, lc.violation(err)
	}
	if err := lc.verifyHtlcSigs(commit, msg.HtlcSigs); err != nil {
		return nil, lc.violation(err)
	}

	_, err = lc.buildCommitment(
		lntypes.Local, height, ourLogIndex, theirLogIndex, commitPoint,
		true,
	)
	if err != nil {
		return nil, lc.violation(err)
	}
	commit.sig = msg.CommitSig
	commit.htlcSigs = msg.HtlcSigs
	lc.commitChains.Local.addCommitment(commit)

	// With commitment height+1 fully signed, the prior one can be revoked.
	revokedHeight := localTail.Height()
	secret, nextPoint, err := lc.revocations.Reveal(revokedHeight, height)
	if err != nil {
		return nil, lc.violation(err)
	}
	lc.commitChains.Local.advanceTail()

	lc.log.Debugf("Revoking local commitment %d in favor of %d: %v",
		revokedHeight, height, commit.CommitTx.TxHash())

	trans := &Transition{}
	trans.sendMsg(&lnwire.RevokeAndAck{
		ChanID:            lc.chanID,
		Revocation:        *secret,
		NextRevocationKey: nextPoint,
	})

	if err := lc.finalizeUpdates(trans); err != nil {
		return nil, err
	}

	// The snapshot must include everything finalizing staged.
	if err := lc.recordLocalCommitment(trans); err != nil {
		return nil, err
	}

	return trans, nil
}

// receiveRevocation processes the remote party's revocation of its prior
// commitment, which locks in every update both commitments now contain.
func (lc *LightningChannel) receiveRevocation(
	msg *lnwire.RevokeAndAck) (*Transition, error) {

	if err := lc.canUpdate(); err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}
	if !lc.commitChains.Remote.hasUnackedCommitment() {
		return nil, lc.violation(fmt.Errorf("%w: revoke_and_ack without "+
			"pending commitment", ErrOutOfOrder))
	}

	revoked := lc.commitChains.Remote.tail()
	err := lc.revocations.ReceiveRevocation(
		msg.Revocation, msg.NextRevocationKey,
	)
	if err != nil {
		return nil, lc.violation(err)
	}
	lc.commitChains.Remote.advanceTail()

	lc.log.Debugf("Remote revoked commitment %d: %v", revoked.Height(),
		revoked.CommitTx.TxHash())

	trans := &Transition{}
	if err := lc.finalizeUpdates(trans); err != nil {
		return nil, err
	}

	err = lc.recordUpdate(
		trans, RevocationReceived, revoked.Height(), revoked.CommitTx,
		fn.Some(msg.Revocation),
	)
	if err != nil {
		return nil, err
	}

	return trans, nil
}

// finalizeUpdates locks in every update that is part of both tails, fails
// back the incoming HTLCs we marked for rejection and starts the closing
// negotiation once the channel is clean.
func (lc *LightningChannel) finalizeUpdates(trans *Transition) error {
	result := lc.htlcs.Commit(
		lc.commitChains.Local.tail().Height(),
		lc.commitChains.Remote.tail().Height(),
	)

	for _, fee := range result.Fees {
		lc.fees.Lock(fee.Proposer, fee.FeeRate)
		lc.log.Infof("Commitment fee rate %v locked in", fee.FeeRate)
	}

	for _, htlc := range result.LockedIn {
		reason, rejected := lc.softRejects[htlc.ID]
		if !htlc.Incoming || !rejected {
			trans.LockedIn = append(trans.LockedIn, htlc)
			continue
		}

		failReason := lnwire.OpaqueReason(reason.Error())
		err := lc.htlcs.StageFail(lntypes.Local, htlc.ID, failReason)
		if err != nil {
			return err
		}
		delete(lc.softRejects, htlc.ID)

		trans.sendMsg(&lnwire.UpdateFailHTLC{
			ChanID: lc.chanID,
			ID:     htlc.ID,
			Reason: failReason,
		})
		trans.Rejected = append(trans.Rejected, RejectedHTLC{
			HTLC:   htlc,
			Reason: reason,
		})
	}

	for _, htlc := range result.Resolved {
		lc.log.Debugf("Htlc %d (incoming=%v) resolved, settled=%v",
			htlc.ID, htlc.Incoming, htlc.Settled)
	}
	trans.Resolved = append(trans.Resolved, result.Resolved...)

	return lc.maybeStartClose(trans)
}
