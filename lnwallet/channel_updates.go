package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
)

// commitProjection is the commitment of one party as it would look with
// every update of both logs applied.
type commitProjection struct {
	// ourBalance and theirBalance are the balances before the commitment
	// fee.
	ourBalance   btcutil.Amount
	theirBalance btcutil.Amount

	feePerKw chainfee.SatPerKWeight

	// numOutputs is the number of HTLCs above the owner's dust limit.
	numOutputs int

	// fee is the commitment fee the funder pays.
	fee btcutil.Amount

	// numOffered and inFlight are indexed by the offering party.
	numOffered lntypes.Dual[int]
	inFlight   lntypes.Dual[btcutil.Amount]
}

// funderBalance returns the funder's balance after paying the commitment fee.
func (p *commitProjection) funderBalance(
	funder lntypes.ChannelParty) btcutil.Amount {

	if funder.IsLocal() {
		return p.ourBalance - p.fee
	}

	return p.theirBalance - p.fee
}

// balanceAfterFee returns the balance of party, net of the commitment fee if
// party is the funder.
func (p *commitProjection) balanceAfterFee(party,
	funder lntypes.ChannelParty) btcutil.Amount {

	balance := p.ourBalance
	if party.IsRemote() {
		balance = p.theirBalance
	}
	if party == funder {
		balance -= p.fee
	}

	return balance
}

// projectCommitment evaluates every update in both logs, plus the passed
// extra updates, on top of the newest commitment of whose.
func (lc *LightningChannel) projectCommitment(whose lntypes.ChannelParty,
	ourExtra, theirExtra *PaymentDescriptor) (*commitProjection, error) {

	tip := lc.commitChains.GetForParty(whose).tip()
	ourBalance, theirBalance := lc.balancesBeforeFee(tip)

	view := lc.htlcs.fetchHTLCView(
		lc.htlcs.logIndex(lntypes.Local),
		lc.htlcs.logIndex(lntypes.Remote),
	)
	view.feePerKw = tip.FeePerKw()
	if ourExtra != nil {
		view.ourUpdates = append(view.ourUpdates, ourExtra)
	}
	if theirExtra != nil {
		view.theirUpdates = append(view.theirUpdates, theirExtra)
	}

	filtered, err := lc.htlcs.evaluateView(
		view, &ourBalance, &theirBalance, tip.Height()+1, whose, false,
	)
	if err != nil {
		return nil, err
	}

	proj := &commitProjection{
		ourBalance:   ourBalance,
		theirBalance: theirBalance,
		feePerKw:     filtered.feePerKw,
	}

	dustLimit := lc.builder.cfgs.GetForParty(whose).DustLimit
	count := func(updates []*PaymentDescriptor,
		offerer lntypes.ChannelParty) {

		for _, pd := range updates {
			htlc := pd.toHTLC(offerer.IsRemote())
			if !HtlcIsDust(whose, htlc, proj.feePerKw, dustLimit) {
				proj.numOutputs++
			}

			proj.numOffered.ModifyForParty(offerer, func(n int) int {
				return n + 1
			})
			proj.inFlight.ModifyForParty(
				offerer, func(a btcutil.Amount) btcutil.Amount {
					return a + pd.Amount
				},
			)
		}
	}
	count(filtered.ourUpdates, lntypes.Local)
	count(filtered.theirUpdates, lntypes.Remote)

	proj.fee = CommitFee(proj.feePerKw, proj.numOutputs)

	return proj, nil
}

// canUpdate returns an error unless the channel accepts HTLC settles, fails
// and fee updates.
func (lc *LightningChannel) canUpdate() error {
	if lc.state != Active && lc.state != ShutdownNegotiation {
		return fmt.Errorf("%w: state %v", ErrChannelNotActive, lc.state)
	}

	return nil
}

// addHTLC offers a new HTLC to the remote party. Every limit is checked
// against both commitments the HTLC will end up on.
func (lc *LightningChannel) addHTLC(e AddHTLC) (*Transition, error) {
	const op = "add_htlc"

	switch {
	case lc.state == ShutdownNegotiation:
		return nil, newValidationErr(op, ErrChannelShuttingDown)

	case lc.state != Active:
		return nil, newValidationErr(op, fmt.Errorf("%w: state %v",
			ErrChannelNotActive, lc.state))
	}

	remoteCfg := lc.remoteCfg
	switch {
	case e.Amount <= 0:
		return nil, newValidationErr(op, fmt.Errorf("%w: %v",
			ErrInvalidHTLCAmt, e.Amount))

	case e.Amount < remoteCfg.MinHTLC:
		return nil, newValidationErr(op, fmt.Errorf("%w: %v < %v",
			ErrBelowMinHTLC, e.Amount, remoteCfg.MinHTLC))

	case e.Expiry <= lc.cfg.Heights.BestHeight():
		return nil, newValidationErr(op, fmt.Errorf("%w: expiry %d at "+
			"height %d", ErrExpiryTooSoon, e.Expiry,
			lc.cfg.Heights.BestHeight()))
	}

	pd := &PaymentDescriptor{
		EntryType: Add,
		RHash:     e.PaymentHash,
		Timeout:   e.Expiry,
		Amount:    e.Amount,
		HtlcIndex: lc.htlcs.NextHtlcID(lntypes.Local),
		LogIndex:  lc.htlcs.logIndex(lntypes.Local),
	}

	maxHtlcs := min(int(remoteCfg.MaxAcceptedHtlcs), input.MaxAcceptedHTLCs)
	for _, whose := range []lntypes.ChannelParty{
		lntypes.Remote, lntypes.Local,
	} {
		proj, err := lc.projectCommitment(whose, pd, nil)
		if err != nil {
			return nil, err
		}

		ourBalance := proj.balanceAfterFee(lntypes.Local, lc.funder)

		switch {
		case proj.numOffered.Local > maxHtlcs:
			return nil, newValidationErr(op, fmt.Errorf("%w: %d > %d",
				ErrTooManyHTLCs, proj.numOffered.Local, maxHtlcs))

		case ourBalance < remoteCfg.ChanReserve:
			return nil, newValidationErr(op, fmt.Errorf("%w: balance "+
				"%v on %v commitment below reserve %v",
				ErrInsufficientFunds, ourBalance, whose,
				remoteCfg.ChanReserve))

		// The funder must still be able to pay for the extra output.
		case proj.funderBalance(lc.funder) < 0:
			return nil, newValidationErr(op, fmt.Errorf("%w: funder "+
				"can't pay fee %v", ErrInsufficientFunds,
				proj.fee))

		case proj.inFlight.Local > remoteCfg.MaxPendingAmount:
			return nil, newValidationErr(op, fmt.Errorf("%w: %v > %v",
				ErrMaxPendingAmount, proj.inFlight.Local,
				remoteCfg.MaxPendingAmount))
		}
	}

	htlc := HTLC{
		ID:          pd.HtlcIndex,
		Amount:      e.Amount,
		PaymentHash: e.PaymentHash,
		Expiry:      e.Expiry,
	}
	if _, err := lc.htlcs.StageAdd(lntypes.Local, htlc); err != nil {
		return nil, err
	}

	lc.log.Debugf("Staged outgoing htlc %d: amount=%v, hash=%v, expiry=%d",
		htlc.ID, htlc.Amount, htlc.PaymentHash, htlc.Expiry)

	trans := &Transition{}
	trans.sendMsg(&lnwire.UpdateAddHTLC{
		ChanID:      lc.chanID,
		ID:          htlc.ID,
		Amount:      htlc.Amount,
		PaymentHash: htlc.PaymentHash,
		Expiry:      htlc.Expiry,
	})

	return trans, nil
}

// receiveHTLC stages an HTLC offered by the remote party. Breaking the
// protocol is fatal. Breaking one of our own limits only marks the HTLC to be
// failed back once it is locked in.
func (lc *LightningChannel) receiveHTLC(
	msg *lnwire.UpdateAddHTLC) (*Transition, error) {

	switch {
	case lc.state != Active && lc.state != ShutdownNegotiation:
		return nil, lc.violation(fmt.Errorf("%w: htlc in state %v",
			ErrOutOfOrder, lc.state))

	case lc.closing.remoteScript != nil:
		return nil, lc.violation(fmt.Errorf("%w: htlc after remote "+
			"shutdown", ErrChannelShuttingDown))

	case msg.ID != lc.htlcs.NextHtlcID(lntypes.Remote):
		return nil, lc.violation(fmt.Errorf("%w: got %d, expected %d",
			ErrInvalidHtlcIndex, msg.ID,
			lc.htlcs.NextHtlcID(lntypes.Remote)))

	case msg.Amount <= 0:
		return nil, lc.violation(fmt.Errorf("%w: %v",
			ErrInvalidHTLCAmt, msg.Amount))
	}

	pd := &PaymentDescriptor{
		EntryType: Add,
		RHash:     msg.PaymentHash,
		Timeout:   msg.Expiry,
		Amount:    msg.Amount,
		HtlcIndex: msg.ID,
		LogIndex:  lc.htlcs.logIndex(lntypes.Remote),
	}
	proj, err := lc.projectCommitment(lntypes.Local, nil, pd)
	if err != nil {
		return nil, err
	}

	switch {
	case proj.numOffered.Remote > input.MaxAcceptedHTLCs:
		return nil, lc.violation(fmt.Errorf("%w: %d", ErrTooManyHTLCs,
			proj.numOffered.Remote))

	case proj.theirBalance < 0 || proj.funderBalance(lc.funder) < 0:
		return nil, lc.violation(fmt.Errorf("%w: remote balance %v "+
			"can't cover htlc %d", ErrInsufficientFunds,
			proj.theirBalance, msg.ID))
	}

	localCfg := lc.cfg.LocalConfig
	minExpiry := lc.cfg.Heights.BestHeight() + lc.cfg.Policy.MinExpiryDelta
	theirBalance := proj.balanceAfterFee(lntypes.Remote, lc.funder)

	var reject error
	switch {
	case lc.closing.localScript != nil:
		reject = ErrChannelShuttingDown

	case msg.Expiry < minExpiry:
		reject = fmt.Errorf("%w: expiry %d < %d", ErrExpiryTooSoon,
			msg.Expiry, minExpiry)

	case msg.Amount < localCfg.MinHTLC:
		reject = fmt.Errorf("%w: %v < %v", ErrBelowMinHTLC, msg.Amount,
			localCfg.MinHTLC)

	case proj.numOffered.Remote > int(localCfg.MaxAcceptedHtlcs):
		reject = fmt.Errorf("%w: %d > %d", ErrTooManyHTLCs,
			proj.numOffered.Remote, localCfg.MaxAcceptedHtlcs)

	case proj.inFlight.Remote > localCfg.MaxPendingAmount:
		reject = fmt.Errorf("%w: %v > %v", ErrMaxPendingAmount,
			proj.inFlight.Remote, localCfg.MaxPendingAmount)

	case theirBalance < localCfg.ChanReserve:
		reject = fmt.Errorf("%w: balance %v below reserve %v",
			ErrInsufficientFunds, theirBalance, localCfg.ChanReserve)
	}

	htlc := HTLC{
		Incoming:    true,
		ID:          msg.ID,
		Amount:      msg.Amount,
		PaymentHash: msg.PaymentHash,
		Expiry:      msg.Expiry,
	}
	if _, err := lc.htlcs.StageAdd(lntypes.Remote, htlc); err != nil {
		return nil, lc.violation(err)
	}

	if reject != nil {
		lc.log.Warnf("Incoming htlc %d will be failed back: %v",
			msg.ID, reject)
		lc.softRejects[msg.ID] = reject
	}

	return &Transition{}, nil
}

// settleHTLC settles an incoming HTLC with its preimage.
func (lc *LightningChannel) settleHTLC(e SettleHTLC) (*Transition, error) {
	const op = "settle_htlc"

	if err := lc.canUpdate(); err != nil {
		return nil, newValidationErr(op, err)
	}
	if reason, ok := lc.softRejects[e.ID]; ok {
		return nil, newValidationErr(op, fmt.Errorf("%w: htlc %d is "+
			"being failed back: %v", ErrHtlcAlreadyModified, e.ID,
			reason))
	}

	err := lc.htlcs.StageFulfill(lntypes.Local, e.ID, e.Preimage)
	if err != nil {
		return nil, newValidationErr(op, err)
	}

	trans := &Transition{}
	trans.sendMsg(&lnwire.UpdateFulfillHTLC{
		ChanID:          lc.chanID,
		ID:              e.ID,
		PaymentPreimage: e.Preimage,
	})

	return trans, nil
}

// failHTLC fails an incoming HTLC back to the remote party.
func (lc *LightningChannel) failHTLC(e FailHTLC) (*Transition, error) {
	const op = "fail_htlc"

	if err := lc.canUpdate(); err != nil {
		return nil, newValidationErr(op, err)
	}

	if err := lc.htlcs.StageFail(lntypes.Local, e.ID, e.Reason); err != nil {
		return nil, newValidationErr(op, err)
	}
	delete(lc.softRejects, e.ID)

	trans := &Transition{}
	trans.sendMsg(&lnwire.UpdateFailHTLC{
		ChanID: lc.chanID,
		ID:     e.ID,
		Reason: e.Reason,
	})

	return trans, nil
}

// receiveHTLCSettle stages the remote party's settle of one of our HTLCs.
func (lc *LightningChannel) receiveHTLCSettle(
	msg *lnwire.UpdateFulfillHTLC) (*Transition, error) {

	if err := lc.canUpdate(); err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}

	err := lc.htlcs.StageFulfill(
		lntypes.Remote, msg.ID, lntypes.Preimage(msg.PaymentPreimage),
	)
	if err != nil {
		return nil, lc.violation(err)
	}

	return &Transition{}, nil
}

// receiveHTLCFail stages the remote party's fail of one of our HTLCs.
func (lc *LightningChannel) receiveHTLCFail(
	msg *lnwire.UpdateFailHTLC) (*Transition, error) {

	if err := lc.canUpdate(); err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}

	err := lc.htlcs.StageFail(lntypes.Remote, msg.ID, msg.Reason)
	if err != nil {
		return nil, lc.violation(err)
	}

	return &Transition{}, nil
}

// proposeFee proposes a new commitment fee rate. Only the funder may do so,
// and it must be able to pay the resulting fee on both commitments.
func (lc *LightningChannel) proposeFee(e ProposeFee) (*Transition, error) {
	const op = "update_fee"

	if err := lc.canUpdate(); err != nil {
		return nil, newValidationErr(op, err)
	}
	if err := lc.fees.Validate(lntypes.Local, e.FeePerKw); err != nil {
		return nil, newValidationErr(op, err)
	}

	pd := &PaymentDescriptor{
		EntryType: FeeUpdate,
		FeeRate:   e.FeePerKw,
		LogIndex:  lc.htlcs.logIndex(lntypes.Local),
	}
	for _, whose := range []lntypes.ChannelParty{
		lntypes.Remote, lntypes.Local,
	} {
		proj, err := lc.projectCommitment(whose, pd, nil)
		if err != nil {
			return nil, err
		}

		if balance := proj.funderBalance(lntypes.Local); balance < 0 {
			return nil, newValidationErr(op, fmt.Errorf("%w: fee %v "+
				"exceeds balance on %v commitment",
				ErrInsufficientFunds, proj.fee, whose))
		}
	}

	if err := lc.fees.Propose(lntypes.Local, e.FeePerKw); err != nil {
		return nil, newValidationErr(op, err)
	}
	lc.htlcs.StageFee(lntypes.Local, e.FeePerKw)

	lc.log.Infof("Proposing commitment fee rate %v", e.FeePerKw)

	trans := &Transition{}
	trans.sendMsg(&lnwire.UpdateFee{
		ChanID:   lc.chanID,
		FeePerKw: uint32(e.FeePerKw),
	})

	return trans, nil
}

// receiveUpdateFee stages the funder's fee proposal. The remote party has
// already applied the update to its own log and will sign over it, so a rate
// we don't accept fails the channel. The fee state is left untouched.
func (lc *LightningChannel) receiveUpdateFee(
	msg *lnwire.UpdateFee) (*Transition, error) {

	if err := lc.canUpdate(); err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}

	rate := chainfee.SatPerKWeight(msg.FeePerKw)
	if err := lc.fees.Validate(lntypes.Remote, rate); err != nil {
		return nil, lc.violation(err)
	}

	pd := &PaymentDescriptor{
		EntryType: FeeUpdate,
		FeeRate:   rate,
		LogIndex:  lc.htlcs.logIndex(lntypes.Remote),
	}
	proj, err := lc.projectCommitment(lntypes.Local, nil, pd)
	if err != nil {
		return nil, err
	}
	if proj.funderBalance(lntypes.Remote) < 0 {
		return nil, lc.violation(fmt.Errorf("%w: funder can't pay fee "+
			"%v at rate %v", ErrInsufficientFunds, proj.fee, rate))
	}

	if err := lc.fees.Propose(lntypes.Remote, rate); err != nil {
		return nil, lc.violation(err)
	}
	lc.htlcs.StageFee(lntypes.Remote, rate)

	lc.log.Infof("Remote proposed commitment fee rate %v", rate)

	return &Transition{}, nil
}
