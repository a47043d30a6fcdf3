package lnwallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// initFunding starts the single funder flow by sending open_channel.
func (lc *LightningChannel) initFunding(e InitFunding) (*Transition, error) {
	const op = "init funding"

	if lc.state != AwaitFunding || lc.stage != fundingIdle {
		return nil, newValidationErr(op, ErrOutOfOrder)
	}

	policy := lc.cfg.Policy
	switch {
	case e.Capacity < policy.MinFundingAmount ||
		e.Capacity > policy.MaxFundingAmount:

		return nil, newValidationErr(op, fmt.Errorf("%w: capacity %v "+
			"outside [%v, %v]", ErrInvalidParameters, e.Capacity,
			policy.MinFundingAmount, policy.MaxFundingAmount))

	case e.PushAmt < 0 || e.PushAmt > e.Capacity:
		return nil, newValidationErr(op, fmt.Errorf("%w: push amount "+
			"%v invalid", ErrInvalidParameters, e.PushAmt))

	case !policy.FeeBounds.Contains(e.FeePerKw):
		return nil, newValidationErr(op, fmt.Errorf("%w: fee rate %v "+
			"outside %v", ErrInvalidParameters, e.FeePerKw,
			policy.FeeBounds))

	// We pay the fee of both initial commitments.
	case e.Capacity-e.PushAmt < CommitFee(e.FeePerKw, 0):
		return nil, newValidationErr(op, fmt.Errorf("%w: balance %v "+
			"can't pay commitment fee", ErrInsufficientFunds,
			e.Capacity-e.PushAmt))
	}

	firstPoint, err := lc.revocations.CommitPoint(0)
	if err != nil {
		return nil, err
	}

	lc.funder = lntypes.Local
	lc.pendingChanID = e.PendingChanID
	lc.capacity = e.Capacity
	lc.pushAmt = e.PushAmt
	lc.initialFeeRate = e.FeePerKw
	lc.stage = fundingOpenSent

	lc.log.Infof("Initiating funding of pending channel %x: capacity=%v, "+
		"push=%v, fee_rate=%v", e.PendingChanID[:], e.Capacity,
		e.PushAmt, e.FeePerKw)

	trans := &Transition{}
	trans.sendMsg(&lnwire.OpenChannel{
		PendingChannelID:      e.PendingChanID,
		FundingAmount:         e.Capacity,
		PushAmount:            e.PushAmt,
		ChannelParams:         lc.cfg.LocalConfig.wireParams(),
		FeePerKiloWeight:      uint32(e.FeePerKw),
		ChannelBasepoints:     lc.cfg.LocalConfig.wireBasepoints(),
		FirstCommitmentPoint:  firstPoint,
		UpfrontShutdownScript: lc.cfg.LocalConfig.UpfrontShutdown,
	})

	return trans, nil
}

// receiveOpenChannel handles the funder's proposal. A proposal outside of our
// policy is rejected, leaving the channel ready for another one.
func (lc *LightningChannel) receiveOpenChannel(
	msg *lnwire.OpenChannel) (*Transition, error) {

	const op = "open_channel"

	if lc.state != AwaitFunding || lc.stage != fundingIdle {
		return nil, lc.violation(fmt.Errorf("%w: unexpected %v",
			ErrOutOfOrder, msg.MsgType()))
	}

	remoteCfg := configFromWire(
		msg.ChannelParams, msg.ChannelBasepoints,
		msg.UpfrontShutdownScript,
	)
	feeRate := chainfee.SatPerKWeight(msg.FeePerKiloWeight)

	err := lc.cfg.Policy.validateFunding(
		msg.FundingAmount, msg.PushAmount, feeRate, &remoteCfg,
	)
	if err != nil {
		return nil, newValidationErr(op, err)
	}
	if msg.FirstCommitmentPoint == nil {
		return nil, newValidationErr(op, fmt.Errorf("%w: missing "+
			"commitment point", ErrInvalidParameters))
	}
	if msg.FundingAmount-msg.PushAmount < CommitFee(feeRate, 0) {
		return nil, newValidationErr(op, fmt.Errorf("%w: funder can't "+
			"pay commitment fee", ErrInvalidParameters))
	}

	firstPoint, err := lc.revocations.CommitPoint(0)
	if err != nil {
		return nil, err
	}

	lc.funder = lntypes.Remote
	lc.pendingChanID = msg.PendingChannelID
	lc.capacity = msg.FundingAmount
	lc.pushAmt = msg.PushAmount
	lc.initialFeeRate = feeRate
	lc.remoteCfg = &remoteCfg
	lc.revocations.SetRemotePoints(msg.FirstCommitmentPoint, nil)
	lc.fees = NewFeeNegotiator(
		lc.cfg.Policy.FeeBounds, lntypes.Remote, feeRate,
	)
	lc.stage = fundingAcceptSent

	lc.log.Infof("Accepting pending channel %x: capacity=%v, push=%v",
		msg.PendingChannelID[:], msg.FundingAmount, msg.PushAmount)

	trans := &Transition{}
	trans.sendMsg(&lnwire.AcceptChannel{
		PendingChannelID:      msg.PendingChannelID,
		ChannelParams:         lc.cfg.LocalConfig.wireParams(),
		MinAcceptDepth:        lc.cfg.MinAcceptDepth,
		ChannelBasepoints:     lc.cfg.LocalConfig.wireBasepoints(),
		FirstCommitmentPoint:  firstPoint,
		UpfrontShutdownScript: lc.cfg.LocalConfig.UpfrontShutdown,
	})

	return trans, nil
}

// receiveAcceptChannel handles the fundee's answer and asks the caller for
// the funding transaction.
func (lc *LightningChannel) receiveAcceptChannel(
	msg *lnwire.AcceptChannel) (*Transition, error) {

	if lc.stage != fundingOpenSent {
		return nil, lc.violation(fmt.Errorf("%w: unexpected %v",
			ErrOutOfOrder, msg.MsgType()))
	}

	remoteCfg := configFromWire(
		msg.ChannelParams, msg.ChannelBasepoints,
		msg.UpfrontShutdownScript,
	)
	err := lc.cfg.Policy.validateFunding(
		lc.capacity, lc.pushAmt, lc.initialFeeRate, &remoteCfg,
	)
	if err != nil {
		return nil, lc.violation(err)
	}
	if msg.FirstCommitmentPoint == nil {
		return nil, lc.violation(fmt.Errorf("%w: missing commitment "+
			"point", ErrInvalidParameters))
	}

	_, fundingOutput, err := input.GenFundingPkScript(
		lc.cfg.LocalConfig.MultiSigKey.SerializeCompressed(),
		remoteCfg.MultiSigKey.SerializeCompressed(),
		int64(lc.capacity),
	)
	if err != nil {
		return nil, err
	}

	lc.remoteCfg = &remoteCfg
	lc.revocations.SetRemotePoints(msg.FirstCommitmentPoint, nil)
	lc.fees = NewFeeNegotiator(
		lc.cfg.Policy.FeeBounds, lntypes.Local, lc.initialFeeRate,
	)
	lc.fundingPkScript = fundingOutput.PkScript
	lc.stage = fundingRequested

	trans := &Transition{}
	trans.addIntent(RequestFunding{
		PkScript: fundingOutput.PkScript,
		Amount:   lc.capacity,
	})

	return trans, nil
}

// fundingTxReady takes the funding transaction, builds both initial
// commitments and sends our signature for the fundee's one.
func (lc *LightningChannel) fundingTxReady(
	e FundingTxReady) (*Transition, error) {

	const op = "funding tx"

	if lc.stage != fundingRequested {
		return nil, newValidationErr(op, ErrOutOfOrder)
	}

	switch {
	case e.Tx == nil || int(e.OutputIndex) >= len(e.Tx.TxOut):
		return nil, newValidationErr(op, fmt.Errorf("%w: funding "+
			"output %d missing", ErrInvalidParameters,
			e.OutputIndex))

	case e.Tx.TxOut[e.OutputIndex].Value != int64(lc.capacity) ||
		!bytes.Equal(e.Tx.TxOut[e.OutputIndex].PkScript,
			lc.fundingPkScript):

		return nil, newValidationErr(op, fmt.Errorf("%w: funding "+
			"output doesn't pay %v to the channel script",
			ErrInvalidParameters, lc.capacity))
	}

	lc.fundingTx = e.Tx
	lc.fundingOutpoint = wire.OutPoint{
		Hash:  e.Tx.TxHash(),
		Index: e.OutputIndex,
	}
	if err := lc.initChannel(); err != nil {
		return nil, err
	}

	sig, _, err := lc.signCommitment(lc.commitChains.Remote.tip())
	if err != nil {
		return nil, err
	}
	lc.stage = fundingCreatedSent

	trans := &Transition{}
	trans.sendMsg(&lnwire.FundingCreated{
		PendingChannelID: lc.pendingChanID,
		FundingPoint:     lc.fundingOutpoint,
		CommitSig:        sig,
	})

	return trans, nil
}

// initChannel creates the commitment builder and the initial commitment of
// both parties once the funding outpoint is known.
func (lc *LightningChannel) initChannel() error {
	builder, err := NewCommitmentBuilder(
		lc.fundingOutpoint, lc.capacity, lc.funder,
		&lc.cfg.LocalConfig, lc.remoteCfg,
	)
	if err != nil {
		return err
	}
	lc.builder = builder
	lc.chanID = lnwire.NewChanIDFromOutPoint(lc.fundingOutpoint)
	lc.log = walletLog.WithPrefix(
		fmt.Sprintf("ChannelPoint(%v):", lc.fundingOutpoint),
	)

	funderBalance := lc.capacity - lc.pushAmt
	ourBalance, theirBalance := funderBalance, lc.pushAmt
	if lc.funder.IsRemote() {
		ourBalance, theirBalance = lc.pushAmt, funderBalance
	}

	localPoint, err := lc.revocations.CommitPoint(0)
	if err != nil {
		return err
	}
	points := lntypes.Dual[*btcec.PublicKey]{
		Local:  localPoint,
		Remote: lc.revocations.RemoteCurrentPoint(),
	}

	for _, party := range []lntypes.ChannelParty{
		lntypes.Local, lntypes.Remote,
	} {
		commit, err := builder.Build(CommitmentParams{
			WhoseCommit:  party,
			Height:       0,
			FeePerKw:     lc.initialFeeRate,
			OurBalance:   ourBalance,
			TheirBalance: theirBalance,
			CommitPoint:  points.GetForParty(party),
		})
		if err != nil {
			return err
		}
		lc.commitChains.GetForParty(party).addCommitment(commit)
	}

	lc.log.Debugf("Initial commitments built: local=%v, remote=%v",
		lc.commitChains.Local.tip().CommitTx.TxHash(),
		lc.commitChains.Remote.tip().CommitTx.TxHash())

	return nil
}

// receiveFundingCreated verifies the funder's signature for our initial
// commitment and answers with ours for theirs.
func (lc *LightningChannel) receiveFundingCreated(
	msg *lnwire.FundingCreated) (*Transition, error) {

	if lc.stage != fundingAcceptSent {
		return nil, lc.violation(fmt.Errorf("%w: unexpected %v",
			ErrOutOfOrder, msg.MsgType()))
	}

	lc.fundingOutpoint = msg.FundingPoint
	if err := lc.initChannel(); err != nil {
		return nil, err
	}

	localCommit := lc.commitChains.Local.tip()
	if err := lc.verifyCommitSig(localCommit, msg.CommitSig); err != nil {
		return nil, lc.violation(err)
	}
	localCommit.sig = msg.CommitSig

	sig, _, err := lc.signCommitment(lc.commitChains.Remote.tip())
	if err != nil {
		return nil, err
	}

	lc.stage = fundingDone
	lc.state = FundingSigned

	trans := &Transition{}
	if err := lc.recordLocalCommitment(trans); err != nil {
		return nil, err
	}
	trans.sendMsg(&lnwire.FundingSigned{
		ChanID:    lc.chanID,
		CommitSig: sig,
	})

	return trans, nil
}

// receiveFundingSigned verifies the fundee's signature for our initial
// commitment. The funding transaction is safe to publish afterwards.
func (lc *LightningChannel) receiveFundingSigned(
	msg *lnwire.FundingSigned) (*Transition, error) {

	if lc.stage != fundingCreatedSent {
		return nil, lc.violation(fmt.Errorf("%w: unexpected %v",
			ErrOutOfOrder, msg.MsgType()))
	}

	localCommit := lc.commitChains.Local.tip()
	if err := lc.verifyCommitSig(localCommit, msg.CommitSig); err != nil {
		return nil, lc.violation(err)
	}
	localCommit.sig = msg.CommitSig

	lc.stage = fundingDone
	lc.state = FundingSigned

	trans := &Transition{}
	if err := lc.recordLocalCommitment(trans); err != nil {
		return nil, err
	}
	trans.addIntent(BroadcastTx{
		Tx:    lc.fundingTx,
		Label: "funding",
	})

	return trans, nil
}

// fundingConfirmed sends channel_ready with our point for commitment 1.
func (lc *LightningChannel) fundingConfirmed() (*Transition, error) {
	if lc.state != FundingSigned {
		return nil, newValidationErr("funding confirmed", ErrOutOfOrder)
	}

	trans := &Transition{}
	if lc.readySent {
		return trans, nil
	}

	nextPoint, err := lc.revocations.CommitPoint(1)
	if err != nil {
		return nil, err
	}
	lc.readySent = true

	trans.sendMsg(&lnwire.ChannelReady{
		ChanID:                 lc.chanID,
		NextPerCommitmentPoint: nextPoint,
	})
	lc.maybeActivate()

	return trans, nil
}

// receiveChannelReady stores the remote party's point for its commitment 1.
func (lc *LightningChannel) receiveChannelReady(
	msg *lnwire.ChannelReady) (*Transition, error) {

	switch {
	// channel_ready is retransmitted on reconnection.
	case lc.readyReceived:
		return &Transition{}, nil

	case lc.state != FundingSigned:
		return nil, lc.violation(fmt.Errorf("%w: unexpected %v",
			ErrOutOfOrder, msg.MsgType()))

	case msg.NextPerCommitmentPoint == nil:
		return nil, lc.violation(fmt.Errorf("%w: missing next "+
			"commitment point", ErrInvalidParameters))
	}

	lc.revocations.SetRemotePoints(nil, msg.NextPerCommitmentPoint)
	lc.readyReceived = true
	lc.maybeActivate()

	return &Transition{}, nil
}

// maybeActivate opens the channel for updates once channel_ready went both
// ways.
func (lc *LightningChannel) maybeActivate() {
	if !lc.readySent || !lc.readyReceived {
		return
	}

	lc.state = Active
	lc.log.Infof("Channel active: capacity=%v, local_balance=%v",
		lc.capacity, lc.commitChains.Local.tail().OurBalance)
}

// signCommitment signs the funding input of a remote commitment along with
// its second-level HTLC transactions.
func (lc *LightningChannel) signCommitment(commit *Commitment) (lnwire.Sig,
	[]lnwire.Sig, error) {

	rawSig, err := lc.cfg.Signer.SignOutputRaw(
		commit.CommitTx,
		lc.builder.commitSignDesc(lc.cfg.LocalConfig.MultiSigKey),
	)
	if err != nil {
		return lnwire.Sig{}, nil, err
	}
	sig, err := lnwire.NewSigFromSignature(rawSig)
	if err != nil {
		return lnwire.Sig{}, nil, err
	}

	htlcSigs := make([]lnwire.Sig, 0, len(commit.HTLCs))
	for i := range commit.HTLCs {
		htlc := &commit.HTLCs[i]

		rawSig, err := lc.cfg.Signer.SignOutputRaw(
			htlc.SecondLevelTx,
			lc.builder.htlcSignDesc(commit, htlc, lntypes.Local),
		)
		if err != nil {
			return lnwire.Sig{}, nil, err
		}
		htlcSig, err := lnwire.NewSigFromSignature(rawSig)
		if err != nil {
			return lnwire.Sig{}, nil, err
		}
		htlcSigs = append(htlcSigs, htlcSig)
	}

	return sig, htlcSigs, nil
}

// verifyCommitSig checks the remote party's funding signature over one of our
// commitments.
func (lc *LightningChannel) verifyCommitSig(commit *Commitment,
	sig lnwire.Sig) error {

	theirSig, err := sig.ToSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	signDesc := lc.builder.commitSignDesc(lc.remoteCfg.MultiSigKey)
	valid, err := signDesc.VerifySignature(commit.CommitTx, theirSig)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: commitment %d (%v)", ErrInvalidSignature,
			commit.Height(), commit.CommitTx.TxHash())
	}

	return nil
}

// verifyHtlcSigs checks the remote party's signatures for the second-level
// transactions of our commitment.
func (lc *LightningChannel) verifyHtlcSigs(commit *Commitment,
	sigs []lnwire.Sig) error {

	if len(sigs) != len(commit.HTLCs) {
		return fmt.Errorf("%w: got %d signatures for %d htlcs",
			ErrInvalidHTLCSig, len(sigs), len(commit.HTLCs))
	}

	for i := range commit.HTLCs {
		htlc := &commit.HTLCs[i]

		theirSig, err := sigs[i].ToSignature()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHTLCSig, err)
		}

		signDesc := lc.builder.htlcSignDesc(commit, htlc, lntypes.Remote)
		valid, err := signDesc.VerifySignature(
			htlc.SecondLevelTx, theirSig,
		)
		if err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("%w: htlc output %d", ErrInvalidHTLCSig,
				htlc.OutputIndex)
		}
	}

	return nil
}

// recordLocalCommitment appends a monitor update for our newest fully signed
// commitment.
func (lc *LightningChannel) recordLocalCommitment(trans *Transition) error {
	commitTx, height, err := lc.witnessedLocalCommit()
	if err != nil {
		return err
	}

	return lc.recordUpdate(
		trans, NewLocalCommitment, height, commitTx, fn.None[[32]byte](),
	)
}

// balancesBeforeFee returns both balances of a commitment with the
// commitment fee given back to the funder.
func (lc *LightningChannel) balancesBeforeFee(
	commit *Commitment) (btcutil.Amount, btcutil.Amount) {

	ourBalance, theirBalance := commit.OurBalance, commit.TheirBalance
	if lc.funder.IsLocal() {
		ourBalance += commit.Fee
	} else {
		theirBalance += commit.Fee
	}

	return ourBalance, theirBalance
}
