package lnwallet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// closeState is the cooperative close progress of a channel.
type closeState struct {
	// localScript and remoteScript are the delivery scripts exchanged in
	// shutdown. Each is nil until the matching shutdown was sent or
	// received.
	localScript  lnwire.DeliveryAddress
	remoteScript lnwire.DeliveryAddress

	// feeRate overrides the rate our ideal closing fee is computed with.
	feeRate fn.Option[chainfee.SatPerKWeight]

	// negotiation is created once the channel has no HTLCs left.
	negotiation *chancloser.ClosingNegotiation

	// failed is set when the negotiation exhausted its rounds. A new
	// shutdown command restarts it.
	failed bool

	// closeTx is the fully signed closing transaction.
	closeTx *wire.MsgTx

	// closingFee is the agreed fee.
	closingFee fn.Option[btcutil.Amount]
}

// newCloseState returns the state of a channel that isn't closing.
func newCloseState() closeState {
	return closeState{
		feeRate:    fn.None[chainfee.SatPerKWeight](),
		closingFee: fn.None[btcutil.Amount](),
	}
}

// ClosingFee returns the fee of the agreed closing transaction.
func (lc *LightningChannel) ClosingFee() fn.Option[btcutil.Amount] {
	return lc.closing.closingFee
}

// ClosingTx returns the fully signed closing transaction.
func (lc *LightningChannel) ClosingTx() fn.Option[*wire.MsgTx] {
	if lc.closing.closeTx == nil {
		return fn.None[*wire.MsgTx]()
	}

	return fn.Some(lc.closing.closeTx)
}

// initiateShutdown sends our shutdown. After a failed negotiation it
// restarts the fee negotiation instead.
func (lc *LightningChannel) initiateShutdown(
	e InitiateShutdown) (*Transition, error) {

	const op = "shutdown"

	if lc.state != Active && lc.state != ShutdownNegotiation {
		return nil, newValidationErr(op, fmt.Errorf("%w: state %v",
			ErrChannelNotActive, lc.state))
	}

	trans := &Transition{}

	if lc.closing.localScript != nil {
		if !lc.closing.failed {
			return nil, newValidationErr(op, fmt.Errorf("%w: "+
				"shutdown already sent", ErrChannelShuttingDown))
		}

		if e.FeeRate.IsSome() {
			lc.closing.feeRate = e.FeeRate
		}
		lc.closing.negotiation = nil
		lc.closing.failed = false

		lc.log.Infof("Restarting closing fee negotiation")

		if err := lc.maybeStartClose(trans); err != nil {
			return nil, err
		}

		return trans, nil
	}

	script := e.DeliveryScript
	if len(script) == 0 {
		script = lc.cfg.DeliveryScript
	}
	if len(script) == 0 {
		var err error
		script, err = lc.defaultDeliveryScript()
		if err != nil {
			return nil, err
		}
	}
	err := chancloser.ValidateShutdownScript(
		lc.cfg.LocalConfig.UpfrontShutdown, script,
	)
	if err != nil {
		return nil, newValidationErr(op, err)
	}

	lc.closing.localScript = script
	if e.FeeRate.IsSome() {
		lc.closing.feeRate = e.FeeRate
	}
	lc.state = ShutdownNegotiation

	lc.log.Infof("Sending shutdown to %x", script)

	trans.sendMsg(&lnwire.Shutdown{
		ChannelID: lc.chanID,
		Address:   script,
	})
	if err := lc.maybeStartClose(trans); err != nil {
		return nil, err
	}

	return trans, nil
}

// defaultDeliveryScript returns a p2wpkh script paying to our payment base
// point, used when neither the command nor the config names a script.
func (lc *LightningChannel) defaultDeliveryScript() ([]byte, error) {
	keyHash := btcutil.Hash160(
		lc.cfg.LocalConfig.PaymentBasePoint.SerializeCompressed(),
	)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(keyHash).
		Script()
}

// receiveShutdown handles the remote party's shutdown and answers with ours
// if we haven't sent one yet.
func (lc *LightningChannel) receiveShutdown(
	msg *lnwire.Shutdown) (*Transition, error) {

	if lc.state != Active && lc.state != ShutdownNegotiation {
		return nil, lc.violation(fmt.Errorf("%w: shutdown in state %v",
			ErrOutOfOrder, lc.state))
	}

	if lc.closing.remoteScript != nil {
		if bytes.Equal(lc.closing.remoteScript, msg.Address) {
			return &Transition{}, nil
		}

		return nil, lc.violation(fmt.Errorf("%w: shutdown script "+
			"changed", chancloser.ErrInvalidShutdownScript))
	}

	err := chancloser.ValidateShutdownScript(
		lc.remoteCfg.UpfrontShutdown, msg.Address,
	)
	if err != nil {
		return nil, lc.violation(err)
	}

	lc.closing.remoteScript = msg.Address
	lc.state = ShutdownNegotiation

	lc.log.Infof("Received shutdown to %x", []byte(msg.Address))

	trans := &Transition{}
	if lc.closing.localScript == nil {
		script := lc.cfg.DeliveryScript
		if len(script) == 0 {
			script, err = lc.defaultDeliveryScript()
			if err != nil {
				return nil, err
			}
		}
		lc.closing.localScript = script

		trans.sendMsg(&lnwire.Shutdown{
			ChannelID: lc.chanID,
			Address:   script,
		})
	}

	if err := lc.maybeStartClose(trans); err != nil {
		return nil, err
	}

	return trans, nil
}

// maybeStartClose starts the fee negotiation once both shutdowns were
// exchanged and no HTLC or unrevoked commitment is left. The funder sends the
// first proposal.
func (lc *LightningChannel) maybeStartClose(trans *Transition) error {
	switch {
	case lc.state != ShutdownNegotiation:
		return nil

	case lc.closing.localScript == nil || lc.closing.remoteScript == nil:
		return nil

	case lc.closing.negotiation != nil || lc.closing.failed:
		return nil

	case !lc.htlcs.Empty() || lc.commitChains.Local.hasUnackedCommitment() ||
		lc.commitChains.Remote.hasUnackedCommitment():

		return nil
	}

	idealFee, err := lc.idealCloseFee()
	if err != nil {
		return err
	}

	// Nobody can sign for more than the funder owns.
	ourBalance, theirBalance := lc.closeBalances()
	funderBalance := ourBalance
	if lc.funder.IsRemote() {
		funderBalance = theirBalance
	}
	maxFee := min(
		idealFee*btcutil.Amount(lc.cfg.Close.MaxFeeMultiplier),
		funderBalance,
	)

	negotiation, err := chancloser.NewClosingNegotiation(chancloser.Config{
		MaxRounds: lc.cfg.Close.MaxRounds,
		TieBreak:  lc.cfg.Close.TieBreak,
		IdealFee:  idealFee,
		MaxFee:    maxFee,
	})
	if err != nil {
		return err
	}
	lc.closing.negotiation = negotiation

	lc.log.Infof("Starting closing fee negotiation: ideal=%v, max=%v, "+
		"tie_break=%v", idealFee, maxFee, lc.cfg.Close.TieBreak)

	if lc.funder.IsRemote() {
		return nil
	}

	fee := negotiation.InitialProposal()
	sig, _, err := lc.signClose(fee)
	if err != nil {
		return err
	}
	trans.sendMsg(&lnwire.ClosingSigned{
		ChannelID:   lc.chanID,
		FeeSatoshis: fee,
		Signature:   sig,
	})

	return nil
}

// idealCloseFee returns the fee we'd like to pay for the closing transaction.
func (lc *LightningChannel) idealCloseFee() (btcutil.Amount, error) {
	rate := lc.closing.feeRate.UnwrapOrFunc(func() chainfee.SatPerKWeight {
		return fn.MapOptionZ(
			lc.cfg.FeeEstimator,
			func(estimator chainfee.Estimator) chainfee.SatPerKWeight {
				rate, err := estimator.EstimateFeePerKW(
					lc.cfg.Close.ConfTarget,
				)
				if err != nil {
					lc.log.Warnf("Unable to estimate closing "+
						"fee rate: %v", err)

					return 0
				}

				return rate
			},
		)
	})
	if rate == 0 {
		rate = lc.CommitFeeRate()
	}

	// The closing transaction without a fee is the heaviest version of
	// it, since no output can fall below dust.
	closeTx, err := lc.closeTx(0)
	if err != nil {
		return 0, err
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(closeTx)) +
		input.WitnessHeaderSize + input.MultiSigWitnessSize

	return rate.FeeForWeight(weight), nil
}

// closeBalances returns the settled balances of both parties before the
// closing fee.
func (lc *LightningChannel) closeBalances() (btcutil.Amount, btcutil.Amount) {
	return lc.balancesBeforeFee(lc.commitChains.Local.tail())
}

// closeTx builds the unsigned closing transaction paying fee. The funder
// pays the whole fee.
func (lc *LightningChannel) closeTx(fee btcutil.Amount) (*wire.MsgTx, error) {
	ourBalance, theirBalance := lc.closeBalances()

	funderBalance := &ourBalance
	if lc.funder.IsRemote() {
		funderBalance = &theirBalance
	}
	if fee < 0 || fee > *funderBalance {
		return nil, fmt.Errorf("%w: closing fee %v exceeds funder "+
			"balance %v", ErrInsufficientFunds, fee, *funderBalance)
	}
	*funderBalance -= fee

	return CreateCooperativeCloseTx(
		wire.TxIn{PreviousOutPoint: lc.fundingOutpoint},
		lc.cfg.LocalConfig.DustLimit, lc.remoteCfg.DustLimit,
		ourBalance, theirBalance, lc.closing.localScript,
		lc.closing.remoteScript,
	), nil
}

// signClose signs the closing transaction paying fee.
func (lc *LightningChannel) signClose(fee btcutil.Amount) (lnwire.Sig,
	input.Signature, error) {

	closeTx, err := lc.closeTx(fee)
	if err != nil {
		return lnwire.Sig{}, nil, err
	}

	rawSig, err := lc.cfg.Signer.SignOutputRaw(
		closeTx, lc.builder.commitSignDesc(lc.cfg.LocalConfig.MultiSigKey),
	)
	if err != nil {
		return lnwire.Sig{}, nil, err
	}
	sig, err := lnwire.NewSigFromSignature(rawSig)
	if err != nil {
		return lnwire.Sig{}, nil, err
	}

	return sig, rawSig, nil
}

// receiveClosingSigned handles a fee proposal of the remote party. It either
// counters, or completes the close once both parties signed the same fee.
func (lc *LightningChannel) receiveClosingSigned(
	msg *lnwire.ClosingSigned) (*Transition, error) {

	if lc.state != ShutdownNegotiation {
		return nil, lc.violation(fmt.Errorf("%w: closing_signed in "+
			"state %v", ErrOutOfOrder, lc.state))
	}

	trans := &Transition{}
	if lc.closing.failed {
		return nil, newValidationErr(
			"closing_signed", chancloser.ErrCloseNegotiationFailed,
		)
	}
	if lc.closing.negotiation == nil {
		if err := lc.maybeStartClose(trans); err != nil {
			return nil, err
		}
	}
	negotiation := lc.closing.negotiation
	if negotiation == nil {
		return nil, lc.violation(fmt.Errorf("%w: closing_signed before "+
			"channel is clean", ErrOutOfOrder))
	}

	closeTx, err := lc.closeTx(msg.FeeSatoshis)
	if err != nil {
		return nil, lc.violation(err)
	}
	theirSig, err := msg.Signature.ToSignature()
	if err != nil {
		return nil, lc.violation(fmt.Errorf("%w: %v",
			ErrInvalidSignature, err))
	}
	signDesc := lc.builder.commitSignDesc(lc.remoteCfg.MultiSigKey)
	valid, err := signDesc.VerifySignature(closeTx, theirSig)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, lc.violation(fmt.Errorf("%w: closing tx with fee %v",
			ErrInvalidSignature, msg.FeeSatoshis))
	}

	decision, err := negotiation.ReceiveProposal(msg.FeeSatoshis)
	var failure *chancloser.NegotiationFailure
	switch {
	case errors.As(err, &failure):
		lc.closing.failed = true
		lc.log.Warnf("Closing fee negotiation failed: %v", failure)

		return nil, failure

	case err != nil:
		return nil, err
	}

	sig, ourSig, err := lc.signClose(decision.Fee)
	if err != nil {
		return nil, err
	}
	if decision.SendSig {
		trans.sendMsg(&lnwire.ClosingSigned{
			ChannelID:   lc.chanID,
			FeeSatoshis: decision.Fee,
			Signature:   sig,
		})
	}

	if !decision.Agreed {
		return trans, nil
	}

	closeTx.TxIn[0].Witness = lc.fundingWitness(ourSig, theirSig)
	lc.closing.closeTx = closeTx
	lc.closing.closingFee = fn.Some(decision.Fee)
	lc.state = Closed

	lc.log.Infof("Cooperative close agreed with fee %v: %v", decision.Fee,
		closeTx.TxHash())

	trans.addIntent(BroadcastTx{
		Tx:    closeTx,
		Label: "cooperative close",
	})
	err = lc.recordUpdate(
		trans, CloseAgreed, lc.commitChains.Local.tail().Height(),
		closeTx, fn.None[[32]byte](),
	)
	if err != nil {
		return nil, err
	}

	return trans, nil
}
