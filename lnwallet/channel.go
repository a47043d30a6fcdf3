package lnwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnutils"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMaxFeeMultiplier is the multiple of our ideal closing fee we
	// are willing to pay at most.
	DefaultMaxFeeMultiplier = 3

	// DefaultCloseConfTarget is the confirmation target used to estimate
	// the closing fee rate.
	DefaultCloseConfTarget = 6
)

// ChannelState is the lifecycle position of a channel.
type ChannelState uint8

const (
	// AwaitFunding is the state of a channel whose funding transaction
	// isn't signed yet.
	AwaitFunding ChannelState = iota

	// FundingSigned is the state once both initial commitments are signed
	// and we're waiting for the funding transaction to confirm.
	FundingSigned

	// Active is the state of an open channel that can route HTLCs.
	Active

	// ShutdownNegotiation is entered once either party sent a shutdown.
	// No new HTLCs are accepted, the existing ones are resolved and the
	// closing fee is negotiated.
	ShutdownNegotiation

	// Closed is the terminal state of a cooperatively closed channel, or
	// one that failed before funding.
	Closed

	// AwaitingOnChainResolution is the terminal state of a channel that
	// was force closed, or whose peer violated the protocol.
	AwaitingOnChainResolution
)

// String returns the name of the state.
func (s ChannelState) String() string {
	switch s {
	case AwaitFunding:
		return "AwaitFunding"
	case FundingSigned:
		return "FundingSigned"
	case Active:
		return "Active"
	case ShutdownNegotiation:
		return "ShutdownNegotiation"
	case Closed:
		return "Closed"
	case AwaitingOnChainResolution:
		return "AwaitingOnChainResolution"
	default:
		return fmt.Sprintf("<unknown:%d>", uint8(s))
	}
}

// IsTerminal returns true if no further events can be processed.
func (s ChannelState) IsTerminal() bool {
	return s == Closed || s == AwaitingOnChainResolution
}

// CloseConfig tunes the cooperative close negotiation.
type CloseConfig struct {
	// MaxRounds is the number of proposals we accept from the remote
	// party before giving up.
	MaxRounds uint32

	// TieBreak decides how we move towards the remote party's proposal.
	TieBreak chancloser.TieBreak

	// MaxFeeMultiplier bounds the closing fee to this multiple of our
	// ideal fee.
	MaxFeeMultiplier uint32

	// ConfTarget is the confirmation target passed to the fee estimator.
	ConfTarget uint32
}

// Config is everything a channel needs from its owner.
type Config struct {
	// Signer signs commitment, HTLC and closing transactions.
	Signer input.Signer

	// Producer generates our per-commitment secrets.
	Producer shachain.Producer

	// LocalConfig is our side of the channel parameters. Its
	// constraints bind the remote party.
	LocalConfig ChannelConfig

	// Policy bounds the parameters we accept from the remote party.
	Policy ChannelPolicy

	// MinAcceptDepth is the number of confirmations we ask the funder to
	// wait for.
	MinAcceptDepth uint32

	// Close tunes the cooperative close.
	Close CloseConfig

	// Heights reports the current block height.
	Heights HeightOracle

	// FeeEstimator optionally provides the closing fee rate. If unset, the
	// committed commitment fee rate is used.
	FeeEstimator fn.Option[chainfee.Estimator]

	// DeliveryScript is where our funds go on a cooperative close if the
	// shutdown command doesn't name one. It defaults to the upfront
	// shutdown script.
	DeliveryScript lnwire.DeliveryAddress
}

// validate checks that the config is usable.
func (c *Config) validate() error {
	switch {
	case c.Signer == nil:
		return fmt.Errorf("%w: missing signer", ErrInvalidParameters)
	case c.Producer == nil:
		return fmt.Errorf("%w: missing revocation producer",
			ErrInvalidParameters)
	case c.Heights == nil:
		return fmt.Errorf("%w: missing height oracle",
			ErrInvalidParameters)
	}

	return c.LocalConfig.validateKeys()
}

// fundingStage tracks the funding handshake before the channel is signed.
type fundingStage uint8

const (
	fundingIdle fundingStage = iota
	fundingOpenSent
	fundingAcceptSent
	fundingRequested
	fundingCreatedSent
	fundingDone
)

// LightningChannel is the state machine of a single two-party payment
// channel. It is driven entirely by ProcessEvent and performs no I/O: every
// message, record to persist and transaction to broadcast is returned to the
// caller. It is not safe for concurrent use; the caller serializes events.
type LightningChannel struct {
	cfg Config

	log btclog.Logger

	state ChannelState
	stage fundingStage

	// funder is the party that supplied the funding output.
	funder lntypes.ChannelParty

	pendingChanID [32]byte
	chanID        lnwire.ChannelID

	capacity btcutil.Amount
	pushAmt  btcutil.Amount

	// initialFeeRate is the fee rate of both initial commitments.
	initialFeeRate chainfee.SatPerKWeight

	remoteCfg *ChannelConfig

	// fundingPkScript is the script of the funding output, known once
	// both funding keys are.
	fundingPkScript []byte

	// fundingTx is the funding transaction, only known to the funder.
	fundingTx *wire.MsgTx

	fundingOutpoint wire.OutPoint

	builder *CommitmentBuilder

	commitChains lntypes.Dual[*commitmentChain]

	htlcs *HTLCTracker

	revocations *RevocationKeyManager

	fees *FeeNegotiator

	readySent     bool
	readyReceived bool

	// softRejects are incoming HTLCs that break one of our limits. They
	// are failed back as soon as they lock in.
	softRejects map[uint64]error

	closing closeState
}

// NewLightningChannel creates a channel awaiting funding. Whether we are the
// funder is decided by the first event: InitFunding or a received
// OpenChannel.
func NewLightningChannel(cfg Config) (*LightningChannel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Close.MaxRounds == 0 {
		cfg.Close.MaxRounds = chancloser.DefaultMaxRounds
	}
	if cfg.Close.MaxFeeMultiplier == 0 {
		cfg.Close.MaxFeeMultiplier = DefaultMaxFeeMultiplier
	}
	if cfg.Close.ConfTarget == 0 {
		cfg.Close.ConfTarget = DefaultCloseConfTarget
	}
	if len(cfg.DeliveryScript) == 0 {
		cfg.DeliveryScript = cfg.LocalConfig.UpfrontShutdown
	}

	return &LightningChannel{
		cfg:   cfg,
		log:   walletLog,
		state: AwaitFunding,
		commitChains: lntypes.Dual[*commitmentChain]{
			Local:  newCommitmentChain(),
			Remote: newCommitmentChain(),
		},
		htlcs:       NewHTLCTracker(),
		revocations: NewRevocationKeyManager(cfg.Producer),
		softRejects: make(map[uint64]error),
		closing:     newCloseState(),
	}, nil
}

// ProcessEvent applies a single event to the channel. On a ValidationError
// the channel is unchanged. On a ProtocolViolation the channel moves to a
// terminal state and the error carries our latest fully signed commitment.
func (lc *LightningChannel) ProcessEvent(event Event) (*Transition, error) {
	if lc.state.IsTerminal() {
		return nil, fmt.Errorf("%w: state %v", ErrChannelClosed,
			lc.state)
	}

	lc.log.Tracef("Processing event: %v", lnutils.SpewLogClosure(event))

	trans, err := lc.dispatch(event)
	if err != nil {
		var violation *ProtocolViolation
		if errors.As(err, &violation) {
			return nil, lc.failChannel(violation)
		}

		return nil, err
	}

	return trans, nil
}

// dispatch routes the event to its handler.
func (lc *LightningChannel) dispatch(event Event) (*Transition, error) {
	switch e := event.(type) {
	case PeerMessage:
		return lc.handlePeerMessage(e.Msg)

	case InitFunding:
		return lc.initFunding(e)

	case FundingTxReady:
		return lc.fundingTxReady(e)

	case FundingConfirmed:
		return lc.fundingConfirmed()

	case AddHTLC:
		return lc.addHTLC(e)

	case SettleHTLC:
		return lc.settleHTLC(e)

	case FailHTLC:
		return lc.failHTLC(e)

	case SignCommitment:
		return lc.signNextCommitment()

	case ProposeFee:
		return lc.proposeFee(e)

	case InitiateShutdown:
		return lc.initiateShutdown(e)

	case ForceClose:
		return lc.forceClose()

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

// handlePeerMessage routes a message from the remote party.
func (lc *LightningChannel) handlePeerMessage(
	msg lnwire.Message) (*Transition, error) {

	if chanMsg, ok := msg.(lnwire.ChannelMessage); ok {
		if err := lc.checkTarget(chanMsg); err != nil {
			return nil, err
		}
	}

	switch m := msg.(type) {
	case *lnwire.OpenChannel:
		return lc.receiveOpenChannel(m)

	case *lnwire.AcceptChannel:
		return lc.receiveAcceptChannel(m)

	case *lnwire.FundingCreated:
		return lc.receiveFundingCreated(m)

	case *lnwire.FundingSigned:
		return lc.receiveFundingSigned(m)

	case *lnwire.ChannelReady:
		return lc.receiveChannelReady(m)

	case *lnwire.UpdateAddHTLC:
		return lc.receiveHTLC(m)

	case *lnwire.UpdateFulfillHTLC:
		return lc.receiveHTLCSettle(m)

	case *lnwire.UpdateFailHTLC:
		return lc.receiveHTLCFail(m)

	case *lnwire.CommitSig:
		return lc.receiveNewCommitment(m)

	case *lnwire.RevokeAndAck:
		return lc.receiveRevocation(m)

	case *lnwire.UpdateFee:
		return lc.receiveUpdateFee(m)

	case *lnwire.Shutdown:
		return lc.receiveShutdown(m)

	case *lnwire.ClosingSigned:
		return lc.receiveClosingSigned(m)

	case *lnwire.Error:
		return nil, lc.violation(fmt.Errorf("peer sent error: %w", m))

	default:
		return nil, fmt.Errorf("%w: message %T", ErrUnknownEvent, msg)
	}
}

// checkTarget ensures a message is addressed to this channel.
func (lc *LightningChannel) checkTarget(msg lnwire.ChannelMessage) error {
	target := msg.TargetChanID()

	switch {
	// The very first message of the fundee names the pending id we don't
	// know yet.
	case lc.stage == fundingIdle:
		return nil

	case target == lnwire.ChannelID(lc.pendingChanID):
		return nil

	case lc.stage >= fundingCreatedSent && target == lc.chanID:
		return nil
	}

	return newValidationErr(msg.MsgType().String(), fmt.Errorf(
		"%w: got %v", ErrChanIDMismatch, target,
	))
}

// violation wraps err as a ProtocolViolation. The commitment is attached by
// failChannel.
func (lc *LightningChannel) violation(err error) *ProtocolViolation {
	return &ProtocolViolation{Err: err}
}

// failChannel moves the channel to its terminal failure state and attaches
// our latest fully signed commitment to the violation.
func (lc *LightningChannel) failChannel(
	violation *ProtocolViolation) *ProtocolViolation {

	commitTx, height, err := lc.witnessedLocalCommit()
	switch {
	case err == nil && commitTx != nil:
		violation.CommitTx = commitTx
		violation.CommitHeight = height
		lc.state = AwaitingOnChainResolution

		update := MonitorUpdate{
			ChanID:   lc.chanID,
			Kind:     ForceClosed,
			Height:   height,
			CommitTx: commitTx,
		}
		update.Snapshot, err = lc.Snapshot()
		if err != nil {
			lc.log.Errorf("Unable to snapshot failed channel: %v",
				err)
		}
		violation.MonitorUpdate = &update

	case err != nil:
		lc.log.Errorf("Unable to witness local commitment: %v", err)
		lc.state = AwaitingOnChainResolution

	// Before the first commitment is signed there is nothing to enforce.
	default:
		lc.state = Closed
	}

	lc.log.Errorf("Channel failed in state %v: %v", lc.state, violation)

	return violation
}

// witnessedLocalCommit returns our latest commitment transaction with the
// funding witness of both parties attached, ready to broadcast. It returns a
// nil transaction if no commitment of ours has been signed yet.
func (lc *LightningChannel) witnessedLocalCommit() (*wire.MsgTx, uint64,
	error) {

	localChain := lc.commitChains.Local
	if localChain.isEmpty() || localChain.tail().sig.IsZero() {
		return nil, 0, nil
	}
	tail := localChain.tail()

	theirSig, err := tail.sig.ToSignature()
	if err != nil {
		return nil, 0, err
	}

	commitTx := tail.CommitTx.Copy()
	ourSig, err := lc.cfg.Signer.SignOutputRaw(
		commitTx, lc.builder.commitSignDesc(lc.cfg.LocalConfig.MultiSigKey),
	)
	if err != nil {
		return nil, 0, err
	}

	commitTx.TxIn[0].Witness = lc.fundingWitness(ourSig, theirSig)

	return commitTx, tail.Height(), nil
}

// fundingWitness assembles the witness spending the funding output.
func (lc *LightningChannel) fundingWitness(ourSig,
	theirSig input.Signature) wire.TxWitness {

	_, witnessScript := lc.builder.FundingOutput()

	return input.SpendMultiSig(
		witnessScript,
		lc.cfg.LocalConfig.MultiSigKey.SerializeCompressed(),
		append(ourSig.Serialize(), byte(txscript.SigHashAll)),
		lc.remoteCfg.MultiSigKey.SerializeCompressed(),
		append(theirSig.Serialize(), byte(txscript.SigHashAll)),
	)
}

// forceClose broadcasts our latest commitment.
func (lc *LightningChannel) forceClose() (*Transition, error) {
	commitTx, height, err := lc.witnessedLocalCommit()
	if err != nil {
		return nil, err
	}
	if commitTx == nil {
		return nil, newValidationErr("force close", ErrChannelNotActive)
	}

	lc.state = AwaitingOnChainResolution
	lc.log.Infof("Force closing with commitment %d: %v", height,
		commitTx.TxHash())

	trans := &Transition{}
	trans.addIntent(BroadcastTx{Tx: commitTx, Label: "force close"})
	if err := lc.recordUpdate(trans, ForceClosed, height, commitTx,
		fn.None[[32]byte]()); err != nil {

		return nil, err
	}

	return trans, nil
}

// recordUpdate appends a monitor update carrying a snapshot of the current
// state to trans.
func (lc *LightningChannel) recordUpdate(trans *Transition,
	kind MonitorUpdateKind, height uint64, tx *wire.MsgTx,
	secret fn.Option[[32]byte]) error {

	snapshot, err := lc.Snapshot()
	if err != nil {
		return err
	}

	trans.MonitorUpdates = append(trans.MonitorUpdates, MonitorUpdate{
		ChanID:           lc.chanID,
		Kind:             kind,
		Height:           height,
		CommitTx:         tx,
		RevocationSecret: secret,
		Snapshot:         snapshot,
	})

	return nil
}

// State returns the lifecycle state of the channel.
func (lc *LightningChannel) State() ChannelState {
	return lc.state
}

// ChanID returns the channel id. Before funding it is the pending id.
func (lc *LightningChannel) ChanID() lnwire.ChannelID {
	if lc.stage < fundingCreatedSent {
		return lnwire.ChannelID(lc.pendingChanID)
	}

	return lc.chanID
}

// IsFunder returns true if we funded the channel.
func (lc *LightningChannel) IsFunder() bool {
	return lc.funder.IsLocal()
}

// Capacity returns the value of the funding output.
func (lc *LightningChannel) Capacity() btcutil.Amount {
	return lc.capacity
}

// FundingOutpoint returns the outpoint of the funding output.
func (lc *LightningChannel) FundingOutpoint() wire.OutPoint {
	return lc.fundingOutpoint
}

// CommitFeeRate returns the fee rate both commitments use.
func (lc *LightningChannel) CommitFeeRate() chainfee.SatPerKWeight {
	if lc.fees == nil {
		return lc.initialFeeRate
	}

	return lc.fees.Committed()
}

// PendingFee returns the outstanding fee proposal of party.
func (lc *LightningChannel) PendingFee(
	party lntypes.ChannelParty) fn.Option[chainfee.SatPerKWeight] {

	if lc.fees == nil {
		return fn.None[chainfee.SatPerKWeight]()
	}

	return lc.fees.Pending(party)
}

// CommitmentTail returns the latest revoked-free commitment of party, if the
// channel is funded.
func (lc *LightningChannel) CommitmentTail(
	party lntypes.ChannelParty) fn.Option[*Commitment] {

	chain := lc.commitChains.GetForParty(party)
	if chain.isEmpty() {
		return fn.None[*Commitment]()
	}

	return fn.Some(chain.tail())
}

// CommitHeights returns the heights of the newest local and remote
// commitments.
func (lc *LightningChannel) CommitHeights() lntypes.Dual[uint64] {
	var heights lntypes.Dual[uint64]
	if !lc.commitChains.Local.isEmpty() {
		heights.Local = lc.commitChains.Local.tip().Height()
	}
	if !lc.commitChains.Remote.isEmpty() {
		heights.Remote = lc.commitChains.Remote.tip().Height()
	}

	return heights
}

// HTLCState returns the lifecycle position of an HTLC.
func (lc *LightningChannel) HTLCState(offerer lntypes.ChannelParty,
	id uint64) (HTLCState, error) {

	return lc.htlcs.State(offerer, id)
}

// OweCommitment returns true if we have updates, or acked remote updates,
// that the remote commitment doesn't include yet.
func (lc *LightningChannel) OweCommitment() bool {
	if lc.commitChains.Remote.isEmpty() {
		return false
	}

	lastLocalCommit := lc.commitChains.Local.tip()
	lastRemoteCommit := lc.commitChains.Remote.tip()

	localUpdatesPending := lc.htlcs.logIndex(lntypes.Local) !=
		lastRemoteCommit.ourMessageIndex

	remoteUpdatesPending := lastLocalCommit.theirMessageIndex !=
		lastRemoteCommit.theirMessageIndex

	return localUpdatesPending || remoteUpdatesPending
}

// FullySynced returns true if both commitments include every update and
// neither has an outstanding revocation.
func (lc *LightningChannel) FullySynced() bool {
	if lc.commitChains.Local.isEmpty() || lc.commitChains.Remote.isEmpty() {
		return false
	}

	lastLocalCommit := lc.commitChains.Local.tip()
	lastRemoteCommit := lc.commitChains.Remote.tip()

	localUpdatesSynced := lastLocalCommit.ourMessageIndex ==
		lc.htlcs.logIndex(lntypes.Local) &&
		lastRemoteCommit.ourMessageIndex ==
			lc.htlcs.logIndex(lntypes.Local)

	remoteUpdatesSynced := lastLocalCommit.theirMessageIndex ==
		lc.htlcs.logIndex(lntypes.Remote) &&
		lastRemoteCommit.theirMessageIndex ==
			lc.htlcs.logIndex(lntypes.Remote)

	return localUpdatesSynced && remoteUpdatesSynced &&
		!lc.commitChains.Remote.hasUnackedCommitment() &&
		!lc.commitChains.Local.hasUnackedCommitment()
}

// AvailableBalance returns the amount we can still offer in a new HTLC,
// taking the commitment fee and the reserve the remote party asked for into
// account.
func (lc *LightningChannel) AvailableBalance() btcutil.Amount {
	if lc.state != Active {
		return 0
	}

	proj, err := lc.projectCommitment(lntypes.Remote, nil, nil)
	if err != nil {
		lc.log.Errorf("Unable to project balance: %v", err)
		return 0
	}

	available := proj.ourBalance - lc.remoteCfg.ChanReserve
	if lc.funder.IsLocal() {
		// An extra HTLC output makes the commitment more expensive.
		available -= CommitFee(proj.feePerKw, proj.numOutputs+1)
	}

	return max(available, 0)
}
