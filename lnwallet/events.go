package lnwallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Event is an input to the channel state machine. The set of events is
// closed: a message from the peer, or one of the local commands below.
type Event interface {
	// channelEvent seals the interface.
	channelEvent()
}

// PeerMessage is a message received from the remote party.
type PeerMessage struct {
	Msg lnwire.Message
}

// InitFunding starts the funding flow as the funder.
type InitFunding struct {
	// PendingChanID identifies the channel until the funding outpoint is
	// known.
	PendingChanID [32]byte

	// Capacity is the value of the funding output.
	Capacity btcutil.Amount

	// PushAmt is the part of the capacity given to the fundee.
	PushAmt btcutil.Amount

	// FeePerKw is the initial commitment fee rate.
	FeePerKw chainfee.SatPerKWeight
}

// FundingTxReady hands the funding transaction requested by a RequestFunding
// intent to the funder.
type FundingTxReady struct {
	// Tx is the unsigned or signed funding transaction.
	Tx *wire.MsgTx

	// OutputIndex is the index of the funding output in Tx.
	OutputIndex uint32
}

// FundingConfirmed signals that the funding transaction is sufficiently
// confirmed.
type FundingConfirmed struct{}

// AddHTLC offers a new HTLC to the remote party.
type AddHTLC struct {
	Amount      btcutil.Amount
	PaymentHash lntypes.Hash
	Expiry      uint32
}

// SettleHTLC settles an incoming HTLC with its preimage.
type SettleHTLC struct {
	ID       uint64
	Preimage lntypes.Preimage
}

// FailHTLC fails an incoming HTLC.
type FailHTLC struct {
	ID     uint64
	Reason lnwire.OpaqueReason
}

// SignCommitment signs a new remote commitment covering all pending updates.
type SignCommitment struct{}

// ProposeFee proposes a new commitment fee rate. Only the funder may send it.
type ProposeFee struct {
	FeePerKw chainfee.SatPerKWeight
}

// InitiateShutdown starts a cooperative close.
type InitiateShutdown struct {
	// DeliveryScript is where our funds go. If empty, the script of the
	// channel config is used.
	DeliveryScript lnwire.DeliveryAddress

	// FeeRate overrides the fee rate used to compute our ideal closing
	// fee.
	FeeRate fn.Option[chainfee.SatPerKWeight]
}

// ForceClose unilaterally closes the channel with our latest commitment.
type ForceClose struct{}

func (PeerMessage) channelEvent()      {}
func (InitFunding) channelEvent()      {}
func (FundingTxReady) channelEvent()   {}
func (FundingConfirmed) channelEvent() {}
func (AddHTLC) channelEvent()          {}
func (SettleHTLC) channelEvent()       {}
func (FailHTLC) channelEvent()         {}
func (SignCommitment) channelEvent()   {}
func (ProposeFee) channelEvent()       {}
func (InitiateShutdown) channelEvent() {}
func (ForceClose) channelEvent()       {}

// Intent is a side effect the caller must carry out.
type Intent interface {
	// channelIntent seals the interface.
	channelIntent()
}

// BroadcastTx asks the caller to publish a transaction.
type BroadcastTx struct {
	Tx *wire.MsgTx

	// Label describes the transaction.
	Label string
}

// RequestFunding asks the caller to create a funding transaction paying
// Amount to PkScript and return it with FundingTxReady.
type RequestFunding struct {
	PkScript []byte
	Amount   btcutil.Amount
}

func (BroadcastTx) channelIntent()    {}
func (RequestFunding) channelIntent() {}

// RejectedHTLC is an incoming HTLC that was failed back once it locked in.
type RejectedHTLC struct {
	HTLC

	// Reason is the limit the HTLC violated.
	Reason error
}

// Transition is the output of processing one event. MonitorUpdates must be
// durably persisted before any of the Messages are transmitted.
type Transition struct {
	// Messages are the messages to send to the remote party, in order.
	Messages []lnwire.Message

	// MonitorUpdates are the records to persist first.
	MonitorUpdates []MonitorUpdate

	// Intents are the side effects to carry out.
	Intents []Intent

	// LockedIn are HTLCs that became irrevocably committed.
	LockedIn []HTLC

	// Resolved are HTLCs whose settle or fail became irrevocably
	// committed.
	Resolved []ResolvedHTLC

	// Rejected are incoming HTLCs failed back because they broke one of
	// our limits.
	Rejected []RejectedHTLC
}

// sendMsg queues msg for the remote party.
func (t *Transition) sendMsg(msg lnwire.Message) {
	t.Messages = append(t.Messages, msg)
}

// addIntent queues a side effect.
func (t *Transition) addIntent(intent Intent) {
	t.Intents = append(t.Intents, intent)
}

// IsEmpty returns true if the transition has no output at all.
func (t *Transition) IsEmpty() bool {
	return len(t.Messages) == 0 && len(t.MonitorUpdates) == 0 &&
		len(t.Intents) == 0 && len(t.LockedIn) == 0 &&
		len(t.Resolved) == 0 && len(t.Rejected) == 0
}
