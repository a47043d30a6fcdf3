package lnwire

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// DeliveryAddress is used to communicate the address to which funds from a
// closed channel should be sent. The address can be a p2wsh, p2pkh, p2sh or
// p2wpkh.
type DeliveryAddress []byte

// ChannelBasepoints is the set of public keys a party commits to when the
// channel is opened. Every per-commitment key is derived from one of these
// and the party's per-commitment point.
type ChannelBasepoints struct {
	// FundingKey is the key that should be used on behalf of the sender
	// within the 2-of-2 multi-sig output that it contained within the
	// funding transaction.
	FundingKey *btcec.PublicKey

	// RevocationPoint is the base revocation point for the sending party.
	// Any commitment transaction belonging to the receiver of this message
	// should use this key and their per-commitment point to derive the
	// revocation key for the commitment transaction.
	RevocationPoint *btcec.PublicKey

	// PaymentPoint is the key the sender wants its to_remote output paid
	// to on the other party's commitment. It is used without a tweak.
	PaymentPoint *btcec.PublicKey

	// DelayedPaymentPoint is the delay point for the sending party. This
	// key should be combined with the per commitment point to derive the
	// keys that are used in outputs of the sender's commitment transaction
	// where they claim funds.
	DelayedPaymentPoint *btcec.PublicKey

	// HtlcPoint is the base point used to derive the set of keys for this
	// party that will be used within the HTLC public key scripts.
	HtlcPoint *btcec.PublicKey
}

// ChannelParams carries the limits a party imposes on the HTLCs and
// balances the other party may put on the sender's commitment.
type ChannelParams struct {
	// DustLimit is the specific dust limit the sender of this message
	// would like enforced on their version of the commitment transaction.
	// Any output below this value will be "trimmed" from the commitment
	// transaction, with the amount of the HTLC going to dust.
	DustLimit btcutil.Amount

	// MaxValueInFlight represents the maximum amount of coins that can be
	// pending within the channel at any given time.
	MaxValueInFlight btcutil.Amount

	// ChannelReserve is the amount that the receiving party MUST keep on
	// its side of the commitment.
	ChannelReserve btcutil.Amount

	// HtlcMinimum is the smallest HTLC that the sender of this message
	// will accept.
	HtlcMinimum btcutil.Amount

	// CsvDelay is the number of blocks to use for the relative time lock
	// in the pay-to-self output of the receiver's commitment transaction.
	CsvDelay uint16

	// MaxAcceptedHTLCs is the total number of incoming HTLC's that the
	// sender of this channel will accept.
	MaxAcceptedHTLCs uint16
}

// OpenChannel is the message Alice sends to Bob if we should like to create
// a channel with Bob where she's the sole provider of funds to the channel.
// Single funder channels simplify the initial funding workflow, are supported
// by nodes backed by SPV Bitcoin clients, and have a simpler security models
// than dual funded channels.
type OpenChannel struct {
	// PendingChannelID serves to uniquely identify the future channel
	// created by the initiated single funder workflow.
	PendingChannelID [32]byte

	// FundingAmount is the amount of satoshis that the initiator of the
	// channel wishes to use as the total capacity of the channel.
	FundingAmount btcutil.Amount

	// PushAmount is the value that the initiating party wishes to "push"
	// to the responding as part of the first commitment state.
	PushAmount btcutil.Amount

	// ChannelParams are the constraints the initiator places on the
	// responder.
	ChannelParams

	// FeePerKiloWeight is the initial fee rate that the initiator suggests
	// for both commitment transactions.
	FeePerKiloWeight uint32

	// ChannelBasepoints are the initiator's channel keys.
	ChannelBasepoints

	// FirstCommitmentPoint is the first commitment point for the sending
	// party. This value should be combined with the receiver's revocation
	// base point in order to derive the revocation keys that are placed
	// within the commitment transaction of the sender.
	FirstCommitmentPoint *btcec.PublicKey

	// UpfrontShutdownScript is the script to which the channel funds
	// should be paid when mutually closing the channel.
	UpfrontShutdownScript DeliveryAddress
}

// MsgType returns the MessageType code which uniquely identifies this message
// as an OpenChannel on the wire.
func (o *OpenChannel) MsgType() MessageType {
	return MsgOpenChannel
}

// TargetChanID returns the pending channel ID.
func (o *OpenChannel) TargetChanID() ChannelID {
	return ChannelID(o.PendingChannelID)
}

func (o *OpenChannel) peerMessage() {}

// AcceptChannel is the message Bob sends to Alice after she initiates the
// single funder channel workflow via an OpenChannel message. Once Alice
// receives Bob's response, then she has all the items necessary to construct
// the funding transaction, and both commitment transactions.
type AcceptChannel struct {
	// PendingChannelID serves to uniquely identify the future channel
	// created by the initiated single funder workflow.
	PendingChannelID [32]byte

	// ChannelParams are the constraints the responder places on the
	// initiator.
	ChannelParams

	// MinAcceptDepth is the minimum depth that the initiator of the
	// channel should wait before considering the channel open.
	MinAcceptDepth uint32

	// ChannelBasepoints are the responder's channel keys.
	ChannelBasepoints

	// FirstCommitmentPoint is the first commitment point for the sending
	// party.
	FirstCommitmentPoint *btcec.PublicKey

	// UpfrontShutdownScript is the script to which the channel funds
	// should be paid when mutually closing the channel.
	UpfrontShutdownScript DeliveryAddress
}

// MsgType returns the MessageType code which uniquely identifies this message
// as an AcceptChannel on the wire.
func (a *AcceptChannel) MsgType() MessageType {
	return MsgAcceptChannel
}

// TargetChanID returns the pending channel ID.
func (a *AcceptChannel) TargetChanID() ChannelID {
	return ChannelID(a.PendingChannelID)
}

func (a *AcceptChannel) peerMessage() {}

// FundingCreated is sent from Alice (the initiator) to Bob (the responder),
// once Alice receives Bob's contributions as well as his channel constraints.
// Once bob receives this message, he'll gain access to an immediately
// broadcastable commitment transaction and will reply with a signature for
// Alice's version of the commitment transaction.
type FundingCreated struct {
	// PendingChannelID serves to uniquely identify the future channel
	// created by the initiated single funder workflow.
	PendingChannelID [32]byte

	// FundingPoint is the outpoint of the funding transaction created by
	// Alice. With this, Bob is able to generate both his version and
	// Alice's version of the commitment transaction.
	FundingPoint wire.OutPoint

	// CommitSig is Alice's signature from Bob's version of the commitment
	// transaction.
	CommitSig Sig
}

// MsgType returns the uint32 code which uniquely identifies this message as a
// FundingCreated on the wire.
func (f *FundingCreated) MsgType() MessageType {
	return MsgFundingCreated
}

// TargetChanID returns the pending channel ID.
func (f *FundingCreated) TargetChanID() ChannelID {
	return ChannelID(f.PendingChannelID)
}

func (f *FundingCreated) peerMessage() {}

// FundingSigned is sent from Bob (the responder) to Alice (the initiator)
// after receiving the funding outpoint and her signature for Bob's version of
// the commitment transaction.
type FundingSigned struct {
	// ChanID is the permanent channel ID generated from the funding
	// outpoint.
	ChanID ChannelID

	// CommitSig is Bob's signature for Alice's version of the commitment
	// transaction.
	CommitSig Sig
}

// MsgType returns the uint32 code which uniquely identifies this message as a
// FundingSigned on the wire.
func (f *FundingSigned) MsgType() MessageType {
	return MsgFundingSigned
}

// TargetChanID returns the permanent channel ID.
func (f *FundingSigned) TargetChanID() ChannelID {
	return f.ChanID
}

func (f *FundingSigned) peerMessage() {}

// ChannelReady is the message that both parties to a new channel creation
// send once they have observed the funding transaction being confirmed on the
// blockchain. ChannelReady contains the signatures necessary for the channel
// participants to advertise the existence of the channel to the rest of the
// network.
type ChannelReady struct {
	// ChanID is the outpoint of the channel's funding transaction. This
	// can be used to query for the channel in the database.
	ChanID ChannelID

	// NextPerCommitmentPoint is the secret that can be used to revoke the
	// next commitment transaction for the channel.
	NextPerCommitmentPoint *btcec.PublicKey
}

// MsgType returns the uint32 code which uniquely identifies this message as a
// ChannelReady message on the wire.
func (c *ChannelReady) MsgType() MessageType {
	return MsgChannelReady
}

// TargetChanID returns the channel ID.
func (c *ChannelReady) TargetChanID() ChannelID {
	return c.ChanID
}

func (c *ChannelReady) peerMessage() {}
