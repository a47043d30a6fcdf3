package lnwire

import "github.com/btcsuite/btcd/btcutil"

// Shutdown is sent by either side in order to initiate the cooperative closure
// of a channel. This message is sparse as both sides implicitly have the
// information necessary to construct a transaction that will send the settled
// funds of both parties to the final delivery addresses negotiated during the
// funding workflow.
type Shutdown struct {
	// ChannelID serves to identify which channel is to be closed.
	ChannelID ChannelID

	// Address is the script to which the channel funds will be paid.
	Address DeliveryAddress
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
func (s *Shutdown) MsgType() MessageType {
	return MsgShutdown
}

// TargetChanID returns the channel ID.
func (s *Shutdown) TargetChanID() ChannelID {
	return s.ChannelID
}

func (s *Shutdown) peerMessage() {}

// ClosingSigned is sent by both parties to a channel once the channel is clear
// of HTLCs, and is primarily concerned with negotiating fees for the close
// transaction. Each party provides a signature for a transaction with a fee
// that they believe is fair. The process terminates when both sides agree on
// the same fee, or when one side force closes the channel.
type ClosingSigned struct {
	// ChannelID serves to identify which channel is to be closed.
	ChannelID ChannelID

	// FeeSatoshis is the total fee in satoshis that the party to the
	// channel would like to propose for the close transaction.
	FeeSatoshis btcutil.Amount

	// Signature is for the proposed channel close transaction.
	Signature Sig
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
func (c *ClosingSigned) MsgType() MessageType {
	return MsgClosingSigned
}

// TargetChanID returns the channel ID.
func (c *ClosingSigned) TargetChanID() ChannelID {
	return c.ChannelID
}

func (c *ClosingSigned) peerMessage() {}

// Error represents a generic error bound to an exact channel. The message
// format is purposefully general in order to allow expression of a wide array
// of possible errors.
type Error struct {
	// ChanID references the active channel in which the error occurred
	// within.
	ChanID ChannelID

	// Data is the attached error data that describes the exact failure
	// which caused the error message to be sent.
	Data []byte
}

// Error returns the string representation of the error.
func (c *Error) Error() string {
	return "chan_id=" + c.ChanID.String() + ", err=" + string(c.Data)
}

// MsgType returns the integer uniquely identifying an Error message on the
// wire.
func (c *Error) MsgType() MessageType {
	return MsgError
}

// TargetChanID returns the channel ID.
func (c *Error) TargetChanID() ChannelID {
	return c.ChanID
}

func (c *Error) peerMessage() {}
