package lnwire

import "fmt"

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. The numbering follows the BOLT message registry so
// logs and traces line up with other implementations.
type MessageType uint16

// The currently defined message types within this current version of the
// Lightning protocol.
const (
	MsgError             MessageType = 17
	MsgOpenChannel                   = 32
	MsgAcceptChannel                 = 33
	MsgFundingCreated                = 34
	MsgFundingSigned                 = 35
	MsgChannelReady                  = 36
	MsgShutdown                      = 38
	MsgClosingSigned                 = 39
	MsgUpdateAddHTLC                 = 128
	MsgUpdateFulfillHTLC             = 130
	MsgUpdateFailHTLC                = 131
	MsgCommitSig                     = 132
	MsgRevokeAndAck                  = 133
	MsgUpdateFee                     = 134
)

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgError:
		return "Error"
	case MsgOpenChannel:
		return "MsgOpenChannel"
	case MsgAcceptChannel:
		return "MsgAcceptChannel"
	case MsgFundingCreated:
		return "MsgFundingCreated"
	case MsgFundingSigned:
		return "MsgFundingSigned"
	case MsgChannelReady:
		return "ChannelReady"
	case MsgShutdown:
		return "Shutdown"
	case MsgClosingSigned:
		return "ClosingSigned"
	case MsgUpdateAddHTLC:
		return "UpdateAddHTLC"
	case MsgUpdateFulfillHTLC:
		return "UpdateFulfillHTLC"
	case MsgUpdateFailHTLC:
		return "UpdateFailHTLC"
	case MsgCommitSig:
		return "CommitSig"
	case MsgRevokeAndAck:
		return "RevokeAndAck"
	case MsgUpdateFee:
		return "UpdateFee"
	default:
		return fmt.Sprintf("<unknown:%d>", uint16(t))
	}
}

// Message is a decoded peer message. The set of implementations is closed:
// only the types within this package satisfy the interface, which lets the
// channel state machine dispatch on the concrete type exhaustively.
type Message interface {
	// MsgType returns the integer uniquely identifying this message type
	// on the wire.
	MsgType() MessageType

	// peerMessage seals the interface.
	peerMessage()
}

// ChannelMessage is a message that is addressed to a single channel.
type ChannelMessage interface {
	Message

	// TargetChanID returns the channel the message applies to. During
	// funding this is the pending channel ID.
	TargetChanID() ChannelID
}

// A compile time check to ensure every message implements the ChannelMessage
// interface.
var (
	_ ChannelMessage = (*Error)(nil)
	_ ChannelMessage = (*OpenChannel)(nil)
	_ ChannelMessage = (*AcceptChannel)(nil)
	_ ChannelMessage = (*FundingCreated)(nil)
	_ ChannelMessage = (*FundingSigned)(nil)
	_ ChannelMessage = (*ChannelReady)(nil)
	_ ChannelMessage = (*Shutdown)(nil)
	_ ChannelMessage = (*ClosingSigned)(nil)
	_ ChannelMessage = (*UpdateAddHTLC)(nil)
	_ ChannelMessage = (*UpdateFulfillHTLC)(nil)
	_ ChannelMessage = (*UpdateFailHTLC)(nil)
	_ ChannelMessage = (*CommitSig)(nil)
	_ ChannelMessage = (*RevokeAndAck)(nil)
	_ ChannelMessage = (*UpdateFee)(nil)
)
