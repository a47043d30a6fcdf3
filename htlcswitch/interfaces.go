package htlcswitch

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwire"
)

// Peer is the connection to the remote party of a link.
type Peer interface {
	// SendMessage sends msgs to the remote party, in order.
	SendMessage(msgs ...lnwire.Message) error
}

// MonitorStore durably records the monitor updates of a channel.
type MonitorStore interface {
	// PutMonitorUpdates writes updates atomically. Once it returns, the
	// updates must survive a crash.
	PutMonitorUpdates(updates ...lnwallet.MonitorUpdate) error
}

// ChainIO carries out the on-chain side effects of a channel.
type ChainIO interface {
	// PublishTransaction broadcasts tx.
	PublishTransaction(tx *wire.MsgTx, label string) error

	// CreateFundingTx builds a transaction paying req.Amount to
	// req.PkScript and returns it with the index of that output.
	CreateFundingTx(req lnwallet.RequestFunding) (*wire.MsgTx, uint32,
		error)
}
