package lnwallet

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// MonitorUpdateKind is the state change a MonitorUpdate records.
type MonitorUpdateKind uint8

const (
	// NewLocalCommitment records a new commitment of ours, signed by the
	// remote party.
	NewLocalCommitment MonitorUpdateKind = iota

	// NewRemoteCommitment records a new commitment of the remote party
	// that we signed.
	NewRemoteCommitment

	// RevocationReceived records a revocation secret of a prior remote
	// commitment.
	RevocationReceived

	// CloseAgreed records a fully signed cooperative close.
	CloseAgreed

	// ForceClosed records the broadcast of our latest commitment.
	ForceClosed
)

// String returns the name of the kind.
func (k MonitorUpdateKind) String() string {
	switch k {
	case NewLocalCommitment:
		return "NewLocalCommitment"
	case NewRemoteCommitment:
		return "NewRemoteCommitment"
	case RevocationReceived:
		return "RevocationReceived"
	case CloseAgreed:
		return "CloseAgreed"
	case ForceClosed:
		return "ForceClosed"
	default:
		return fmt.Sprintf("<unknown:%d>", uint8(k))
	}
}

const (
	monitorChanIDType     tlv.Type = 0
	monitorKindType       tlv.Type = 1
	monitorHeightType     tlv.Type = 2
	monitorCommitTxType   tlv.Type = 3
	monitorRevocationType tlv.Type = 4
	monitorSnapshotType   tlv.Type = 5
)

// MonitorUpdate is a record that must be durably stored before the messages
// of the same transition are sent. Together the records let a watcher punish
// revoked commitments, and the latest snapshot restores the channel exactly.
type MonitorUpdate struct {
	// ChanID is the channel the update belongs to.
	ChanID lnwire.ChannelID

	// Kind is the state change being recorded.
	Kind MonitorUpdateKind

	// Height is the commitment number the update refers to.
	Height uint64

	// CommitTx is the commitment or closing transaction, if any.
	CommitTx *wire.MsgTx

	// RevocationSecret is the secret of a revoked remote commitment.
	RevocationSecret fn.Option[[32]byte]

	// Snapshot is the serialized channel state after the transition.
	Snapshot []byte
}

// Encode serializes the update as a TLV stream.
func (m *MonitorUpdate) Encode(w io.Writer) error {
	chanID := [32]byte(m.ChanID)
	kind := uint8(m.Kind)
	height := m.Height

	var commitTx []byte
	if m.CommitTx != nil {
		var b bytes.Buffer
		if err := m.CommitTx.Serialize(&b); err != nil {
			return err
		}
		commitTx = b.Bytes()
	}
	snapshot := m.Snapshot

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(monitorChanIDType, &chanID),
		tlv.MakePrimitiveRecord(monitorKindType, &kind),
		tlv.MakePrimitiveRecord(monitorHeightType, &height),
		tlv.MakePrimitiveRecord(monitorCommitTxType, &commitTx),
	}

	var secret [32]byte
	m.RevocationSecret.WhenSome(func(s [32]byte) {
		secret = s
		records = append(records, tlv.MakePrimitiveRecord(
			monitorRevocationType, &secret,
		))
	})
	records = append(records, tlv.MakePrimitiveRecord(
		monitorSnapshotType, &snapshot,
	))

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeMonitorUpdate reads an update written by Encode.
func DecodeMonitorUpdate(r io.Reader) (*MonitorUpdate, error) {
	var (
		chanID   [32]byte
		kind     uint8
		height   uint64
		commitTx []byte
		secret   [32]byte
		snapshot []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(monitorChanIDType, &chanID),
		tlv.MakePrimitiveRecord(monitorKindType, &kind),
		tlv.MakePrimitiveRecord(monitorHeightType, &height),
		tlv.MakePrimitiveRecord(monitorCommitTxType, &commitTx),
		tlv.MakePrimitiveRecord(monitorRevocationType, &secret),
		tlv.MakePrimitiveRecord(monitorSnapshotType, &snapshot),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}

	update := &MonitorUpdate{
		ChanID:           lnwire.ChannelID(chanID),
		Kind:             MonitorUpdateKind(kind),
		Height:           height,
		RevocationSecret: fn.None[[32]byte](),
		Snapshot:         snapshot,
	}
	if _, ok := parsed[monitorRevocationType]; ok {
		update.RevocationSecret = fn.Some(secret)
	}
	if len(commitTx) != 0 {
		update.CommitTx = &wire.MsgTx{}
		err := update.CommitTx.Deserialize(bytes.NewReader(commitTx))
		if err != nil {
			return nil, fmt.Errorf("unable to decode commit tx: %w",
				err)
		}
	}

	return update, nil
}
