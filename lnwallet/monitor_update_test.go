package lnwallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestMonitorUpdateEncoding checks that updates with and without optional
// fields decode to what was encoded.
func TestMonitorUpdateEncoding(t *testing.T) {
	t.Parallel()

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&wire.TxIn{PreviousOutPoint: testFundingOutpoint})
	commitTx.AddTxOut(wire.NewTxOut(50_000, []byte{0x00, 0x14}))

	testCases := []struct {
		name   string
		update *MonitorUpdate
	}{
		{
			name: "revocation",
			update: &MonitorUpdate{
				ChanID:           lnwire.ChannelID{0x01},
				Kind:             RevocationReceived,
				Height:           7,
				CommitTx:         commitTx,
				RevocationSecret: fn.Some([32]byte{0x02}),
				Snapshot:         []byte{0x03, 0x04},
			},
		},
		{
			name: "new local commitment",
			update: &MonitorUpdate{
				ChanID:           lnwire.ChannelID{0x05},
				Kind:             NewLocalCommitment,
				Height:           8,
				CommitTx:         commitTx,
				RevocationSecret: fn.None[[32]byte](),
				Snapshot:         []byte{0x06},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var b bytes.Buffer
			require.NoError(t, tc.update.Encode(&b))

			decoded, err := DecodeMonitorUpdate(&b)
			require.NoError(t, err)

			require.Equal(t, tc.update.ChanID, decoded.ChanID)
			require.Equal(t, tc.update.Kind, decoded.Kind)
			require.Equal(t, tc.update.Height, decoded.Height)
			require.Equal(t, tc.update.RevocationSecret,
				decoded.RevocationSecret)
			require.Equal(t, tc.update.Snapshot, decoded.Snapshot)
			require.Equal(t, tc.update.CommitTx.TxHash(),
				decoded.CommitTx.TxHash())
		})
	}
}

// TestMonitorUpdatesRestoreChannel checks that the snapshot of the last
// update of a transition restores the channel as it was after it.
func TestMonitorUpdatesRestoreChannel(t *testing.T) {
	t.Parallel()

	alice, bob := createTestChannels(t, 1_000_000, 0)
	addHTLC(t, alice, bob, 50_000, 1)

	trans := processEvent(t, alice, SignCommitment{})
	require.Len(t, trans.MonitorUpdates, 1)

	update := trans.MonitorUpdates[0]
	require.Equal(t, NewRemoteCommitment, update.Kind)
	require.Equal(t, uint64(1), update.Height)
	require.Equal(t, alice.ChanID(), update.ChanID)

	snapshot, err := alice.Snapshot()
	require.NoError(t, err)
	require.Equal(t, snapshot, update.Snapshot)

	restored, err := RestoreChannel(newTestConfig(1), update.Snapshot)
	require.NoError(t, err)

	// The restored channel picks up the dance where alice left it.
	replies := deliver(t, bob, trans.Messages...)
	require.Empty(t, deliver(t, restored, replies...))

	trans = processEvent(t, bob, SignCommitment{})
	exchange(t, bob, restored, trans.Messages...)

	require.True(t, restored.FullySynced())
	require.Equal(t,
		commitTail(t, restored, lntypes.Local).CommitTx.TxHash(),
		commitTail(t, bob, lntypes.Remote).CommitTx.TxHash(),
	)
}
