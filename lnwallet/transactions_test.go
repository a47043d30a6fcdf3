package lnwallet

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestStateNumHint checks that every encodable state number survives a round
// trip through a commitment's locktime and sequence.
func TestStateNumHint(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		var obfuscator [StateHintSize]byte
		copy(obfuscator[:], rapid.SliceOfN(
			rapid.Byte(), StateHintSize, StateHintSize,
		).Draw(rt, "obfuscator"))

		stateNum := rapid.Uint64Range(0, maxStateHint).Draw(rt, "state")

		tx := wire.NewMsgTx(2)
		tx.AddTxIn(&wire.TxIn{})

		require.NoError(rt, SetStateNumHint(tx, stateNum, obfuscator))
		require.Equal(rt, stateNum, GetStateNumHint(tx, obfuscator))

		// The locktime always reads as a timestamp in the past and
		// relative locks stay disabled.
		require.NotZero(rt, tx.LockTime&TimelockShift)
		require.NotZero(rt, tx.TxIn[0].Sequence&
			wire.SequenceLockTimeDisabled)
	})
}

// TestStateNumHintInvalid checks the inputs SetStateNumHint refuses.
func TestStateNumHintInvalid(t *testing.T) {
	t.Parallel()

	var obfuscator [StateHintSize]byte

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{})
	require.Error(t, SetStateNumHint(tx, maxStateHint+1, obfuscator))

	tx.AddTxIn(&wire.TxIn{})
	require.Error(t, SetStateNumHint(tx, 1, obfuscator))
}
