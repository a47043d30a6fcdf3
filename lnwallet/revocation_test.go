package lnwallet

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/stretchr/testify/require"
)

func newTestRevocationManager(seed byte) *RevocationKeyManager {
	root := chainhash.Hash(sha256.Sum256([]byte{seed, 'r'}))

	return NewRevocationKeyManager(shachain.NewRevocationProducer(root))
}

// TestRevocationCommitPointDeterministic checks that commitment points only
// depend on the producer seed and the height.
func TestRevocationCommitPointDeterministic(t *testing.T) {
	t.Parallel()

	a := newTestRevocationManager(1)
	b := newTestRevocationManager(1)
	other := newTestRevocationManager(2)

	for height := uint64(0); height < 5; height++ {
		pointA, err := a.CommitPoint(height)
		require.NoError(t, err)
		pointB, err := b.CommitPoint(height)
		require.NoError(t, err)
		require.True(t, pointA.IsEqual(pointB))

		secret, err := a.CommitSecret(height)
		require.NoError(t, err)
		require.True(t, pointA.IsEqual(
			input.ComputeCommitmentPoint(secret[:]),
		))

		otherPoint, err := other.CommitPoint(height)
		require.NoError(t, err)
		require.False(t, pointA.IsEqual(otherPoint))
	}
}

// TestRevocationRevealOrder checks that secrets are only revealed in order
// and once the next commitment exists.
func TestRevocationRevealOrder(t *testing.T) {
	t.Parallel()

	r := newTestRevocationManager(1)
	require.True(t, r.LastRevealed().IsNone())

	// Commitment 1 doesn't exist yet.
	_, _, err := r.Reveal(0, 0)
	require.ErrorIs(t, err, ErrPrematureRevocation)
	require.True(t, r.LastRevealed().IsNone())

	// Heights can't be skipped.
	_, _, err = r.Reveal(1, 2)
	require.ErrorIs(t, err, ErrPrematureRevocation)

	secret, nextPoint, err := r.Reveal(0, 1)
	require.NoError(t, err)

	expectedSecret, err := r.CommitSecret(0)
	require.NoError(t, err)
	require.Equal(t, expectedSecret, secret)

	expectedPoint, err := r.CommitPoint(2)
	require.NoError(t, err)
	require.True(t, expectedPoint.IsEqual(nextPoint))
	require.Equal(t, uint64(0), r.LastRevealed().UnwrapOr(99))

	// Revealing the same height twice isn't allowed either.
	_, _, err = r.Reveal(0, 1)
	require.ErrorIs(t, err, ErrPrematureRevocation)

	_, _, err = r.Reveal(1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), r.LastRevealed().UnwrapOr(99))
}

// TestRevocationReceive checks that revealed remote secrets are validated
// against the points we signed with.
func TestRevocationReceive(t *testing.T) {
	t.Parallel()

	local := newTestRevocationManager(1)
	remote := newTestRevocationManager(2)

	secret, nextPoint, err := remote.Reveal(0, 1)
	require.NoError(t, err)

	// Without a remote point there is nothing to revoke.
	err = local.ReceiveRevocation(*secret, nextPoint)
	require.ErrorIs(t, err, ErrOutOfOrder)

	point0, err := remote.CommitPoint(0)
	require.NoError(t, err)
	point1, err := remote.CommitPoint(1)
	require.NoError(t, err)
	local.SetRemotePoints(point0, point1)

	// A secret for another height is refused without shifting the
	// window.
	wrong, err := remote.CommitSecret(5)
	require.NoError(t, err)
	err = local.ReceiveRevocation(*wrong, nextPoint)
	require.ErrorIs(t, err, ErrRevocationMismatch)
	require.True(t, local.RemoteCurrentPoint().IsEqual(point0))

	// Neither is the secret of the commitment that was just signed.
	early, err := remote.CommitSecret(1)
	require.NoError(t, err)
	err = local.ReceiveRevocation(*early, nextPoint)
	require.ErrorIs(t, err, ErrPrematureRevocation)
	require.True(t, local.RemoteCurrentPoint().IsEqual(point0))

	err = local.ReceiveRevocation(*secret, nil)
	require.ErrorIs(t, err, ErrRevocationMismatch)

	require.NoError(t, local.ReceiveRevocation(*secret, nextPoint))
	require.True(t, local.RemoteCurrentPoint().IsEqual(point1))
	require.True(t, local.RemoteNextPoint().IsEqual(nextPoint))

	stored, err := local.RemoteSecret(0)
	require.NoError(t, err)
	require.Equal(t, secret, stored)

	// The next secret continues the chain.
	secret1, nextPoint, err := remote.Reveal(1, 2)
	require.NoError(t, err)
	require.NoError(t, local.ReceiveRevocation(*secret1, nextPoint))

	stored, err = local.RemoteSecret(1)
	require.NoError(t, err)
	require.Equal(t, secret1, stored)
}
