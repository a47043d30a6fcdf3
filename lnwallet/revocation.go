package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnchan/input"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// RevocationKeyManager owns both directions of the revocation ratchet. Our
// own per-commitment secrets are generated on demand by a shachain producer,
// the secrets the remote party reveals are kept in a compact shachain store.
//
// Secrets for our commitment N may only be released after commitment N+1
// exists, and strictly in order.
type RevocationKeyManager struct {
	producer shachain.Producer

	store *shachain.RevocationStore

	// lastRevealed is the height of the last of our commitments whose
	// secret we handed out.
	lastRevealed fn.Option[uint64]

	// remoteCurrentPoint is the point of the remote party's current,
	// unrevoked commitment.
	remoteCurrentPoint *btcec.PublicKey

	// remoteNextPoint is the point we'll use for the next remote
	// commitment we sign.
	remoteNextPoint *btcec.PublicKey
}

// NewRevocationKeyManager creates a manager around our secret producer.
func NewRevocationKeyManager(
	producer shachain.Producer) *RevocationKeyManager {

	return &RevocationKeyManager{
		producer:     producer,
		store:        shachain.NewRevocationStore(),
		lastRevealed: fn.None[uint64](),
	}
}

// CommitSecret returns our per-commitment secret for height.
func (r *RevocationKeyManager) CommitSecret(height uint64) (*chainhash.Hash,
	error) {

	return r.producer.AtIndex(height)
}

// CommitPoint returns our per-commitment point for height. It is a pure
// function of the producer seed and the height.
func (r *RevocationKeyManager) CommitPoint(height uint64) (*btcec.PublicKey,
	error) {

	secret, err := r.CommitSecret(height)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(secret[:]), nil
}

// Reveal releases the secret of our commitment at height, given the height of
// our newest commitment. It also returns our point for height+2, which the
// remote party needs to sign the commitment after the next one.
func (r *RevocationKeyManager) Reveal(height,
	localTip uint64) (*chainhash.Hash, *btcec.PublicKey, error) {

	expected := fn.MapOption(func(last uint64) uint64 {
		return last + 1
	})(r.lastRevealed).UnwrapOr(0)

	switch {
	case height != expected:
		return nil, nil, fmt.Errorf("%w: revealing height %d, next "+
			"revocable height is %d", ErrPrematureRevocation,
			height, expected)

	case localTip < height+1:
		return nil, nil, fmt.Errorf("%w: commitment %d doesn't exist "+
			"yet, tip is %d", ErrPrematureRevocation, height+1,
			localTip)
	}

	secret, err := r.CommitSecret(height)
	if err != nil {
		return nil, nil, err
	}
	nextPoint, err := r.CommitPoint(height + 2)
	if err != nil {
		return nil, nil, err
	}

	r.lastRevealed = fn.Some(height)

	return secret, nextPoint, nil
}

// LastRevealed returns the height of the last secret we revealed.
func (r *RevocationKeyManager) LastRevealed() fn.Option[uint64] {
	return r.lastRevealed
}

// SetRemotePoints installs the remote party's points for its current and next
// commitment. Either may be nil while the channel is being funded.
func (r *RevocationKeyManager) SetRemotePoints(current,
	next *btcec.PublicKey) {

	if current != nil {
		r.remoteCurrentPoint = current
	}
	if next != nil {
		r.remoteNextPoint = next
	}
}

// RemoteCurrentPoint returns the point of the remote's current commitment.
func (r *RevocationKeyManager) RemoteCurrentPoint() *btcec.PublicKey {
	return r.remoteCurrentPoint
}

// RemoteNextPoint returns the point for the next remote commitment.
func (r *RevocationKeyManager) RemoteNextPoint() *btcec.PublicKey {
	return r.remoteNextPoint
}

// ReceiveRevocation processes a secret revealed by the remote party for its
// current commitment. The secret must derive to the point we used for that
// commitment and must be consistent with all earlier secrets. On success the
// point window shifts by one, with next becoming the newest point.
func (r *RevocationKeyManager) ReceiveRevocation(secret [32]byte,
	next *btcec.PublicKey) error {

	if r.remoteCurrentPoint == nil {
		return fmt.Errorf("%w: no remote commitment point",
			ErrOutOfOrder)
	}
	if next == nil {
		return fmt.Errorf("%w: missing next commitment point",
			ErrRevocationMismatch)
	}

	derived := input.ComputeCommitmentPoint(secret[:])

	// The secret of the newest remote commitment may only be revealed
	// once a commitment after it exists.
	if r.remoteNextPoint != nil && derived.IsEqual(r.remoteNextPoint) {
		return fmt.Errorf("%w: secret of the newest remote commitment",
			ErrPrematureRevocation)
	}
	if !derived.IsEqual(r.remoteCurrentPoint) {
		return fmt.Errorf("%w: secret derives to %x, expected %x",
			ErrRevocationMismatch, derived.SerializeCompressed(),
			r.remoteCurrentPoint.SerializeCompressed())
	}

	hash := chainhash.Hash(secret)
	if err := r.store.AddNextEntry(&hash); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationMismatch, err)
	}

	r.remoteCurrentPoint = r.remoteNextPoint
	r.remoteNextPoint = next

	return nil
}

// RemoteSecret returns the secret the remote party revealed for its
// commitment at height.
func (r *RevocationKeyManager) RemoteSecret(height uint64) (*chainhash.Hash,
	error) {

	return r.store.LookUp(height)
}
