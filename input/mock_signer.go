package input

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
)

// MockSigner is a simple implementation of the Signer interface that holds
// its private keys in memory. It is used by tests and by the channel
// simulator.
type MockSigner struct {
	Privkeys []*btcec.PrivateKey
}

// A compile time check to ensure MockSigner implements the Signer interface.
var _ Signer = (*MockSigner)(nil)

// NewMockSigner returns a signer holding the given private keys.
func NewMockSigner(privKeys ...*btcec.PrivateKey) *MockSigner {
	return &MockSigner{Privkeys: privKeys}
}

// SignOutputRaw generates a signature for the passed transaction according
// to the data within the passed SignDescriptor.
func (m *MockSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	privKey := m.findKey(signDesc.KeyDesc.PubKey)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not know key %x",
			signDesc.KeyDesc.PubKey.SerializeCompressed())
	}

	if len(signDesc.SingleTweak) != 0 {
		privKey = TweakPrivKey(privKey, signDesc.SingleTweak)
	}

	sigHash, err := signDesc.SigHash(tx)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(privKey, sigHash), nil
}

// findKey searches through all stored private keys and returns one
// corresponding to the passed pubkey, or nil if none is known.
func (m *MockSigner) findKey(needle *btcec.PublicKey) *btcec.PrivateKey {
	if needle == nil {
		return nil
	}

	for _, privkey := range m.Privkeys {
		if privkey.PubKey().IsEqual(needle) {
			return privkey
		}
	}

	return nil
}
