package lnwire

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/lightningnetwork/lnchan/input"
)

// ErrSigIsZero is returned when a blank signature is converted back into an
// ECDSA signature.
var ErrSigIsZero = errors.New("signature is all zeroes")

// Sig is a fixed-sized ECDSA signature. Unlike Bitcoin, we use fixed sized
// signatures on the wire, instead of DER encoded signatures. The first 32
// bytes are the big-endian R value, and the last 32 the big-endian S value.
type Sig [64]byte

// NewSigFromSignature creates a new signature as used on the wire, from an
// existing input.Signature.
func NewSigFromSignature(sig input.Signature) (Sig, error) {
	var b Sig
	if sig == nil {
		return b, fmt.Errorf("cannot decode empty signature")
	}

	ecSig, err := ecdsa.ParseDERSignature(sig.Serialize())
	if err != nil {
		return b, fmt.Errorf("unable to parse signature: %w", err)
	}

	r := ecSig.R()
	s := ecSig.S()
	r.PutBytesUnchecked(b[:32])
	s.PutBytesUnchecked(b[32:])

	return b, nil
}

// ToSignature converts the fixed-sized signature to an ECDSA signature that
// can be verified against a sighash.
func (b *Sig) ToSignature() (*ecdsa.Signature, error) {
	if b.IsZero() {
		return nil, ErrSigIsZero
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(b[:32]); overflow {
		return nil, fmt.Errorf("signature R is >= curve order")
	}
	if overflow := s.SetByteSlice(b[32:]); overflow {
		return nil, fmt.Errorf("signature S is >= curve order")
	}

	return ecdsa.NewSignature(&r, &s), nil
}

// IsZero returns true if the signature has not been populated.
func (b *Sig) IsZero() bool {
	return *b == Sig{}
}
