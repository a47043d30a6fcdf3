package lntypes

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the size of a payment hash.
	HashSize = 32

	// PreimageSize is the size of a payment preimage.
	PreimageSize = 32
)

// Hash is the sha256 payment hash an HTLC is locked to.
type Hash [HashSize]byte

// String returns the Hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MakeHash returns a new Hash from a byte slice.
func MakeHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length of %v, want %v",
			len(b), HashSize)
	}
	copy(h[:], b)

	return h, nil
}

// Preimage is the secret that unlocks an HTLC.
type Preimage [PreimageSize]byte

// String returns the Preimage as a hexadecimal string.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// RandomPreimage returns a preimage read from crypto/rand.
func RandomPreimage() (Preimage, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, err
	}

	return p, nil
}

// MakePreimageFromStr parses a hex encoded preimage.
func MakePreimageFromStr(s string) (Preimage, error) {
	var p Preimage

	b, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(b) != PreimageSize {
		return p, fmt.Errorf("invalid preimage length of %v, want %v",
			len(b), PreimageSize)
	}
	copy(p[:], b)

	return p, nil
}

// Hash returns the payment hash of the preimage.
func (p Preimage) Hash() Hash {
	return Hash(sha256.Sum256(p[:]))
}

// Matches returns whether this preimage unlocks the given payment hash.
func (p Preimage) Matches(h Hash) bool {
	return h == p.Hash()
}
