package shachain

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// element is a single shachain output together with its index. An element
// can derive every element whose index shares its prefix above its trailing
// zero bits.
type element struct {
	index index
	hash  chainhash.Hash
}

// derive computes one shachain element from another by applying a series of
// bit flips and hashing operations based on the starting and ending index.
func (e *element) derive(toIndex index) (*element, error) {
	fromIndex := e.index

	positions, err := fromIndex.deriveBitTransformations(toIndex)
	if err != nil {
		return nil, err
	}

	buf := e.hash.CloneBytes()
	for _, position := range positions {
		// Flip the bit and then hash the current state.
		byteNumber := position / 8
		bitNumber := position % 8

		buf[byteNumber] ^= (1 << bitNumber)

		h := sha256.Sum256(buf)
		buf = h[:]
	}

	hash, err := chainhash.NewHash(buf)
	if err != nil {
		return nil, err
	}

	return &element{
		index: toIndex,
		hash:  *hash,
	}, nil
}

// isEqual returns true if two elements are identical and false otherwise.
func (e *element) isEqual(e2 *element) bool {
	return (e.index == e2.index) &&
		(&e.hash).IsEqual(&e2.hash)
}

const (
	// maxHeight is used to determine the maximum allowable index and the
	// length of the array required to order to derive all previous hashes
	// by index. The entries of this array as also known as buckets.
	maxHeight uint8 = 48

	// rootIndex is an index which corresponds to the root hash.
	rootIndex index = 0
)

// startIndex is the index of first element in the shachain PRF.
var startIndex index = (1 << maxHeight) - 1

// index identifies a position in the shachain. Secrets are handed out from
// startIndex downwards.
type index uint64

// newIndex maps a commitment number onto a shachain index. Commitment numbers
// grow from zero while shachain indexes shrink from startIndex.
func newIndex(v uint64) index {
	return startIndex - index(v)
}

// deriveBitTransformations returns the bit positions, highest first, that
// must be flipped (each followed by a sha256) to walk from the 'from' index to
// the 'to' index. For example 4 (0b100) reaches 4, 5, 6 and 7, while 5 (0b101)
// only reaches itself.
func (from index) deriveBitTransformations(to index) ([]uint8, error) {
	var positions []uint8

	if from == to {
		return positions, nil
	}

	// The bits above the trailing zeros of 'from' form a prefix that
	// 'to' must share, otherwise 'to' is not reachable from 'from'.
	zeros := countTrailingZeros(from)
	if uint64(from) != getPrefix(to, zeros) {
		return nil, errors.New("prefixes are different - indexes " +
			"aren't derivable")
	}

	// Every set bit of 'to' below the prefix is one flip-and-hash step.
	for position := zeros - 1; ; position-- {
		if getBit(to, position) == 1 {
			positions = append(positions, position)
		}

		if position == 0 {
			break
		}
	}

	return positions, nil
}
