package shachain

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Producer is the sending side of the revocation ratchet. Each commitment
// number maps to one secret, and every secret handed out so far can be
// recomputed from the root alone.
type Producer interface {
	// AtIndex returns the secret for the given commitment number.
	AtIndex(uint64) (*chainhash.Hash, error)

	// Encode writes the root of the producer to the passed io.Writer.
	Encode(io.Writer) error
}

// RevocationProducer derives per-commitment secrets from a single 32-byte
// seed using the shachain construction. Secrets are released in ascending
// commitment order, which corresponds to descending shachain indexes.
type RevocationProducer struct {
	root *element
}

// A compile time check to ensure RevocationProducer implements the Producer
// interface.
var _ Producer = (*RevocationProducer)(nil)

// NewRevocationProducer creates a new producer rooted at the given seed.
func NewRevocationProducer(root chainhash.Hash) *RevocationProducer {
	return &RevocationProducer{
		root: &element{
			index: rootIndex,
			hash:  root,
		},
	}
}

// NewRevocationProducerFromBytes recreates a producer from the 32-byte root
// written by Encode.
func NewRevocationProducerFromBytes(data []byte) (*RevocationProducer,
	error) {

	root, err := chainhash.NewHash(data)
	if err != nil {
		return nil, fmt.Errorf("invalid producer root: %w", err)
	}

	return NewRevocationProducer(*root), nil
}

// AtIndex returns the secret for commitment number v.
//
// NOTE: Part of the Producer interface.
func (p *RevocationProducer) AtIndex(v uint64) (*chainhash.Hash, error) {
	if v > uint64(startIndex) {
		return nil, fmt.Errorf("commitment number %d exceeds the "+
			"shachain capacity", v)
	}

	e, err := p.root.derive(newIndex(v))
	if err != nil {
		return nil, err
	}

	return &e.hash, nil
}

// Encode writes the root of the producer to w.
//
// NOTE: Part of the Producer interface.
func (p *RevocationProducer) Encode(w io.Writer) error {
	_, err := w.Write(p.root.hash[:])
	return err
}
