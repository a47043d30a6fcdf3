package shachain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrStoreExhausted is returned when more secrets are inserted than the
// shachain can index.
var ErrStoreExhausted = errors.New("revocation store is full")

// Store is the receiving side of the revocation ratchet. It keeps the
// secrets revealed by the counterparty in O(log N) space and can recompute
// any of them on demand.
type Store interface {
	// LookUp returns the previously inserted secret for the given
	// commitment number.
	LookUp(uint64) (*chainhash.Hash, error)

	// AddNextEntry inserts the secret for the next commitment number.
	//
	// NOTE: Secrets MUST be inserted in the order they were produced.
	AddNextEntry(*chainhash.Hash) error

	// Encode writes a binary serialization of the store to the passed
	// io.Writer.
	Encode(io.Writer) error
}

// RevocationStore implements the compact secret storage described in
// BOLT-03. Bucket i holds the most recent element whose index has i trailing
// zeros, which is enough to derive every secret inserted so far.
type RevocationStore struct {
	// lenBuckets stores the number of currently active buckets.
	lenBuckets uint8

	buckets [maxHeight]element

	// index is the shachain index the next inserted element receives.
	index index
}

// A compile time check to ensure RevocationStore implements the Store
// interface.
var _ Store = (*RevocationStore)(nil)

// NewRevocationStore creates an empty store.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		index: startIndex,
	}
}

// NewRevocationStoreFromBytes recreates a store from the representation
// written by Encode.
func NewRevocationStoreFromBytes(r io.Reader) (*RevocationStore, error) {
	store := &RevocationStore{}

	err := binary.Read(r, binary.BigEndian, &store.lenBuckets)
	if err != nil {
		return nil, err
	}
	if store.lenBuckets > maxHeight {
		return nil, fmt.Errorf("invalid bucket count %d",
			store.lenBuckets)
	}

	for i := uint8(0); i < store.lenBuckets; i++ {
		var e element
		if err := binary.Read(r, binary.BigEndian, &e.index); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, e.hash[:]); err != nil {
			return nil, err
		}

		store.buckets[i] = e
	}

	if err := binary.Read(r, binary.BigEndian, &store.index); err != nil {
		return nil, err
	}

	return store, nil
}

// LookUp returns the secret for commitment number v if it can be derived
// from one of the stored buckets.
//
// NOTE: This function is part of the Store interface.
func (store *RevocationStore) LookUp(v uint64) (*chainhash.Hash, error) {
	ind := newIndex(v)

	for i := uint8(0); i < store.lenBuckets; i++ {
		e, err := store.buckets[i].derive(ind)
		if err != nil {
			continue
		}

		return &e.hash, nil
	}

	return nil, fmt.Errorf("unable to derive secret #%v", v)
}

// AddNextEntry inserts the next secret. The secret must be able to derive
// every element in the lower buckets, otherwise the counterparty handed out
// a secret that does not belong to its chain.
//
// NOTE: This function is part of the Store interface.
func (store *RevocationStore) AddNextEntry(hash *chainhash.Hash) error {
	if store.index == rootIndex {
		return ErrStoreExhausted
	}

	newElement := &element{
		index: store.index,
		hash:  *hash,
	}

	bucket := countTrailingZeros(newElement.index)
	for i := uint8(0); i < bucket; i++ {
		e, err := newElement.derive(store.buckets[i].index)
		if err != nil {
			return err
		}

		if !e.isEqual(&store.buckets[i]) {
			return errors.New("hash isn't derivable from " +
				"previous ones")
		}
	}

	store.buckets[bucket] = *newElement
	if bucket+1 > store.lenBuckets {
		store.lenBuckets = bucket + 1
	}

	store.index--

	return nil
}

// Encode writes a binary serialization of the store to w.
//
// NOTE: This function is part of the Store interface.
func (store *RevocationStore) Encode(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, store.lenBuckets)
	if err != nil {
		return err
	}

	for i := uint8(0); i < store.lenBuckets; i++ {
		e := store.buckets[i]

		err := binary.Write(w, binary.BigEndian, e.index)
		if err != nil {
			return err
		}

		if _, err = w.Write(e.hash[:]); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.BigEndian, store.index)
}
