package channeldb

import (
	"go.etcd.io/bbolt"
)

var (
	// metaBucket stores all the meta information concerning the state of
	// the database.
	metaBucket = []byte("metadata")

	// dbVersionKey is a boltdb key and it's used for storing/retrieving
	// current database version.
	dbVersionKey = []byte("dbp")
)

// Meta structure holds the database meta information.
type Meta struct {
	// DbVersionNumber is the current schema version of the database.
	DbVersionNumber uint32
}

// FetchMeta fetches the meta data from boltdb and returns filled meta
// structure.
func (d *DB) FetchMeta() (*Meta, error) {
	meta := &Meta{}

	err := d.View(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(metaBucket)
		if metaBucket == nil {
			return ErrMetaNotFound
		}

		data := metaBucket.Get(dbVersionKey)
		if data == nil {
			meta.DbVersionNumber = getLatestDBVersion(dbVersions)
		} else {
			meta.DbVersionNumber = byteOrder.Uint32(data)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// putMeta is an internal helper function used in order to allow callers to
// re-use a database transaction.
func putMeta(meta *Meta, tx *bbolt.Tx) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}

	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], meta.DbVersionNumber)

	return metaBucket.Put(dbVersionKey, scratch[:])
}
