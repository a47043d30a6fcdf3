package channeldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/clock"
	"go.etcd.io/bbolt"
)

const (
	dbName           = "monitor.db"
	dbFilePermission = 0600
)

// migration is a function which takes a prior outdated version of the
// database instances and mutates the key/bucket structure to arrive at a more
// up-to-date version of the database.
type migration func(tx *bbolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

var (
	// dbVersions is storing all versions of database. If current version
	// of database don't match with latest version this list will be used
	// for retrieving all migration function that are need to apply to the
	// current db.
	dbVersions = []version{
		{
			// The base DB version requires no migration.
			number:    0,
			migration: nil,
		},
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

// DB stores the monitor updates of every channel of a node. Each update is
// written durably before the messages of its transition leave the node.
type DB struct {
	*bbolt.DB
	dbPath string
	clock  clock.Clock
}

// Open opens the database in dbPath, creating it if it doesn't exist yet.
// Any necessary schemas migrations due to updates will take place as
// necessary.
func Open(dbPath string, modifiers ...OptionModifier) (*DB, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	path := filepath.Join(dbPath, dbName)
	if !fileExists(path) {
		if err := createChannelDB(dbPath, opts); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(path, dbFilePermission, opts.Bolt)
	if err != nil {
		return nil, err
	}

	chanDB := &DB{
		DB:     bdb,
		dbPath: dbPath,
		clock:  opts.Clock,
	}

	// Synchronize the version of database and apply migrations if needed.
	if err := chanDB.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, err
	}

	log.Debugf("Opened monitor database at %v", path)

	return chanDB, nil
}

// Path returns the directory the database lives in.
func (d *DB) Path() string {
	return d.dbPath
}

// Wipe deletes every stored monitor update in a single transaction.
func (d *DB) Wipe() error {
	return d.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(monitorBucket)
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}

		_, err = tx.CreateBucket(monitorBucket)

		return err
	})
}

// createChannelDB creates and initializes a fresh version of the database.
// In the case that the target path has not yet been created or doesn't yet
// exist, then the path is created. Additionally, all required top-level
// buckets used within the database are created.
func createChannelDB(dbPath string, opts Options) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bbolt.Open(path, dbFilePermission, opts.Bolt)
	if err != nil {
		return err
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket(monitorBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(metaBucket); err != nil {
			return err
		}

		meta := &Meta{
			DbVersionNumber: getLatestDBVersion(dbVersions),
		}

		return putMeta(meta, tx)
	})
	if err != nil {
		bdb.Close()
		return fmt.Errorf("unable to create new channeldb: %w", err)
	}

	return bdb.Close()
}

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// syncVersions function is used for safe db version synchronization. It
// applies migration functions to the current database and recovers the
// previous state of db if at least one error/panic appeared during
// migration.
func (d *DB) syncVersions(versions []version) error {
	meta, err := d.FetchMeta()
	if err != nil {
		if !errors.Is(err, ErrMetaNotFound) {
			return err
		}
		meta = &Meta{}
	}

	// If the current database version matches the latest version number,
	// then we don't need to perform any migrations.
	latestVersion := getLatestDBVersion(versions)
	switch {
	case meta.DbVersionNumber == latestVersion:
		return nil

	case meta.DbVersionNumber > latestVersion:
		return fmt.Errorf("%w: db version %d, latest known %d",
			ErrDBReversion, meta.DbVersionNumber, latestVersion)
	}

	// Otherwise, we fetch the migrations which need to applied, and
	// execute them serially within a single database transaction to
	// ensure the migration is atomic.
	migrations := getMigrationsToApply(versions, meta.DbVersionNumber)
	log.Infof("Performing database schema migration from version %d to %d",
		meta.DbVersionNumber, latestVersion)

	return d.Update(func(tx *bbolt.Tx) error {
		for _, migration := range migrations {
			if migration == nil {
				continue
			}

			if err := migration(tx); err != nil {
				return err
			}
		}

		meta.DbVersionNumber = latestVersion

		return putMeta(meta, tx)
	})
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// getMigrationsToApply retrieves the migration function that should be
// applied to the database.
func getMigrationsToApply(versions []version, version uint32) []migration {
	migrations := make([]migration, 0, len(versions))

	for _, v := range versions {
		if v.number > version {
			migrations = append(migrations, v.migration)
		}
	}

	return migrations
}
