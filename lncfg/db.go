package lncfg

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// DefaultDBTimeout is how long we wait for the file lock of a monitor
	// database.
	DefaultDBTimeout = 60 * time.Second
)

// DB holds the options of the bbolt databases monitor updates are written
// to.
//
//nolint:ll
type DB struct {
	NoFreelistSync bool          `long:"nofreelistsync" description:"Whether the databases should sync their freelist to disk."`
	Timeout        time.Duration `long:"timeout" description:"How long to wait for the lock of a database file."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		NoFreelistSync: true,
		Timeout:        DefaultDBTimeout,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Timeout < 0 {
		return fmt.Errorf("db timeout must not be negative")
	}

	return nil
}

// BoltOptions returns the options to open a database with.
func (db *DB) BoltOptions() *bbolt.Options {
	return &bbolt.Options{
		NoFreelistSync: db.NoFreelistSync,
		FreelistType:   bbolt.FreelistMapType,
		Timeout:        db.Timeout,
	}
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
