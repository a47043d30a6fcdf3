package channeldb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwire"
	"go.etcd.io/bbolt"
)

var (
	// monitorBucket holds one sub-bucket per channel, keyed by channel
	// id. Each channel bucket maps a big endian sequence number to a
	// stored monitor update.
	//
	// monitor-updates
	//    |
	//    |-- <chan_id>
	//    |      |-- <seq>: <timestamp> || zstd(<monitor update>)
	//    |      |-- ...
	monitorBucket = []byte("monitor-updates")

	// Snapshots are mostly repeated keys and amounts, so each update is
	// compressed before it is written.
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// StoredUpdate is a monitor update as it was written to disk.
type StoredUpdate struct {
	lnwallet.MonitorUpdate

	// Seq is the position of the update in its channel's history.
	Seq uint64

	// Timestamp is the time the update was written.
	Timestamp time.Time
}

// PutMonitorUpdates durably appends updates to the history of their
// channels, all within a single transaction.
func (d *DB) PutMonitorUpdates(updates ...lnwallet.MonitorUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	now := d.clock.Now()

	return d.Update(func(tx *bbolt.Tx) error {
		monitors, err := tx.CreateBucketIfNotExists(monitorBucket)
		if err != nil {
			return err
		}

		for i := range updates {
			update := &updates[i]

			chanBucket, err := monitors.CreateBucketIfNotExists(
				update.ChanID[:],
			)
			if err != nil {
				return err
			}

			seq, err := chanBucket.NextSequence()
			if err != nil {
				return err
			}

			value, err := encodeStoredUpdate(update, now)
			if err != nil {
				return err
			}

			var key [8]byte
			byteOrder.PutUint64(key[:], seq)
			if err := chanBucket.Put(key[:], value); err != nil {
				return err
			}
		}

		return nil
	})
}

// FetchMonitorUpdates returns the full update history of a channel, oldest
// first.
func (d *DB) FetchMonitorUpdates(
	chanID lnwire.ChannelID) ([]*StoredUpdate, error) {

	var updates []*StoredUpdate
	err := d.View(func(tx *bbolt.Tx) error {
		chanBucket, err := fetchChanBucket(tx, chanID)
		if err != nil {
			return err
		}

		return chanBucket.ForEach(func(k, v []byte) error {
			update, err := decodeStoredUpdate(k, v)
			if err != nil {
				return err
			}
			updates = append(updates, update)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return updates, nil
}

// LatestUpdate returns the newest update of a channel. Its snapshot restores
// the channel exactly as it was when the update was produced.
func (d *DB) LatestUpdate(chanID lnwire.ChannelID) (*StoredUpdate, error) {
	var update *StoredUpdate
	err := d.View(func(tx *bbolt.Tx) error {
		chanBucket, err := fetchChanBucket(tx, chanID)
		if err != nil {
			return err
		}

		k, v := chanBucket.Cursor().Last()
		if k == nil {
			return ErrChannelNotFound
		}

		update, err = decodeStoredUpdate(k, v)

		return err
	})
	if err != nil {
		return nil, err
	}

	return update, nil
}

// FetchRevocation returns the revocation secret of the remote commitment at
// height, used to punish a broadcast of that commitment.
func (d *DB) FetchRevocation(chanID lnwire.ChannelID,
	height uint64) ([32]byte, error) {

	updates, err := d.FetchMonitorUpdates(chanID)
	if err != nil {
		return [32]byte{}, err
	}

	for _, update := range updates {
		if update.Kind != lnwallet.RevocationReceived ||
			update.Height != height {

			continue
		}

		secret, err := update.RevocationSecret.UnwrapOrErr(
			ErrRevocationNotFound,
		)
		if err != nil {
			return [32]byte{}, err
		}

		return secret, nil
	}

	return [32]byte{}, ErrRevocationNotFound
}

// FetchChannelIDs returns the ids of all channels with stored updates.
func (d *DB) FetchChannelIDs() ([]lnwire.ChannelID, error) {
	var chanIDs []lnwire.ChannelID
	err := d.View(func(tx *bbolt.Tx) error {
		monitors := tx.Bucket(monitorBucket)
		if monitors == nil {
			return nil
		}

		return monitors.ForEach(func(k, _ []byte) error {
			var chanID lnwire.ChannelID
			copy(chanID[:], k)
			chanIDs = append(chanIDs, chanID)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return chanIDs, nil
}

// fetchChanBucket returns the update bucket of a channel.
func fetchChanBucket(tx *bbolt.Tx,
	chanID lnwire.ChannelID) (*bbolt.Bucket, error) {

	monitors := tx.Bucket(monitorBucket)
	if monitors == nil {
		return nil, ErrChannelNotFound
	}

	chanBucket := monitors.Bucket(chanID[:])
	if chanBucket == nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelNotFound, chanID)
	}

	return chanBucket, nil
}

// encodeStoredUpdate serializes update, prefixed by the time it was written.
func encodeStoredUpdate(update *lnwallet.MonitorUpdate,
	now time.Time) ([]byte, error) {

	var b bytes.Buffer
	if err := update.Encode(&b); err != nil {
		return nil, err
	}

	value := make([]byte, 8, 8+b.Len())
	byteOrder.PutUint64(value, uint64(now.UnixNano()))

	return encoder.EncodeAll(b.Bytes(), value), nil
}

// decodeStoredUpdate reads an update written by encodeStoredUpdate. The
// returned update doesn't reference k or v.
func decodeStoredUpdate(k, v []byte) (*StoredUpdate, error) {
	if len(k) != 8 || len(v) < 8 {
		return nil, fmt.Errorf("corrupt monitor update entry")
	}

	raw, err := decoder.DecodeAll(v[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("unable to decompress monitor update: %w",
			err)
	}

	update, err := lnwallet.DecodeMonitorUpdate(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	return &StoredUpdate{
		MonitorUpdate: *update,
		Seq:           byteOrder.Uint64(k),
		Timestamp:     time.Unix(0, int64(byteOrder.Uint64(v))),
	}, nil
}
