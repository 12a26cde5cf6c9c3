// Package accounting persists an observational per-channel transfer
// record when a server-side channel closes: who asked for what, how
// long it lived, and how many bytes moved each way. No protocol
// behavior depends on this; it exists purely so an operator can answer
// "what did this tunnel do" after the fact. Disabled unless
// Config.AccountingPath is set.
package accounting

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Record is one closed channel's lifetime summary.
type Record struct {
	UserID     uint32    `json:"user_id"`
	RemoteID   uint32    `json:"remote_id"`
	TargetAddr string    `json:"target_addr"`
	BytesUp    int64     `json:"bytes_up"`
	BytesDown  int64     `json:"bytes_down"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Store is a pebble-backed append-only log of Records, keyed by
// ClosedAt so a range scan yields them in close order.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "accounting: open %s", path)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "accounting: close")
}

// recordKey encodes a sortable key: closed_at (unix nano, big-endian)
// followed by the user id, so concurrent closes in the same instant
// still produce distinct keys.
func recordKey(r Record) []byte {
	key := make([]byte, 8+4)
	binary.BigEndian.PutUint64(key[:8], uint64(r.ClosedAt.UnixNano()))
	binary.BigEndian.PutUint32(key[8:], r.UserID)
	return key
}

// Append persists r.
func (s *Store) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "accounting: marshal record")
	}
	if err := s.db.Set(recordKey(r), data, pebble.Sync); err != nil {
		return errors.Wrap(err, "accounting: write record")
	}
	return nil
}

// Recent returns up to limit most-recently-closed records, newest
// first.
func (s *Store) Recent(limit int) ([]Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "accounting: new iterator")
	}
	defer iter.Close()

	var out []Record
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, errors.Wrap(err, "accounting: unmarshal record")
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "accounting: iterate")
	}
	return out, nil
}
