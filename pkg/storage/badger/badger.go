// Package badger persists saga snapshots in an embedded Badger database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage"
)

const snapshotPrefix = "saga:snapshot:"

// Config holds configuration for Store.
type Config struct {
	Path       string
	SyncWrites bool
	// InMemory runs Badger without a directory; used by tests and the
	// memory-backed daemon mode.
	InMemory bool
}

// Store implements saga.StateStore on top of Badger.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the snapshot database.
func NewStore(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.InMemory = cfg.InMemory
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Backend: "badger", Cause: err}
	}
	return &Store{db: db}, nil
}

func snapshotKey(correlationID string) []byte {
	return []byte(snapshotPrefix + correlationID)
}

func encode(snap *saga.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func decode(data []byte) (*saga.Snapshot, error) {
	var snap saga.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &snap, nil
}

// Save upserts the snapshot keyed by its correlation ID.
func (s *Store) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.CorrelationID), data)
	})
}

// Load retrieves a snapshot, or saga.ErrSnapshotNotFound.
func (s *Store) Load(ctx context.Context, correlationID string) (*saga.Snapshot, error) {
	var snap *saga.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(correlationID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return saga.ErrSnapshotNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			snap, err = decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Delete removes a snapshot. Deleting a missing snapshot returns
// saga.ErrSnapshotNotFound.
func (s *Store) Delete(ctx context.Context, correlationID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(snapshotKey(correlationID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return saga.ErrSnapshotNotFound
			}
			return err
		}
		return txn.Delete(snapshotKey(correlationID))
	})
}

// ListStale returns correlation IDs of snapshots last updated before cutoff.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := it.Item().Value(func(val []byte) error {
				snap, err := decode(val)
				if err != nil {
					// Undecodable snapshots are surfaced for cleanup.
					ids = append(ids, string(it.Item().Key()[len(snapshotPrefix):]))
					return nil
				}
				if snap.UpdatedAt.Before(olderThan) {
					ids = append(ids, snap.CorrelationID)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close releases the database, running a value-log GC pass first.
func (s *Store) Close() error {
	if err := s.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return err
	}
	return s.db.Close()
}
