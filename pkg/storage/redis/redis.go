// Package redis persists saga snapshots in Redis for deployments where
// several daemon instances share recovery duty.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage"
)

// Config holds configuration for Store.
type Config struct {
	// KeyPrefix namespaces all snapshot keys.
	KeyPrefix string
	// TTL expires snapshots that are never cleaned up. Zero means no expiry.
	TTL time.Duration
}

// DefaultConfig returns a Config with the standard key prefix and no TTL.
func DefaultConfig() Config {
	return Config{KeyPrefix: "sagaflow:snapshot:"}
}

// Store implements saga.StateStore on top of Redis. Snapshots live under
// {prefix}{correlationID}; a sorted set under {prefix}index scores each
// snapshot by its update time so ListStale is a range query instead of a
// key scan.
type Store struct {
	client redis.Cmdable
	cfg    Config
}

// NewStore creates a snapshot store over an existing Redis client.
func NewStore(client redis.Cmdable, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) snapshotKey(correlationID string) string {
	return s.cfg.KeyPrefix + correlationID
}

func (s *Store) indexKey() string {
	return s.cfg.KeyPrefix + "index"
}

// Save upserts the snapshot and refreshes its index score.
func (s *Store) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal", Cause: err}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapshotKey(snap.CorrelationID), data, s.cfg.TTL)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(snap.UpdatedAt.UnixNano()),
		Member: snap.CorrelationID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return &storage.StorageUnavailableError{Backend: "redis", Cause: err}
	}
	return nil
}

// Load retrieves a snapshot, or saga.ErrSnapshotNotFound.
func (s *Store) Load(ctx context.Context, correlationID string) (*saga.Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, saga.ErrSnapshotNotFound
		}
		return nil, &storage.StorageUnavailableError{Backend: "redis", Cause: err}
	}

	var snap saga.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &snap, nil
}

// Delete removes a snapshot and its index entry. Deleting a missing snapshot
// returns saga.ErrSnapshotNotFound.
func (s *Store) Delete(ctx context.Context, correlationID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.snapshotKey(correlationID))
	pipe.ZRem(ctx, s.indexKey(), correlationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &storage.StorageUnavailableError{Backend: "redis", Cause: err}
	}
	if del.Val() == 0 {
		return saga.ErrSnapshotNotFound
	}
	return nil
}

// ListStale returns correlation IDs whose last update precedes cutoff.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	max := strconv.FormatInt(olderThan.UnixNano()-1, 10)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, &storage.StorageUnavailableError{Backend: "redis", Cause: err}
	}
	return ids, nil
}
