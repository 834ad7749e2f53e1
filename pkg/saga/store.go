package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the persisted form of one saga execution's context and
// progress. Serialization for a particular backend is the adapter's concern.
type Snapshot struct {
	CorrelationID string            `json:"correlation_id"`
	SagaName      string            `json:"saga_name"`
	State         SagaState         `json:"state"`
	Completed     []string          `json:"completed"`
	Compensated   []string          `json:"compensated,omitempty"`
	FailedStep    string            `json:"failed_step,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Variables     map[string]any    `json:"variables,omitempty"`
	StepResults   map[string]any    `json:"step_results,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StateStore is the persistence port for saga snapshots, keyed by
// correlation id. Implementations must be safe for concurrent use.
type StateStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, correlationID string) (*Snapshot, error)
	Delete(ctx context.Context, correlationID string) error
	// ListStale returns the correlation ids of snapshots not updated since
	// olderThan. Used by the recovery sweep.
	ListStale(ctx context.Context, olderThan time.Time) ([]string, error)
}

// MemoryStateStore is an in-memory StateStore.
type MemoryStateStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{snapshots: make(map[string]*Snapshot)}
}

// Save stores a snapshot.
func (s *MemoryStateStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snap.CorrelationID == "" {
		return fmt.Errorf("snapshot correlation id cannot be empty")
	}
	s.mu.Lock()
	s.snapshots[snap.CorrelationID] = cloneSnapshot(snap)
	s.mu.Unlock()
	return nil
}

// Load retrieves a snapshot by correlation id.
func (s *MemoryStateStore) Load(_ context.Context, correlationID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[correlationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

// Delete removes a snapshot.
func (s *MemoryStateStore) Delete(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[correlationID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(s.snapshots, correlationID)
	return nil
}

// ListStale returns correlation ids of snapshots older than the cutoff.
func (s *MemoryStateStore) ListStale(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, snap := range s.snapshots {
		if snap.UpdatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	clone := *snap
	clone.Completed = append([]string(nil), snap.Completed...)
	clone.Compensated = append([]string(nil), snap.Compensated...)
	clone.Headers = make(map[string]string, len(snap.Headers))
	for k, v := range snap.Headers {
		clone.Headers[k] = v
	}
	clone.Variables = make(map[string]any, len(snap.Variables))
	for k, v := range snap.Variables {
		clone.Variables[k] = v
	}
	clone.StepResults = make(map[string]any, len(snap.StepResults))
	for k, v := range snap.StepResults {
		clone.StepResults[k] = v
	}
	return &clone
}
