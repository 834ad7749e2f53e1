package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry resolves saga definitions by name for the recovery sweep.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*SagaDefinition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*SagaDefinition)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name]; exists {
		return fmt.Errorf("saga %q already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// Lookup resolves a definition by name.
func (r *Registry) Lookup(name string) (*SagaDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// SweeperConfig tunes the recovery sweep.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter is how long a snapshot may go without an update before the
	// sweep considers its saga abandoned and resumes it.
	StaleAfter time.Duration
	// CleanupAfter is how long terminal snapshots are retained before the
	// sweep deletes them. 0 disables cleanup.
	CleanupAfter time.Duration
}

// Sweeper periodically scans the state store for stale snapshots, resumes
// the sagas they belong to, and deletes old terminal snapshots.
type Sweeper struct {
	engine   *Engine
	store    StateStore
	registry *Registry
	cfg      SweeperConfig
	logger   Logger
	metrics  MetricsRecorder

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(engine *Engine, store StateStore, registry *Registry, cfg SweeperConfig) (*Sweeper, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be > 0")
	}
	return &Sweeper{
		engine:   engine,
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   engine.logger,
		metrics:  engine.metrics,
	}, nil
}

// Start runs periodic sweeps until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-ticker.C:
				recovered, err := s.RunOnce(ctx)
				if err != nil {
					s.logger.Warn("saga recovery sweep failed", "error", err)
					continue
				}
				if recovered > 0 {
					s.logger.Info("saga recovery sweep completed", "recovered", recovered)
				}
			}
		}
	}()
	return nil
}

// RunOnce performs one sweep pass and returns how many sagas were resumed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter)
	ids, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var firstErr error
	for _, id := range ids {
		snap, err := s.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if snap.State.IsTerminal() {
			s.cleanup(ctx, snap)
			continue
		}

		def, ok := s.registry.Lookup(snap.SagaName)
		if !ok {
			s.logger.Warn("skipping recovery, saga not registered",
				"correlation_id", snap.CorrelationID,
				"saga", snap.SagaName,
			)
			continue
		}

		if _, err := s.engine.Resume(ctx, def, snap); err != nil {
			s.metrics.RecordSagaRecovery("failed")
			s.logger.Warn("saga recovery failed",
				"correlation_id", snap.CorrelationID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		s.metrics.RecordSagaRecovery("resumed")
		s.logger.Info("saga resumed from snapshot",
			"correlation_id", snap.CorrelationID,
			"saga", snap.SagaName,
			"state", snap.State.String(),
		)
		recovered++
	}
	return recovered, firstErr
}

func (s *Sweeper) cleanup(ctx context.Context, snap *Snapshot) {
	if s.cfg.CleanupAfter <= 0 {
		return
	}
	if snap.UpdatedAt.After(time.Now().UTC().Add(-s.cfg.CleanupAfter)) {
		return
	}
	if err := s.store.Delete(ctx, snap.CorrelationID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		s.logger.Warn("failed to delete terminal snapshot",
			"correlation_id", snap.CorrelationID, "error", err)
		return
	}
	s.logger.Debug("deleted terminal snapshot", "correlation_id", snap.CorrelationID)
}
