// Package backpressure provides process-wide admission control for saga
// execution. A controller gates how many sagas may be in flight at once;
// the adaptive strategy additionally sheds load after repeated failures,
// circuit-breaker style.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrShedding is returned by Acquire while the adaptive controller has
// admission closed or is saturated with half-open probes.
var ErrShedding = errors.New("backpressure: admission closed")

// Controller gates saga admission. Implementations are safe for concurrent
// acquire/release from many simultaneously-running sagas.
type Controller interface {
	// Acquire blocks until a slot is available, the context is done, or the
	// controller is shedding load.
	Acquire(ctx context.Context) error
	// Release returns a slot, reporting whether the admitted work succeeded.
	Release(success bool)
}

// Config tunes a controller. Immutable once passed to New.
type Config struct {
	// Strategy is "fixed" or "adaptive".
	Strategy string
	// Concurrency is the number of admission slots.
	Concurrency int
	// BatchSize bounds half-open probes while the adaptive controller is
	// recovering.
	BatchSize int
	// FailureThreshold is how many consecutive failures close admission.
	FailureThreshold int
	// SuccessThreshold is how many consecutive probe successes restore
	// normal admission.
	SuccessThreshold int
	// WaitDuration is how long admission stays closed before probing.
	WaitDuration time.Duration
}

// DefaultConfig returns a permissive fixed controller configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:         "fixed",
		Concurrency:      100,
		BatchSize:        5,
		FailureThreshold: 10,
		SuccessThreshold: 3,
		WaitDuration:     5 * time.Second,
	}
}

// New builds a controller for the configured strategy.
func New(cfg Config) (Controller, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("backpressure concurrency must be > 0")
	}
	switch cfg.Strategy {
	case "", "fixed":
		return NewFixed(cfg.Concurrency), nil
	case "adaptive":
		return NewAdaptive(cfg)
	default:
		return nil, fmt.Errorf("unknown backpressure strategy %q", cfg.Strategy)
	}
}
