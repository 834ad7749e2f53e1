package backpressure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type adaptiveState int

const (
	stateOpen adaptiveState = iota
	stateClosed
	stateProbing
)

func (s adaptiveState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Adaptive is a semaphore controller that sheds load after repeated
// failures. FailureThreshold consecutive failures close admission for
// WaitDuration; admission then half-opens, letting at most BatchSize probes
// through at a rate-limited trickle, and SuccessThreshold consecutive probe
// successes restore normal admission. Any probe failure closes admission
// again.
type Adaptive struct {
	sema    chan struct{}
	limiter *rate.Limiter
	cfg     Config

	mu          sync.Mutex
	state       adaptiveState
	failures    int
	successes   int
	probes      int
	closedUntil time.Time
}

// NewAdaptive creates an adaptive controller.
func NewAdaptive(cfg Config) (*Adaptive, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 5 * time.Second
	}

	// Probes trickle in at one per WaitDuration/BatchSize while degraded.
	probeRate := rate.Every(cfg.WaitDuration / time.Duration(cfg.BatchSize))
	return &Adaptive{
		sema:    make(chan struct{}, cfg.Concurrency),
		limiter: rate.NewLimiter(probeRate, cfg.BatchSize),
		cfg:     cfg,
		state:   stateOpen,
	}, nil
}

// Acquire admits one saga or fails fast with ErrShedding.
func (a *Adaptive) Acquire(ctx context.Context) error {
	probing, err := a.admit()
	if err != nil {
		return err
	}
	if probing {
		if err := a.limiter.Wait(ctx); err != nil {
			a.abandonProbe()
			return err
		}
	}

	select {
	case a.sema <- struct{}{}:
		return nil
	case <-ctx.Done():
		if probing {
			a.abandonProbe()
		}
		return ctx.Err()
	}
}

// Release returns a slot and feeds the outcome back into the breaker.
func (a *Adaptive) Release(success bool) {
	select {
	case <-a.sema:
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.failures = 0
		if a.state == stateProbing {
			a.successes++
			if a.successes >= a.cfg.SuccessThreshold {
				a.state = stateOpen
				a.successes = 0
				a.probes = 0
			}
		}
		return
	}

	a.successes = 0
	switch a.state {
	case stateProbing:
		// A failed probe closes admission for another window.
		a.close()
	case stateOpen:
		a.failures++
		if a.failures >= a.cfg.FailureThreshold {
			a.close()
		}
	}
}

// State reports the controller's current admission state name.
func (a *Adaptive) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.String()
}

// admit decides whether the caller may proceed, and whether it counts as a
// half-open probe.
func (a *Adaptive) admit() (probing bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case stateOpen:
		return false, nil
	case stateClosed:
		if time.Now().Before(a.closedUntil) {
			return false, ErrShedding
		}
		a.state = stateProbing
		a.probes = 0
		a.successes = 0
		fallthrough
	default: // stateProbing
		if a.probes >= a.cfg.BatchSize {
			return false, ErrShedding
		}
		a.probes++
		return true, nil
	}
}

func (a *Adaptive) abandonProbe() {
	a.mu.Lock()
	if a.state == stateProbing && a.probes > 0 {
		a.probes--
	}
	a.mu.Unlock()
}

// close assumes a.mu is held.
func (a *Adaptive) close() {
	a.state = stateClosed
	a.failures = 0
	a.successes = 0
	a.probes = 0
	a.closedUntil = time.Now().Add(a.cfg.WaitDuration)
}
