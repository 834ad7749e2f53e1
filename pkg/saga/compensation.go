package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
)

// CompensationPolicy selects the strategy used to unwind completed steps
// after a failure. Attached to a SagaDefinition at registration time.
type CompensationPolicy int

const (
	// PolicyStrictSequential compensates one step at a time, newest first.
	PolicyStrictSequential CompensationPolicy = iota
	// PolicyGroupedParallel compensates topology layers in reverse order,
	// members of one layer concurrently.
	PolicyGroupedParallel
	// PolicyRetryWithBackoff retries each compensation with exponential
	// backoff up to a bounded attempt count.
	PolicyRetryWithBackoff
	// PolicyCircuitBreaker short-circuits compensations against a
	// participant after repeated failures.
	PolicyCircuitBreaker
	// PolicyBestEffortParallel dispatches all compensations at once. Only
	// safe when compensations are commutative.
	PolicyBestEffortParallel
)

// String returns the configuration name of the policy.
func (p CompensationPolicy) String() string {
	switch p {
	case PolicyStrictSequential:
		return "strict_sequential"
	case PolicyGroupedParallel:
		return "grouped_parallel"
	case PolicyRetryWithBackoff:
		return "retry_with_backoff"
	case PolicyCircuitBreaker:
		return "circuit_breaker"
	case PolicyBestEffortParallel:
		return "best_effort_parallel"
	default:
		return "unknown"
	}
}

// Valid reports whether the policy is a known value.
func (p CompensationPolicy) Valid() bool {
	return p >= PolicyStrictSequential && p <= PolicyBestEffortParallel
}

// PolicyFromString parses a configuration policy name.
func PolicyFromString(s string) (CompensationPolicy, error) {
	switch s {
	case "strict_sequential", "":
		return PolicyStrictSequential, nil
	case "grouped_parallel":
		return PolicyGroupedParallel, nil
	case "retry_with_backoff":
		return PolicyRetryWithBackoff, nil
	case "circuit_breaker":
		return PolicyCircuitBreaker, nil
	case "best_effort_parallel":
		return PolicyBestEffortParallel, nil
	default:
		return PolicyStrictSequential, fmt.Errorf("unknown compensation policy %q", s)
	}
}

// CompensationRequest carries everything a strategy needs to unwind one
// execution: the completed worklist (completion order, oldest first), the
// recorded outcomes, and the original topology layers for grouped unwind.
type CompensationRequest struct {
	Definition *SagaDefinition
	Context    *SagaContext
	Completed  []string
	Outcomes   map[string]*StepOutcome
	Layers     [][]string
	FailedStep string
	Cause      error
}

// CompensationReport is the always-produced result of a compensation pass.
// Strategies never return errors; every outcome lands here.
type CompensationReport struct {
	mu          sync.Mutex
	Compensated []string
	Errors      map[string]error
}

func newCompensationReport() *CompensationReport {
	return &CompensationReport{
		Compensated: make([]string, 0),
		Errors:      make(map[string]error),
	}
}

func (r *CompensationReport) record(stepID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Errors[stepID] = err
		return
	}
	r.Compensated = append(r.Compensated, stepID)
}

// CompensationStrategy executes compensating actions for completed steps.
// Implementations must honor reverse completion order at their granularity
// (individual steps, or layer groups) and must never abort the pass on a
// single compensation failure.
type CompensationStrategy interface {
	Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport
}

// StrategyFor returns the built-in strategy for a policy.
func StrategyFor(policy CompensationPolicy) CompensationStrategy {
	switch policy {
	case PolicyGroupedParallel:
		return &GroupedParallel{}
	case PolicyRetryWithBackoff:
		return &RetryWithBackoff{}
	case PolicyCircuitBreaker:
		return &CircuitBreakerStrategy{}
	case PolicyBestEffortParallel:
		return &BestEffortParallel{}
	default:
		return &StrictSequential{}
	}
}

// compensateOne invokes the compensating action of a single step, bounded by
// the step timeout (or the saga default). Returns the raw handler error;
// strategies wrap it into a CompensationError before recording.
func compensateOne(ctx context.Context, req *CompensationRequest, stepID string) error {
	step := req.Definition.Steps[stepID]
	if step == nil || step.Handler == nil {
		return nil
	}

	cctx := ctx
	cancel := func() {}
	if timeout := req.Definition.stepTimeout(step); timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var value any
	if outcome := req.Outcomes[stepID]; outcome != nil {
		value = outcome.Value
	}
	return step.Handler.Compensate(cctx, req.Context, value)
}

func wrapCompensation(stepID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &CompensationError{StepID: stepID, Attempts: attempts, Err: err}
}

// StrictSequential compensates steps one at a time in strict reverse
// completion order. A failure is recorded and the pass continues with the
// next (earlier) step.
type StrictSequential struct{}

func (s *StrictSequential) Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport {
	report := newCompensationReport()
	for i := len(req.Completed) - 1; i >= 0; i-- {
		stepID := req.Completed[i]
		report.record(stepID, wrapCompensation(stepID, 1, compensateOne(ctx, req, stepID)))
	}
	return report
}

// GroupedParallel compensates the original topology layers in reverse order.
// Completed members of one layer run concurrently; layers remain strictly
// ordered.
type GroupedParallel struct{}

func (s *GroupedParallel) Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport {
	report := newCompensationReport()

	completed := make(map[string]struct{}, len(req.Completed))
	for _, id := range req.Completed {
		completed[id] = struct{}{}
	}

	for i := len(req.Layers) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		for _, stepID := range req.Layers[i] {
			if _, ok := completed[stepID]; !ok {
				continue
			}
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				report.record(stepID, wrapCompensation(stepID, 1, compensateOne(ctx, req, stepID)))
			}(stepID)
		}
		wg.Wait()
	}
	return report
}

// RetryWithBackoff compensates sequentially in reverse completion order,
// retrying each failing compensation with exponential backoff up to the
// definition's RetryConfig.MaxAttempts.
type RetryWithBackoff struct{}

func (s *RetryWithBackoff) Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport {
	report := newCompensationReport()
	cfg := req.Definition.Retry

	for i := len(req.Completed) - 1; i >= 0; i-- {
		stepID := req.Completed[i]

		expo := backoff.NewExponentialBackOff()
		if cfg.InitialBackoff > 0 {
			expo.InitialInterval = cfg.InitialBackoff
		}
		if cfg.MaxBackoff > 0 {
			expo.MaxInterval = cfg.MaxBackoff
		}
		if cfg.BackoffFactor >= 1 {
			expo.Multiplier = cfg.BackoffFactor
		}

		attempts := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, compensateOne(ctx, req, stepID)
		}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(cfg.MaxAttempts)))

		report.record(stepID, wrapCompensation(stepID, attempts, err))
	}
	return report
}

// CircuitBreakerStrategy compensates sequentially in reverse completion
// order. Consecutive failures against the same participant open a breaker
// for that participant; further compensations against it are recorded as
// errors without being attempted. Breaker state lasts for one pass.
type CircuitBreakerStrategy struct{}

func (s *CircuitBreakerStrategy) Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport {
	report := newCompensationReport()

	threshold := req.Definition.Breaker.FailureThreshold
	if threshold < 1 {
		threshold = 3
	}
	failures := make(map[string]int)

	for i := len(req.Completed) - 1; i >= 0; i-- {
		stepID := req.Completed[i]
		step := req.Definition.Steps[stepID]
		participant := stepID
		if step != nil {
			participant = step.participant()
		}

		if failures[participant] >= threshold {
			report.record(stepID, &CompensationError{
				StepID: stepID,
				Err:    fmt.Errorf("%w: %s", ErrBreakerOpen, participant),
			})
			continue
		}

		err := compensateOne(ctx, req, stepID)
		if err != nil {
			failures[participant]++
		} else {
			failures[participant] = 0
		}
		report.record(stepID, wrapCompensation(stepID, 1, err))
	}
	return report
}

// BestEffortParallel dispatches every compensation concurrently with no
// ordering guarantee. Use only when compensations are commutative.
type BestEffortParallel struct{}

func (s *BestEffortParallel) Compensate(ctx context.Context, req *CompensationRequest) *CompensationReport {
	report := newCompensationReport()

	var wg sync.WaitGroup
	for _, stepID := range req.Completed {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			report.record(stepID, wrapCompensation(stepID, 1, compensateOne(ctx, req, stepID)))
		}(stepID)
	}
	wg.Wait()
	return report
}
