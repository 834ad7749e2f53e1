package saga

import (
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/pkg/dag"
)

// RetryConfig tunes the retry-with-backoff compensation strategy.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// BreakerConfig tunes the circuit-breaker compensation strategy.
type BreakerConfig struct {
	FailureThreshold int
}

// SagaDefinition is the immutable description of a saga: its steps and their
// dependency edges. Built once at registration time and shared read-only
// across all executions.
type SagaDefinition struct {
	Name               string
	Steps              map[string]*StepDefinition
	StepOrder          []string
	LayerConcurrency   int // 0 = unbounded within a layer
	Timeout            time.Duration
	DefaultStepTimeout time.Duration
	Policy             CompensationPolicy
	Retry              RetryConfig
	Breaker            BreakerConfig
	ManualCompensation bool
}

// Builder incrementally constructs SagaDefinition instances. Registration is
// explicit: steps, dependencies and compensations are plain data, no
// reflection or annotation scanning involved.
type Builder struct {
	def  *SagaDefinition
	errs []error
}

// New creates a saga definition builder.
func New(name string) *Builder {
	return &Builder{
		def: &SagaDefinition{
			Name:      name,
			Steps:     make(map[string]*StepDefinition),
			StepOrder: make([]string, 0),
			Policy:    PolicyStrictSequential,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
			},
			Breaker: BreakerConfig{FailureThreshold: 3},
		},
	}
}

// Step appends a step to the saga definition.
func (b *Builder) Step(id string, opts ...StepOption) *Builder {
	step := &StepDefinition{
		ID:    id,
		Order: len(b.def.StepOrder),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(step); err != nil {
			b.errs = append(b.errs, fmt.Errorf("step %q: %w", id, err))
		}
	}
	if step.Handler == nil && step.execute != nil {
		step.Handler = &funcHandler{execute: step.execute, compensate: step.compensate}
	}

	if _, exists := b.def.Steps[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate step ID: %s", id))
		return b
	}

	b.def.Steps[id] = step
	b.def.StepOrder = append(b.def.StepOrder, id)
	return b
}

// WithTimeout sets the saga-level timeout bounding the whole execution.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.def.Timeout = timeout
	return b
}

// WithDefaultStepTimeout sets the timeout for steps without an explicit one.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	b.def.DefaultStepTimeout = timeout
	return b
}

// WithLayerConcurrency bounds how many steps of one layer run at once.
// 0 means all steps in a layer run concurrently.
func (b *Builder) WithLayerConcurrency(n int) *Builder {
	b.def.LayerConcurrency = n
	return b
}

// WithCompensationPolicy selects the compensation strategy for this saga.
func (b *Builder) WithCompensationPolicy(policy CompensationPolicy) *Builder {
	b.def.Policy = policy
	return b
}

// WithRetryConfig tunes retry-with-backoff compensation.
func (b *Builder) WithRetryConfig(cfg RetryConfig) *Builder {
	b.def.Retry = cfg
	return b
}

// WithBreakerConfig tunes circuit-breaker compensation.
func (b *Builder) WithBreakerConfig(cfg BreakerConfig) *Builder {
	b.def.Breaker = cfg
	return b
}

// WithManualCompensation leaves a failed saga in pending-compensation state
// until Engine.TriggerCompensation is called.
func (b *Builder) WithManualCompensation() *Builder {
	b.def.ManualCompensation = true
	return b
}

// Build validates and returns the saga definition.
func (b *Builder) Build() (*SagaDefinition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Validate checks saga structure and the dependency DAG.
func (d *SagaDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if d.Name == "" {
		return fmt.Errorf("saga name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga must define at least one step")
	}
	if d.LayerConcurrency < 0 {
		return fmt.Errorf("layer concurrency cannot be negative")
	}
	if d.DefaultStepTimeout < 0 {
		return fmt.Errorf("default step timeout cannot be negative")
	}
	if d.Retry.MaxAttempts < 1 {
		return fmt.Errorf("compensation max attempts must be >= 1")
	}
	if d.Retry.BackoffFactor < 1 {
		return fmt.Errorf("compensation backoff factor must be >= 1")
	}
	if !d.Policy.Valid() {
		return fmt.Errorf("unknown compensation policy %d", d.Policy)
	}

	for _, id := range d.StepOrder {
		step := d.Steps[id]
		if step == nil {
			return fmt.Errorf("step %q is nil", id)
		}
		if step.ID == "" {
			return fmt.Errorf("step ID cannot be empty")
		}
		if step.Handler == nil {
			return fmt.Errorf("step %q missing handler", step.ID)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q timeout cannot be negative", step.ID)
		}

		seenDeps := make(map[string]struct{}, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %q cannot depend on itself", step.ID)
			}
			if _, ok := d.Steps[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}
			if _, dup := seenDeps[dep]; dup {
				return fmt.Errorf("step %q has duplicate dependency %q", step.ID, dep)
			}
			seenDeps[dep] = struct{}{}
		}
	}

	_, err := d.Layers()
	return err
}

// Layers returns the execution layers of the step dependency graph. Within a
// layer, ids keep their registration order.
func (d *SagaDefinition) Layers() ([][]string, error) {
	deps := make(map[string][]string, len(d.Steps))
	for id, step := range d.Steps {
		if step != nil && len(step.DependsOn) > 0 {
			deps[id] = step.DependsOn
		}
	}
	return dag.Layers(d.StepOrder, deps)
}

func (d *SagaDefinition) stepTimeout(step *StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return d.DefaultStepTimeout
}

func (d *SagaDefinition) clone() *SagaDefinition {
	steps := make(map[string]*StepDefinition, len(d.Steps))
	for id, step := range d.Steps {
		if step == nil {
			continue
		}
		deps := make([]string, len(step.DependsOn))
		copy(deps, step.DependsOn)
		steps[id] = &StepDefinition{
			ID:          step.ID,
			Handler:     step.Handler,
			DependsOn:   deps,
			Order:       step.Order,
			Timeout:     step.Timeout,
			Participant: step.Participant,
		}
	}

	order := make([]string, len(d.StepOrder))
	copy(order, d.StepOrder)

	clone := *d
	clone.Steps = steps
	clone.StepOrder = order
	return &clone
}
