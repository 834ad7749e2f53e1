// Package composition orchestrates multiple sagas as a higher-level DAG,
// wiring each saga's output into downstream saga inputs and compensating
// completed sagas when a later one fails.
package composition

import (
	"fmt"

	"github.com/sagaflow/sagaflow/pkg/dag"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// DataFlow describes how an upstream saga's result is projected into a
// downstream saga's input. With SourceStep set, the value is that step's
// outcome; otherwise it is the whole saga output. With TargetKey set, the
// value is placed under that key; otherwise the value must itself be a
// map[string]any and is merged into the input.
type DataFlow struct {
	SourceSaga string
	SourceStep string
	TargetKey  string
}

// Entry is one node of a composition: a saga, its composition-level
// dependencies, and the data flows feeding its input.
type Entry struct {
	Name       string
	Definition *saga.SagaDefinition
	DependsOn  []string
	DataFlows  []DataFlow
}

// Composition is an immutable DAG of sagas. Built once, shared read-only.
type Composition struct {
	Name    string
	Entries map[string]*Entry
	Order   []string
}

// EntryOption configures a composition entry.
type EntryOption func(e *Entry)

// After declares composition-level dependencies.
func After(names ...string) EntryOption {
	return func(e *Entry) {
		e.DependsOn = append(e.DependsOn, names...)
	}
}

// WithFlow declares a data flow into this entry's input.
func WithFlow(flow DataFlow) EntryOption {
	return func(e *Entry) {
		e.DataFlows = append(e.DataFlows, flow)
	}
}

// Builder incrementally constructs Composition instances.
type Builder struct {
	comp *Composition
	errs []error
}

// NewBuilder creates a composition builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		comp: &Composition{
			Name:    name,
			Entries: make(map[string]*Entry),
			Order:   make([]string, 0),
		},
	}
}

// Saga appends a saga entry to the composition.
func (b *Builder) Saga(name string, def *saga.SagaDefinition, opts ...EntryOption) *Builder {
	entry := &Entry{Name: name, Definition: def}
	for _, opt := range opts {
		if opt != nil {
			opt(entry)
		}
	}

	if _, exists := b.comp.Entries[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate saga entry: %s", name))
		return b
	}
	b.comp.Entries[name] = entry
	b.comp.Order = append(b.comp.Order, name)
	return b
}

// Build validates and returns the composition.
func (b *Builder) Build() (*Composition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.comp.Validate(); err != nil {
		return nil, err
	}
	return b.comp, nil
}

// Validate checks composition structure: entry wiring, the dependency DAG,
// and data-flow declarations. Two flows into the same target key of one
// entry are rejected here rather than silently picking a winner.
func (c *Composition) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("composition name cannot be empty")
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("composition must contain at least one saga")
	}

	for _, name := range c.Order {
		entry := c.Entries[name]
		if entry == nil {
			return fmt.Errorf("saga entry %q is nil", name)
		}
		if entry.Definition == nil {
			return fmt.Errorf("saga entry %q missing definition", name)
		}
		if err := entry.Definition.Validate(); err != nil {
			return fmt.Errorf("saga entry %q: %w", name, err)
		}

		seen := make(map[string]struct{}, len(entry.DependsOn))
		for _, dep := range entry.DependsOn {
			if dep == name {
				return fmt.Errorf("saga entry %q cannot depend on itself", name)
			}
			if _, ok := c.Entries[dep]; !ok {
				return fmt.Errorf("saga entry %q depends on unknown saga %q", name, dep)
			}
			if _, dup := seen[dep]; dup {
				return fmt.Errorf("saga entry %q has duplicate dependency %q", name, dep)
			}
			seen[dep] = struct{}{}
		}

		upstream := c.predecessors(name)
		targets := make(map[string]string, len(entry.DataFlows))
		for _, flow := range entry.DataFlows {
			if flow.SourceSaga == "" {
				return fmt.Errorf("saga entry %q: data flow missing source saga", name)
			}
			if flow.SourceSaga == name {
				return fmt.Errorf("saga entry %q: data flow cannot source itself", name)
			}
			src, ok := c.Entries[flow.SourceSaga]
			if !ok {
				return fmt.Errorf("saga entry %q: data flow sources unknown saga %q", name, flow.SourceSaga)
			}
			if _, ok := upstream[flow.SourceSaga]; !ok {
				return fmt.Errorf("saga entry %q: data flow sources %q, which it does not depend on", name, flow.SourceSaga)
			}
			if flow.SourceStep != "" {
				if _, ok := src.Definition.Steps[flow.SourceStep]; !ok {
					return fmt.Errorf("saga entry %q: data flow sources unknown step %q of saga %q", name, flow.SourceStep, flow.SourceSaga)
				}
			}
			if flow.TargetKey != "" {
				if prev, dup := targets[flow.TargetKey]; dup {
					return fmt.Errorf("saga entry %q: sagas %q and %q both flow into target key %q", name, prev, flow.SourceSaga, flow.TargetKey)
				}
				targets[flow.TargetKey] = flow.SourceSaga
			}
		}
	}

	_, err := c.Layers()
	return err
}

// Layers returns the composition-level execution layers.
func (c *Composition) Layers() ([][]string, error) {
	deps := make(map[string][]string, len(c.Entries))
	for name, entry := range c.Entries {
		if entry != nil && len(entry.DependsOn) > 0 {
			deps[name] = entry.DependsOn
		}
	}
	return dag.Layers(c.Order, deps)
}

// predecessors returns the transitive upstream closure of an entry.
func (c *Composition) predecessors(name string) map[string]struct{} {
	out := make(map[string]struct{})
	var walk func(n string)
	walk = func(n string) {
		entry := c.Entries[n]
		if entry == nil {
			return
		}
		for _, dep := range entry.DependsOn {
			if _, seen := out[dep]; seen {
				continue
			}
			out[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(name)
	return out
}
