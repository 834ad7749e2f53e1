package composition

import (
	"fmt"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// DataFlowManager resolves a composed saga's input by projecting upstream
// saga results through the entry's declared data flows.
type DataFlowManager struct{}

// Resolve builds the input for entry: a copy of base (the composition's
// initial input) overlaid with each declared flow. Flow resolution failures
// mean a declared upstream dependency did not deliver, which fails the entry
// the same way a step failure would.
func (m *DataFlowManager) Resolve(cc *Context, entry *Entry, base map[string]any) (map[string]any, error) {
	input := make(map[string]any, len(base)+len(entry.DataFlows))
	for k, v := range base {
		input[k] = v
	}

	for _, flow := range entry.DataFlows {
		value, err := m.resolveFlow(cc, flow)
		if err != nil {
			return nil, err
		}

		if flow.TargetKey != "" {
			input[flow.TargetKey] = value
			continue
		}

		// No target key: the resolved value must itself be a mapping.
		mapping, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf(
				"data flow from saga %q resolves to %T, need map[string]any to merge without a target key",
				flow.SourceSaga, value,
			)
		}
		for k, v := range mapping {
			input[k] = v
		}
	}
	return input, nil
}

func (m *DataFlowManager) resolveFlow(cc *Context, flow DataFlow) (any, error) {
	result := cc.SagaResult(flow.SourceSaga)
	if result == nil {
		return nil, fmt.Errorf("data flow source saga %q has no recorded result", flow.SourceSaga)
	}
	if !result.Success {
		return nil, fmt.Errorf("data flow source saga %q did not complete", flow.SourceSaga)
	}

	if flow.SourceStep == "" {
		return result.Output, nil
	}

	outcome := result.Outcome(flow.SourceStep)
	if outcome == nil || outcome.Status != saga.StepStatusDone && outcome.Status != saga.StepStatusCompensated {
		return nil, fmt.Errorf("data flow source step %q of saga %q has no completed outcome", flow.SourceStep, flow.SourceSaga)
	}
	return outcome.Value, nil
}
