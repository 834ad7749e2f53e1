// Package dag computes concurrency layers for dependency-ordered work.
//
// A dependency map is flattened into a list of layers: layer 0 holds every
// id with no dependencies, and each subsequent layer holds the ids whose
// dependencies are all contained in strictly earlier layers. Members of one
// layer have no dependency relationship with each other and may execute
// concurrently.
package dag

import "fmt"

// Layers performs a layered Kahn traversal over deps.
//
// order is the registration order of the ids and fixes the relative order of
// members within a layer; deps maps each id to the ids it depends on. Every
// id referenced by deps must appear in order. The function is deterministic
// and side-effect free: the same input always yields the same layering.
//
// Returns a *CycleError when the graph cannot be fully layered.
func Layers(order []string, deps map[string][]string) ([][]string, error) {
	if len(order) == 0 {
		return [][]string{}, nil
	}

	known := make(map[string]struct{}, len(order))
	for _, id := range order {
		if _, dup := known[id]; dup {
			return nil, fmt.Errorf("duplicate id %q", id)
		}
		known[id] = struct{}{}
	}

	indegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, id := range order {
		for _, dep := range deps[id] {
			if _, ok := known[dep]; !ok {
				return nil, fmt.Errorf("id %q depends on unknown id %q", id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
			indegree[id]++
		}
	}

	// Seed with zero-indegree ids, keeping registration order.
	current := make([]string, 0, len(order))
	for _, id := range order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	assigned := 0
	layers := make([][]string, 0)
	for len(current) > 0 {
		layer := make([]string, len(current))
		copy(layer, current)
		layers = append(layers, layer)
		assigned += len(layer)

		ready := make(map[string]struct{})
		for _, id := range current {
			for _, next := range dependents[id] {
				indegree[next]--
				if indegree[next] == 0 {
					ready[next] = struct{}{}
				}
			}
		}

		current = current[:0]
		for _, id := range order {
			if _, ok := ready[id]; ok {
				current = append(current, id)
			}
		}
	}

	if assigned != len(order) {
		remaining := make([]string, 0, len(order)-assigned)
		for _, id := range order {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &CycleError{Remaining: remaining}
	}

	return layers, nil
}

// Flatten concatenates layers into a single topological order.
func Flatten(layers [][]string) []string {
	total := 0
	for _, layer := range layers {
		total += len(layer)
	}
	flat := make([]string, 0, total)
	for _, layer := range layers {
		flat = append(flat, layer...)
	}
	return flat
}
