package dag

import (
	"fmt"
	"strings"
)

// CycleError reports that the dependency graph cannot be layered because at
// least one dependency cycle exists. Remaining lists the ids that could not
// be assigned to any layer; the cycle itself is not enumerated.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	if len(e.Remaining) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Remaining, ", "))
}
