package engine

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports a dependency cycle in the stack definition.
// Services holds the participating service names in cycle order; the stack
// must not start when one is detected.
type CyclicDependencyError struct {
	Services []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Services) == 0 {
		return "dependency cycle detected"
	}
	path := append([]string(nil), e.Services...)
	path = append(path, e.Services[0])
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(path, " -> "))
}

// Involves reports whether the named service participates in the cycle.
func (e *CyclicDependencyError) Involves(name string) bool {
	for _, svc := range e.Services {
		if svc == name {
			return true
		}
	}
	return false
}
