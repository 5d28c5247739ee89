package validation

import (
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateDAG looks for a dependency cycle. A loop or parallel step finishes
// only after its children, so it is treated as depending on each of them;
// a child that depends on something which in turn waits for the child's
// parent closes a cycle.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	order := make([]string, 0, len(def.Steps))
	edges := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		order = append(order, s.Name)
		edges[s.Name] = append(edges[s.Name], s.DependsOn...)
		edges[s.Name] = append(edges[s.Name], s.Children()...)
	}

	cycle := findCycle(order, edges)
	if cycle == nil {
		return result
	}
	result.Errors = append(result.Errors, schema.ValidationIssue{
		Path:     "steps",
		Code:     schema.ErrCodeCycleDetected,
		Message:  "cycle detected: " + strings.Join(cycle, " -> "),
		Severity: schema.SeverityError,
		Details:  map[string]any{"cycle": cycle},
	})
	return result
}

// findCycle runs a depth-first search in declaration order and returns the
// first cycle found, closed by repeating its first step.
func findCycle(order []string, edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(order))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		colour[n] = grey
		stack = append(stack, n)
		for _, next := range edges[n] {
			if _, known := edges[next]; !known {
				continue
			}
			switch colour[next] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[n] = black
		return false
	}

	for _, n := range order {
		if colour[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}
