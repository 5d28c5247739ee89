package expressions

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// StepsKey is the top-level name under which step payloads are exposed.
const StepsKey = "steps"

// Namespace is the view of one execution's variables and step payloads that
// templates and conditions resolve against. Values are deep-copied on
// construction so a Namespace can be read without holding execution locks.
type Namespace struct {
	Vars  map[string]any
	Steps map[string]map[string]any
}

// NewNamespace snapshots vars and step payloads.
func NewNamespace(vars map[string]any, steps map[string]map[string]any) *Namespace {
	ns := &Namespace{
		Vars:  schema.DeepCopyMap(vars),
		Steps: make(map[string]map[string]any, len(steps)),
	}
	if ns.Vars == nil {
		ns.Vars = map[string]any{}
	}
	for name, payload := range steps {
		ns.Steps[name] = schema.DeepCopyMap(payload)
	}
	return ns
}

// With returns a copy of the namespace with extra top-level variables bound.
// Used for loop item/index scoping.
func (ns *Namespace) With(bindings map[string]any) *Namespace {
	vars := make(map[string]any, len(ns.Vars)+len(bindings))
	for k, v := range ns.Vars {
		vars[k] = v
	}
	for k, v := range bindings {
		vars[k] = schema.DeepCopyAny(v)
	}
	return &Namespace{Vars: vars, Steps: ns.Steps}
}

// Env flattens the namespace into a single map: variables at the top level
// plus a "steps" entry keyed by step name.
func (ns *Namespace) Env() map[string]any {
	env := make(map[string]any, len(ns.Vars)+1)
	for k, v := range ns.Vars {
		env[k] = v
	}
	steps := make(map[string]any, len(ns.Steps))
	for name, payload := range ns.Steps {
		steps[name] = payload
	}
	env[StepsKey] = steps
	return env
}

// Lookup resolves a dotted reference such as "steps.fetch.output" or
// "course.id". Missing step results, variables, or fields fail with
// UNRESOLVED_REFERENCE naming the missing key.
func (ns *Namespace) Lookup(ref string) (any, error) {
	segments := strings.Split(ref, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, unresolved(ref, ref, "empty path segment")
		}
	}

	if segments[0] == StepsKey {
		if len(segments) < 2 {
			return nil, unresolved(ref, ref, "expected steps.<name>.<field>")
		}
		payload, ok := ns.Steps[segments[1]]
		if !ok {
			return nil, unresolved(ref, StepsKey+"."+segments[1], "step has not produced a result")
		}
		return traverse(payload, segments[2:], ref, StepsKey+"."+segments[1])
	}

	val, ok := ns.Vars[segments[0]]
	if !ok {
		return nil, unresolved(ref, segments[0], "variable is not defined")
	}
	return traverse(val, segments[1:], ref, segments[0])
}

func traverse(root any, path []string, ref, prefix string) (any, error) {
	current := root
	walked := prefix
	for _, seg := range path {
		walked += "." + seg
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, unresolved(ref, walked, "field not found").
					WithDetails(map[string]any{"reference": ref, "missing": walked, "available": sortedKeys(v)})
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, unresolved(ref, walked, "index out of range")
			}
			current = v[idx]
		default:
			return nil, unresolved(ref, walked, "cannot traverse into a scalar value")
		}
	}
	return current, nil
}

func unresolved(ref, missing, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeUnresolvedReference, "unresolved reference %q: %s (%s)", missing, reason, ref).
		WithDetails(map[string]any{"reference": ref, "missing": missing})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts v into plain JSON value types (map[string]any, []any,
// float64, string, bool, nil). Values that are already plain are copied
// without a JSON round trip.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	}

	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
