package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxRetries is the retry budget of a step that does not set one.
const DefaultMaxRetries = 3

// WorkflowDefinition is the declarative workflow format accepted by Submit.
type WorkflowDefinition struct {
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Description  string         `json:"description,omitempty"`
	Steps        []WorkflowStep `json:"steps"`
	Variables    map[string]any `json:"variables,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`       // overall wall-clock budget (e.g. "10m")
	ScheduleCron string         `json:"schedule_cron,omitempty"` // standard 5-field cron spec
}

// WorkflowStep describes a single step in a workflow.
type WorkflowStep struct {
	Name      string         `json:"name"`
	Kind      StepKind       `json:"type"`
	Config    map[string]any `json:"config,omitempty"`     // kind-specific payload
	DependsOn []string       `json:"depends_on,omitempty"` // step names that must be terminal first
	Condition string         `json:"condition,omitempty"`  // guard; false skips the step
	Timeout   string         `json:"timeout,omitempty"`    // per-step wall-clock budget
	// MaxRetries is nil when unset; DefaultMaxRetries applies.
	MaxRetries *int `json:"max_retries,omitempty"`
	Parallel   bool `json:"parallel,omitempty"` // dispatched concurrently within its batch
	Optional   bool `json:"optional,omitempty"` // failure does not fail the execution
}

// StepKind enumerates the handler kinds a step can be dispatched to.
type StepKind string

const (
	StepKindPluginAction StepKind = "plugin_action"
	StepKindAIAgent      StepKind = "ai_agent"
	StepKindSystemAction StepKind = "system_action"
	StepKindCondition    StepKind = "condition"
	StepKindLoop         StepKind = "loop"
	StepKindParallel     StepKind = "parallel"
)

// ValidStepKinds lists every kind the dispatcher understands.
var ValidStepKinds = map[StepKind]bool{
	StepKindPluginAction: true,
	StepKindAIAgent:      true,
	StepKindSystemAction: true,
	StepKindCondition:    true,
	StepKindLoop:         true,
	StepKindParallel:     true,
}

// IsStructural reports whether the kind runs child steps itself.
func (k StepKind) IsStructural() bool {
	return k == StepKindLoop || k == StepKindParallel
}

// RetryBudget returns the step's max retries, defaulting to DefaultMaxRetries.
func (s WorkflowStep) RetryBudget() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	if *s.MaxRetries < 0 {
		return 0
	}
	return *s.MaxRetries
}

// TimeoutDuration parses the step timeout. Zero means no step-specific budget.
func (s WorkflowStep) TimeoutDuration() (time.Duration, error) {
	return parseOptionalDuration(s.Timeout)
}

// Children returns the child step names named by a loop or parallel step's
// config.steps entry, in the order given.
func (s WorkflowStep) Children() []string {
	if !s.Kind.IsStructural() || s.Config == nil {
		return nil
	}
	switch v := s.Config["steps"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// ConfigString returns a string config value or "".
func (s WorkflowStep) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, _ := s.Config[key].(string)
	return v
}

// TimeoutDuration parses the workflow timeout. Zero means the engine default.
func (d *WorkflowDefinition) TimeoutDuration() (time.Duration, error) {
	return parseOptionalDuration(d.Timeout)
}

// Step returns the step with the given name.
func (d *WorkflowDefinition) Step(name string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

// ParseDefinition decodes a workflow definition from JSON or YAML.
// YAML documents are normalised through JSON so both formats yield the same
// Go value types (float64 numbers, map[string]any objects).
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "empty workflow definition")
	}

	raw := trimmed
	if trimmed[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "invalid YAML definition: %v", err).WithCause(err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "definition is not JSON-compatible: %v", err).WithCause(err)
		}
		raw = converted
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid definition: %v", err).WithCause(err)
	}
	return &def, nil
}

// DefinitionFromMap converts a decoded JSON object into a WorkflowDefinition.
func DefinitionFromMap(m map[string]any) (*WorkflowDefinition, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid definition: %v", err).WithCause(err)
	}
	return ParseDefinition(data)
}
