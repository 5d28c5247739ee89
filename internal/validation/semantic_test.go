package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// mockActionLookup implements ActionLookup for tests.
type mockActionLookup struct {
	registered map[string]bool
}

func (m *mockActionLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockActionLookup {
	m := &mockActionLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

// mockConditions rejects any expression containing "(".
type mockConditions struct{}

func (mockConditions) Check(expression string) error {
	if strings.Contains(expression, "(") {
		return errors.New("function calls are not allowed")
	}
	return nil
}

func sysStep(name, action string, deps ...string) schema.WorkflowStep {
	return schema.WorkflowStep{
		Name:      name,
		Kind:      schema.StepKindSystemAction,
		Config:    map[string]any{"action": action},
		DependsOn: deps,
	}
}

func wf(steps ...schema.WorkflowStep) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "wf", Steps: steps}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestSemantic_Valid(t *testing.T) {
	def := wf(sysStep("a", "notify"), sysStep("b", "notify", "a"))
	result := validateSemantic(def, newMockLookup("notify"), mockConditions{})
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_UnknownDependency(t *testing.T) {
	result := validateSemantic(wf(sysStep("a", "notify", "ghost")), nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeUnknownDependency, result.Errors[0].Code)
	assert.Equal(t, "steps[0].depends_on[0]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

func TestSemantic_DuplicateNames(t *testing.T) {
	result := validateSemantic(wf(sysStep("a", "notify"), sysStep("a", "notify")), nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "duplicate")
}

func TestSemantic_RequiredConfig(t *testing.T) {
	tests := []struct {
		kind    schema.StepKind
		missing string
	}{
		{schema.StepKindPluginAction, "config.plugin"},
		{schema.StepKindAIAgent, "config.agent"},
		{schema.StepKindSystemAction, "config.action"},
		{schema.StepKindCondition, "config.expression"},
		{schema.StepKindLoop, "config.items"},
		{schema.StepKindParallel, "config.steps"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			result := validateSemantic(wf(schema.WorkflowStep{Name: "s", Kind: tt.kind}), nil, nil)
			require.False(t, result.Valid())
			assert.Contains(t, result.Errors[0].Message, tt.missing)
		})
	}
}

func TestSemantic_UnknownKindIsWarning(t *testing.T) {
	result := validateSemantic(wf(schema.WorkflowStep{Name: "s", Kind: "teleport"}), nil, nil)
	assert.True(t, result.Valid())
	assert.Equal(t, []string{schema.ErrCodeUnknownStepKind}, codes(result.Warnings))
}

func TestSemantic_UnknownActionIsWarning(t *testing.T) {
	result := validateSemantic(wf(sysStep("s", "launch_rockets")), newMockLookup("notify"), nil)
	assert.True(t, result.Valid())
	assert.Equal(t, []string{schema.ErrCodeUnknownSystemAction}, codes(result.Warnings))
}

func TestSemantic_MalformedConditionsWarn(t *testing.T) {
	guarded := sysStep("a", "notify")
	guarded.Condition = "len(items) > 0"
	check := schema.WorkflowStep{
		Name:   "check",
		Kind:   schema.StepKindCondition,
		Config: map[string]any{"expression": "now() > 1"},
	}

	result := validateSemantic(wf(guarded, check), nil, mockConditions{})
	assert.True(t, result.Valid(), "malformed conditions do not reject the definition")
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "steps[0].condition", result.Warnings[0].Path)
	assert.Equal(t, "steps[1].config.expression", result.Warnings[1].Path)
}

func TestSemantic_Children(t *testing.T) {
	loop := schema.WorkflowStep{
		Name:   "each",
		Kind:   schema.StepKindLoop,
		Config: map[string]any{"items": "{list}", "steps": []any{"visit", "missing"}},
	}
	other := schema.WorkflowStep{
		Name:   "fan",
		Kind:   schema.StepKindParallel,
		Config: map[string]any{"steps": []any{"visit", "fan"}},
	}
	result := validateSemantic(wf(loop, other, sysStep("visit", "notify")), nil, nil)

	msgs := make([]string, len(result.Errors))
	for i, e := range result.Errors {
		msgs[i] = e.Message
	}
	require.Len(t, msgs, 3, msgs)
	assert.Contains(t, msgs[0], `"missing"`)
	assert.Contains(t, msgs[1], "already a child")
	assert.Contains(t, msgs[2], "lists itself")
}

func TestSemantic_Warnings(t *testing.T) {
	eleven := 11
	child := sysStep("visit", "notify")
	child.Parallel = true
	child.MaxRetries = &eleven
	child.Timeout = "2h"
	child.Config["params"] = map[string]any{"name": "x", "value": "{steps.nowhere.output}"}
	loop := schema.WorkflowStep{
		Name:   "each",
		Kind:   schema.StepKindLoop,
		Config: map[string]any{"items": "{list}", "steps": []any{"visit"}},
	}
	def := wf(loop, child)
	def.Timeout = "1h"

	result := validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
	paths := make([]string, len(result.Warnings))
	for i, w := range result.Warnings {
		paths[i] = w.Path
	}
	assert.ElementsMatch(t, []string{
		"steps[1].config",
		"steps[1].parallel",
		"steps[1].max_retries",
		"steps[1].timeout",
	}, paths)
}
