package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func completed(payload map[string]any) *Outcome {
	return &Outcome{Result: &schema.StepResult{Status: schema.StepCompleted, Payload: payload, Attempts: 1}}
}

func TestScope_ChildSeesParentPayloadsAndBindings(t *testing.T) {
	ec := newTestExecution(t)
	root := NewScope(ec)
	iter := root.Child(map[string]any{"item": "x"})
	iter.Record("fetch", completed(map[string]any{"output": 1}))

	ns := iter.Child(nil).Namespace()
	v, err := ns.Lookup("steps.fetch.output")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	item, err := ns.Lookup("item")
	require.NoError(t, err)
	assert.Equal(t, "x", item)

	_, err = root.Namespace().Lookup("steps.fetch.output")
	assert.Error(t, err, "child payloads stay out of the parent")
}

func TestScope_AdoptKeepsResultsNotPayloads(t *testing.T) {
	ec := newTestExecution(t)
	att := NewScope(ec).Child(nil)

	first := att.Child(map[string]any{"index": 0})
	first.Record("visit", completed(map[string]any{"output": "a"}))
	att.Adopt(first)

	second := att.Child(map[string]any{"index": 1})
	_, err := second.Namespace().Lookup("steps.visit.output")
	assert.Error(t, err, "an iteration never reads the previous iteration's payload")

	second.Record("visit", completed(map[string]any{"output": "b"}))
	att.Adopt(second)

	results := att.Results()
	require.Contains(t, results, "visit")
	assert.Equal(t, "b", results["visit"].Payload["output"])
}

func TestScope_RecordFailureDropsPayload(t *testing.T) {
	ec := newTestExecution(t)
	sc := NewScope(ec).Child(nil)
	sc.Record("s", completed(map[string]any{"output": 1}))
	sc.Record("s", &Outcome{Result: &schema.StepResult{Status: schema.StepFailed, Error: "boom"}})

	_, err := sc.Namespace().Lookup("steps.s.output")
	assert.Error(t, err)
	assert.Equal(t, schema.StepFailed, sc.Results()["s"].Status)
	assert.Nil(t, NewScope(ec).Results())
}
