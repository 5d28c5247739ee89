package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderMermaid_Linear(t *testing.T) {
	m, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, "%% grading v2")
	assert.Contains(t, out, `fetch[/"fetch (lms.get_submissions)"/]`)
	assert.Contains(t, out, `grade{{"grade (tutor)"}}`)
	assert.Contains(t, out, "__start__ --> fetch")
	assert.Contains(t, out, "grade -->|if| notify")
	assert.NotContains(t, out, "class fetch")
}

func TestRenderMermaid_Subgraphs(t *testing.T) {
	m, err := Build(structuredWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, `subgraph fan_children["parallel fan"]`)
	assert.Contains(t, out, `subgraph each_children["loop each"]`)
	assert.Contains(t, out, `b["b (notify)?"]`)
	assert.Contains(t, out, "fan -.-> fan_children")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	report := &schema.ExecutionReport{
		Status: schema.ExecutionFailed,
		StepResults: map[string]*schema.StepResult{
			"fetch": {Status: schema.StepCompleted},
			"grade": {Status: schema.StepFailed, Error: "timeout"},
		},
	}
	m, err := Build(linearWorkflow(), report)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class fetch completed")
	assert.Contains(t, out, "class grade failed")
}

func TestMermaidID(t *testing.T) {
	assert.Equal(t, "fan_out_step_1", mermaidID("fan-out.step 1"))
}
