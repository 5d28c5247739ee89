package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("notify"), mockConditions{})
	require.NoError(t, err)

	result := wv.Validate(wf(sysStep("a", "notify"), sysStep("b", "notify", "a")))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.ToError())
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	// Missing name is structural; the unknown dependency is never reported.
	def := &schema.WorkflowDefinition{Steps: []schema.WorkflowStep{sysStep("a", "notify", "ghost")}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, e.Code)
	}
}

func TestWorkflowValidator_CycleError(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	err = wv.ValidateDefinition(wf(sysStep("A", "notify", "B"), sysStep("B", "notify", "A")))
	require.Error(t, err)
	assert.True(t, schema.IsValidationError(err))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
	assert.Equal(t, []string{"A", "B", "A"}, fe.Details["cycle"])
}

func TestWorkflowValidator_UnknownDependencyCode(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	err = wv.ValidateDefinition(wf(sysStep("a", "notify", "ghost")))
	assert.Equal(t, schema.ErrCodeUnknownDependency, schema.ErrorCode(err))
}

func TestWorkflowValidator_WarningsKeepDefinitionValid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("notify"), mockConditions{})
	require.NoError(t, err)

	guarded := sysStep("a", "notify")
	guarded.Condition = "size(x) > 1"
	result := wv.Validate(wf(guarded))
	assert.True(t, result.Valid())
	assert.Equal(t, []string{"steps[0].condition: condition will evaluate to false: function calls are not allowed"},
		result.WarningMessages())
}

func TestWorkflowValidator_Concurrent(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("notify"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, wv.Validate(wf(sysStep("a", "notify"))).Valid())
		}()
	}
	wg.Wait()
}
