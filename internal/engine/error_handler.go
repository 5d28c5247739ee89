package engine

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// FailureResult describes what a step failure means for its enclosing run.
type FailureResult struct {
	// Ignored is true when the step was optional: its failed result stands
	// but dependents still become eligible.
	Ignored bool
	// ShouldFail is true when the failure stops the enclosing run.
	ShouldFail bool
}

// HandleStepFailure applies the optional/required policy to a dispatched
// step. Ignored failures are logged as step_ignored events.
func HandleStepFailure(ctx context.Context, events *emitter, executionID string, step schema.WorkflowStep, out *Outcome) FailureResult {
	if out == nil || !out.Failed() {
		return FailureResult{}
	}
	if !step.Optional {
		return FailureResult{ShouldFail: true}
	}

	events.emit(ctx, executionID, step.Name, schema.EventStepIgnored, map[string]any{
		"error":    out.Result.Error,
		"attempts": out.Result.Attempts,
	})
	return FailureResult{Ignored: true}
}
