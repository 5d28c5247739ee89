package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeStepExecution, "plugin returned failure")
	assert.Equal(t, "[STEP_EXECUTION_ERROR] plugin returned failure", err.Error())

	err.WithStep("fetch")
	assert.Equal(t, "[STEP_EXECUTION_ERROR] step fetch: plugin returned failure", err.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeStepExecution, "attempt %d failed", 4).WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestHasCode_WalksCauses(t *testing.T) {
	inner := NewError(ErrCodeTimeout, "step deadline exceeded")
	outer := NewError(ErrCodeStepExecution, "retries exhausted").WithCause(inner)
	wrapped := fmt.Errorf("dispatch: %w", outer)

	assert.True(t, HasCode(wrapped, ErrCodeStepExecution))
	assert.True(t, HasCode(wrapped, ErrCodeTimeout))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeTimeout))
	assert.Equal(t, ErrCodeStepExecution, ErrorCode(wrapped))
}

func TestIsValidationError(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeValidation, true},
		{ErrCodeCycleDetected, true},
		{ErrCodeUnknownDependency, true},
		{ErrCodeStepExecution, false},
		{ErrCodeNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidationError(NewError(tt.code, "x")))
		})
	}
	assert.False(t, IsValidationError(nil))
}
