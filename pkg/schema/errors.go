package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeUnknownDependency   = "UNKNOWN_DEPENDENCY"
	ErrCodeSchedulingDeadlock  = "SCHEDULING_DEADLOCK"
	ErrCodeStepExecution       = "STEP_EXECUTION_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeUnknownSystemAction = "UNKNOWN_SYSTEM_ACTION"
	ErrCodeUnknownStepKind     = "UNKNOWN_STEP_KIND"
	ErrCodeWorkflowTimeout     = "WORKFLOW_TIMEOUT"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
)

// validationCodes are the codes a definition can be rejected with at submit time.
var validationCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeCycleDetected:     true,
	ErrCodeUnknownDependency: true,
}

// FlowError is the structured error type shared by every stepflow package.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether any FlowError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// IsValidationError reports whether err rejects a definition before execution.
func IsValidationError(err error) bool {
	return validationCodes[ErrorCode(err)]
}
