package schema

import (
	"errors"
	"fmt"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
	Details  map[string]any     `json:"details,omitempty"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddIssueFromError appends an error-severity issue built from a FlowError,
// keeping its code and details.
func (r *ValidationResult) AddIssueFromError(path string, err error) {
	issue := ValidationIssue{Path: path, Code: ErrCodeValidation, Message: err.Error(), Severity: SeverityError}
	var fe *FlowError
	if errors.As(err, &fe) {
		issue.Code = fe.Code
		issue.Message = fe.Message
		issue.Details = fe.Details
	}
	r.Errors = append(r.Errors, issue)
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// WarningMessages flattens warnings into "path: message" strings.
func (r *ValidationResult) WarningMessages() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, fmt.Sprintf("%s: %s", w.Path, w.Message))
	}
	return out
}

// ToError converts the result to a FlowError if invalid, nil if valid.
// The error carries the code of the first issue so callers can tell a cycle
// from an unknown dependency from a generic structural problem.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), first.Message)
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	for k, v := range first.Details {
		details[k] = v
	}

	code := first.Code
	if !validationCodes[code] {
		code = ErrCodeValidation
	}
	return NewError(code, msg).WithDetails(details)
}
