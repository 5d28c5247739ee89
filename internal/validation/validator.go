package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflow definitions before they are executed.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionLookup reports whether a system action is registered.
type ActionLookup interface {
	Has(name string) bool
}

// ConditionChecker compiles a condition without evaluating it.
type ConditionChecker interface {
	Check(expression string) error
}
