package validation

import (
	"errors"

	"github.com/rendis/stepflow/pkg/schema"
)

// stage is one pass over a definition. Later stages only run while every
// earlier stage found no errors; warnings never stop the pipeline.
type stage func(def *schema.WorkflowDefinition) *schema.ValidationResult

// WorkflowValidator checks a definition before it is submitted: the JSON
// Schema shape first, then references, kind config, system actions and
// conditions, and finally the dependency graph.
type WorkflowValidator struct {
	stages []stage
}

// NewWorkflowValidator creates a WorkflowValidator. lookup and conditions
// may be nil to skip action and condition checks.
func NewWorkflowValidator(lookup ActionLookup, conditions ConditionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	structure := func(def *schema.WorkflowDefinition) *schema.ValidationResult {
		return structuralResult(jsv.ValidateDefinition(def))
	}
	semantics := func(def *schema.WorkflowDefinition) *schema.ValidationResult {
		return validateSemantic(def, lookup, conditions)
	}
	return &WorkflowValidator{stages: []stage{structure, semantics, validateDAG}}, nil
}

// Validate runs every stage and returns the merged result.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	for _, st := range wv.stages {
		result.Merge(st(def))
		if !result.Valid() {
			break
		}
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// structuralResult spreads the schema validator's violations into one issue
// each.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	switch {
	case !errors.As(err, &fe):
		result.AddError("/", schema.ErrCodeValidation, err.Error())
	case len(violationList(fe)) > 0:
		for _, v := range violationList(fe) {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
	default:
		result.AddError("/", schema.ErrCodeValidation, fe.Message)
	}
	return result
}

func violationList(fe *schema.FlowError) []string {
	v, _ := fe.Details["violations"].([]string)
	return v
}

var _ Validator = (*WorkflowValidator)(nil)
