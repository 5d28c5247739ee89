package validation

import (
	"fmt"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// highRetryCount is the budget above which a warning is raised.
const highRetryCount = 10

// requiredConfig lists, per kind, the config keys a step cannot run without.
var requiredConfig = map[schema.StepKind][]string{
	schema.StepKindPluginAction: {"plugin", "action"},
	schema.StepKindAIAgent:      {"agent"},
	schema.StepKindSystemAction: {"action"},
	schema.StepKindCondition:    {"expression"},
	schema.StepKindLoop:         {"items", "steps"},
	schema.StepKindParallel:     {"steps"},
}

// validateSemantic checks references between steps and each step's
// kind-specific config. lookup and conditions may be nil to skip the
// action and condition checks.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if names[s.Name] {
			result.AddError(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", s.Name))
		}
		names[s.Name] = true
	}

	owner := make(map[string]string)
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		for j, child := range s.Children() {
			childPath := fmt.Sprintf("%s.config.steps[%d]", path, j)
			switch {
			case !names[child]:
				result.AddError(childPath, schema.ErrCodeUnknownDependency,
					fmt.Sprintf("references non-existent step %q", child))
			case child == s.Name:
				result.AddError(childPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q lists itself as a child", s.Name))
			case owner[child] != "":
				result.AddError(childPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q is already a child of %q", child, owner[child]))
			default:
				owner[child] = s.Name
			}
		}
	}

	wfTimeout, _ := def.TimeoutDuration()
	for i := range def.Steps {
		validateStep(def.Steps[i], fmt.Sprintf("steps[%d]", i), names, owner, wfTimeout, lookup, conditions, result)
	}
	return result
}

func validateStep(step schema.WorkflowStep, path string, names map[string]bool, owner map[string]string, wfTimeout time.Duration, lookup ActionLookup, conditions ConditionChecker, result *schema.ValidationResult) {
	for j, dep := range step.DependsOn {
		if !names[dep] {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	required, known := requiredConfig[step.Kind]
	if !known {
		result.AddWarning(path+".type", schema.ErrCodeUnknownStepKind,
			fmt.Sprintf("unknown step kind %q; the step will fail when dispatched", step.Kind))
	}
	for _, key := range required {
		if _, ok := step.Config[key]; !ok {
			result.AddError(path+".config."+key, schema.ErrCodeValidation,
				fmt.Sprintf("%s step requires config.%s", step.Kind, key))
		}
	}

	if step.Kind == schema.StepKindSystemAction && lookup != nil {
		if action := step.ConfigString("action"); action != "" && !lookup.Has(action) {
			result.AddWarning(path+".config.action", schema.ErrCodeUnknownSystemAction,
				fmt.Sprintf("system action %q is not registered", action))
		}
	}

	if conditions != nil {
		if step.Condition != "" {
			if err := conditions.Check(step.Condition); err != nil {
				result.AddWarning(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("condition will evaluate to false: %s", err.Error()))
			}
		}
		if expr := step.ConfigString("expression"); step.Kind == schema.StepKindCondition && expr != "" {
			if err := conditions.Check(expr); err != nil {
				result.AddWarning(path+".config.expression", schema.ErrCodeValidation,
					fmt.Sprintf("expression will evaluate to false: %s", err.Error()))
			}
		}
	}

	for _, ref := range expressions.ReferencedSteps(step.Config) {
		if !names[ref] {
			result.AddWarning(path+".config", schema.ErrCodeUnresolvedReference,
				fmt.Sprintf("references output of non-existent step %q", ref))
		}
	}

	if parent := owner[step.Name]; parent != "" && step.Parallel {
		result.AddWarning(path+".parallel", schema.ErrCodeValidation,
			fmt.Sprintf("parallel is ignored on %q; it is run by %q", step.Name, parent))
	}

	if step.MaxRetries != nil && *step.MaxRetries > highRetryCount {
		result.AddWarning(path+".max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *step.MaxRetries))
	}

	stepTimeout, err := step.TimeoutDuration()
	if err != nil {
		result.AddError(path+".timeout", schema.ErrCodeValidation, err.Error())
	} else if stepTimeout > 0 && wfTimeout > 0 && stepTimeout > wfTimeout {
		result.AddWarning(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%s) exceeds workflow timeout (%s); the workflow deadline fires first", stepTimeout, wfTimeout))
	}
}
