package actions

import (
	"context"
	"regexp"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// setVariableAction writes one variable: either an interpolated value or
// the result of a jq filter run over the execution namespace.
type setVariableAction struct {
	jq *expressions.JQTransformer
}

func (a *setVariableAction) Name() string { return ActionSetVariable }

func (a *setVariableAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set an execution variable from a value or a jq filter over the namespace",
		Required:    []string{"name"},
		Optional:    []string{"value", "jq"},
		Raw:         []string{"jq"},
	}
}

func (a *setVariableAction) Validate(params map[string]any) error {
	name, _ := params["name"].(string)
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_variable requires 'name' string parameter")
	}
	if !variableName.MatchString(name) && !isTemplate(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "set_variable: %q is not a valid variable name", name)
	}
	if name == expressions.StepsKey {
		return schema.NewErrorf(schema.ErrCodeValidation, "set_variable: %q is reserved", name)
	}

	_, hasValue := params["value"]
	filter, hasJQ := params["jq"]
	switch {
	case hasValue && hasJQ:
		return schema.NewError(schema.ErrCodeValidation, "set_variable takes either 'value' or 'jq', not both")
	case !hasValue && !hasJQ:
		return schema.NewError(schema.ErrCodeValidation, "set_variable requires 'value' or 'jq'")
	case hasJQ:
		s, ok := filter.(string)
		if !ok {
			return schema.NewError(schema.ErrCodeValidation, "set_variable: 'jq' must be a string")
		}
		return a.jq.Check(s)
	}
	return nil
}

func (a *setVariableAction) Execute(ctx context.Context, input ActionInput) (map[string]any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	name := input.Params["name"].(string)

	value := input.Params["value"]
	if filter, ok := input.Params["jq"].(string); ok {
		var env map[string]any
		if input.Namespace != nil {
			env = input.Namespace.Env()
		}
		out, err := a.jq.Transform(ctx, filter, env)
		if err != nil {
			return nil, err
		}
		value = out
	}

	if input.Variables != nil {
		input.Variables.SetVariable(name, value)
	}
	return map[string]any{"name": name, "value": value}, nil
}

func isTemplate(s string) bool {
	return len(expressions.References(s)) > 0
}
