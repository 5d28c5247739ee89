package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/rendis/stepflow/pkg/schema"
)

// celAllowedCalls are the operator functions a CEL guard may use.
var celAllowedCalls = map[string]bool{
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Negate:        true,
	operators.Index:         true,
}

// CELConditions evaluates guards written in CEL syntax, e.g.
// `steps.fetch.count > 0 && !dry_run`. Every top-level identifier in the
// expression is declared dynamically typed, so guards may reference any
// variable in the namespace.
type CELConditions struct {
	base *cel.Env

	mu    sync.RWMutex
	cache map[string]*celProgram
}

type celProgram struct {
	prg  cel.Program
	refs conditionRefs
}

// NewCELConditions creates a CEL evaluator.
func NewCELConditions() (*CELConditions, error) {
	env, err := cel.NewEnv(cel.CrossTypeNumericComparisons(true))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELConditions{base: env, cache: make(map[string]*celProgram)}, nil
}

// Dialect returns "cel".
func (c *CELConditions) Dialect() string { return DialectCEL }

// Check vets and compiles expression.
func (c *CELConditions) Check(expression string) error {
	_, err := c.getOrCompile(expression)
	return err
}

// Evaluate runs expression against env and requires a boolean result. A
// variable or step result missing from env is UNRESOLVED_REFERENCE.
func (c *CELConditions) Evaluate(_ context.Context, expression string, env map[string]any) (bool, error) {
	p, err := c.getOrCompile(expression)
	if err != nil {
		return false, err
	}
	if err := p.refs.resolve(expression, env); err != nil {
		return false, err
	}

	activation := make(map[string]any, len(p.refs.roots))
	for _, name := range p.refs.roots {
		activation[name] = Normalize(env[name])
	}

	out, _, err := p.prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, notBoolean(expression, out.Value())
	}
	return b, nil
}

func (c *CELConditions) getOrCompile(expression string) (*celProgram, error) {
	c.mu.RLock()
	if p, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.cache[expression]; ok {
		return p, nil
	}

	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	parsed, issues := c.base.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition parse error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	idents, steps := map[string]bool{}, map[string]bool{}
	if err := vetCELExpr(expression, parsed.NativeRep().Expr(), idents, steps); err != nil {
		return nil, err
	}
	refs := newConditionRefs(idents, steps)

	opts := make([]cel.EnvOption, 0, len(refs.roots))
	for _, name := range refs.roots {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := c.base.Extend(opts...)
	if err != nil {
		return nil, fmt.Errorf("extend CEL environment: %w", err)
	}

	checked, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	p := &celProgram{prg: prg, refs: refs}
	c.cache[expression] = p
	return p, nil
}

// vetCELExpr rejects anything outside the permitted grammar and collects the
// root identifiers and steps.<name> lookups the expression reads.
func vetCELExpr(expression string, e celast.Expr, idents, steps map[string]bool) error {
	switch e.Kind() {
	case celast.LiteralKind:
		return nil
	case celast.IdentKind:
		idents[e.AsIdent()] = true
		return nil
	case celast.SelectKind:
		sel := e.AsSelect()
		if sel.IsTestOnly() {
			return disallowed(expression, "has()")
		}
		if isStepsIdent(sel.Operand()) {
			steps[sel.FieldName()] = true
		}
		return vetCELExpr(expression, sel.Operand(), idents, steps)
	case celast.CallKind:
		call := e.AsCall()
		if call.IsMemberFunction() || !celAllowedCalls[call.FunctionName()] {
			return disallowed(expression, fmt.Sprintf("function %q", call.FunctionName()))
		}
		args := call.Args()
		if call.FunctionName() == operators.Index && len(args) == 2 && isStepsIdent(args[0]) &&
			args[1].Kind() == celast.LiteralKind {
			if name, ok := args[1].AsLiteral().Value().(string); ok {
				steps[name] = true
			}
		}
		for _, arg := range args {
			if err := vetCELExpr(expression, arg, idents, steps); err != nil {
				return err
			}
		}
		return nil
	case celast.ComprehensionKind:
		return disallowed(expression, "a comprehension macro")
	case celast.ListKind, celast.MapKind, celast.StructKind:
		return disallowed(expression, "a collection literal")
	default:
		return disallowed(expression, "an unsupported expression")
	}
}

func isStepsIdent(e celast.Expr) bool {
	return e.Kind() == celast.IdentKind && e.AsIdent() == StepsKey
}

var _ ConditionEvaluator = (*CELConditions)(nil)
