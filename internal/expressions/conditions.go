package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Condition dialects.
const (
	DialectExpr = "expr"
	DialectCEL  = "cel"
)

// ConditionEvaluator evaluates guard conditions over an execution namespace.
// Implementations accept only a restricted grammar: lookups, literals,
// comparisons and boolean connectives. Anything else fails Check.
type ConditionEvaluator interface {
	Dialect() string
	// Check parses and compiles expression without evaluating it.
	Check(expression string) error
	// Evaluate returns the boolean value of expression against env.
	Evaluate(ctx context.Context, expression string, env map[string]any) (bool, error)
}

// NewConditionEvaluator returns the evaluator for dialect ("" selects expr).
func NewConditionEvaluator(dialect string) (ConditionEvaluator, error) {
	switch strings.ToLower(dialect) {
	case "", DialectExpr:
		return NewExprConditions(), nil
	case DialectCEL:
		return NewCELConditions()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition dialect %q: must be one of %s, %s", dialect, DialectExpr, DialectCEL)
	}
}

// comparisonOps are the binary operators shared by both dialects.
var comparisonOps = map[string]bool{
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
}

func disallowed(expression, what string) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"condition %q uses %s, which is not allowed: only lookups, literals, comparisons and and/or/not are permitted",
		expression, what).
		WithDetails(map[string]any{"expression": expression})
}

func notBoolean(expression string, out any) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"condition %q evaluated to %s, not a boolean", expression, fmt.Sprintf("%T", out)).
		WithDetails(map[string]any{"expression": expression})
}

// conditionRefs are the names a condition reads: its root identifiers and
// the step results it looks up under steps.
type conditionRefs struct {
	roots []string
	steps []string
}

func newConditionRefs(roots, steps map[string]bool) conditionRefs {
	return conditionRefs{roots: sortedSet(roots), steps: sortedSet(steps)}
}

// resolve fails with UNRESOLVED_REFERENCE when env lacks a name the
// condition reads, so a misspelt variable never evaluates as nil.
func (r conditionRefs) resolve(expression string, env map[string]any) error {
	for _, name := range r.roots {
		if _, ok := env[name]; !ok {
			return unresolved(expression, name, "not defined")
		}
	}
	results, _ := env[StepsKey].(map[string]any)
	for _, name := range r.steps {
		if _, ok := results[name]; !ok {
			return unresolved(expression, StepsKey+"."+name, "step has no result")
		}
	}
	return nil
}

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
