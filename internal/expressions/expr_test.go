package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprEnv() map[string]any {
	return map[string]any{
		"dry_run": false,
		"limit":   float64(10),
		"course":  map[string]any{"id": "PHYS118", "credits": float64(4)},
		"steps": map[string]any{
			"fetch": map[string]any{"count": float64(3), "status": "ok"},
		},
	}
}

func TestExprConditions_Dialect(t *testing.T) {
	assert.Equal(t, DialectExpr, NewExprConditions().Dialect())
}

func TestExprConditions_Evaluate(t *testing.T) {
	e := NewExprConditions()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"literal true", "true", true},
		{"step field comparison", "steps.fetch.count > 0", true},
		{"string equality", `steps.fetch.status == "ok"`, true},
		{"inequality", `course.id != "MATH101"`, true},
		{"ordering with int literal", "course.credits >= 4", true},
		{"word connectives", "steps.fetch.count < limit and not dry_run", true},
		{"symbol connectives", "dry_run || course.credits <= 3", false},
		{"bang", "!dry_run", true},
		{"parentheses", "(limit > 5 and limit < 20) or dry_run", true},
		{"negative literal", "limit > -1", true},
		{"nil comparison of a missing field", "course.missing == nil", true},
		{"index lookup", `course["id"] == "PHYS118"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, exprEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprConditions_RejectsOutsideGrammar(t *testing.T) {
	e := NewExprConditions()

	rejected := []string{
		`len(course.id) > 3`,
		`course.id startsWith "PHYS"`,
		`limit + 1 > 3`,
		`filter([1, 2], # > 1)`,
		`[1, 2] == [1, 2]`,
		`{"a": 1} != nil`,
		`limit > 3 ? true : false`,
		`"PHYS" in course.id`,
		`let x = 1; x == 1`,
		`course.id | upper() == "X"`,
	}
	for _, expr := range rejected {
		t.Run(expr, func(t *testing.T) {
			err := e.Check(expr)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

			_, err = e.Evaluate(context.Background(), expr, exprEnv())
			assert.Error(t, err)
		})
	}
}

func TestExprConditions_UndefinedReference(t *testing.T) {
	e := NewExprConditions()
	env := map[string]any{
		"dry_run": true,
		"steps":   map[string]any{"fetch": map[string]any{"ok": true}},
	}

	tests := []struct {
		expr    string
		missing string
	}{
		{"dry_runn != true", "dry_runn"},
		{"dry_run and limit > 1", "limit"},
		{"missing == nil", "missing"},
		{"steps.grade.score > 0", "steps.grade"},
		{`steps["grade"] != nil`, "steps.grade"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, env)
			require.Error(t, err)
			assert.False(t, got)
			assert.Equal(t, schema.ErrCodeUnresolvedReference, schema.ErrorCode(err))
			assert.Contains(t, err.Error(), tt.missing)
		})
	}

	got, err := e.Evaluate(context.Background(), "steps.fetch.ok and dry_run", env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExprConditions_ParseError(t *testing.T) {
	e := NewExprConditions()
	err := e.Check("limit >")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	assert.Error(t, e.Check(""))
}

func TestExprConditions_NonBooleanResult(t *testing.T) {
	e := NewExprConditions()
	_, err := e.Evaluate(context.Background(), "course.id", exprEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a boolean")
}

func TestExprConditions_TypeMismatch(t *testing.T) {
	e := NewExprConditions()
	_, err := e.Evaluate(context.Background(), `course.id > 3`, exprEnv())
	assert.Error(t, err)
}

func TestExprConditions_CachesProgram(t *testing.T) {
	e := NewExprConditions()
	require.NoError(t, e.Check("limit > 1"))
	require.NoError(t, e.Check("limit > 1"))
	assert.Len(t, e.cache, 1)

	// The cached program is reused with differently typed values.
	got, err := e.Evaluate(context.Background(), "limit > 1", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExprConditions_Concurrent(t *testing.T) {
	e := NewExprConditions()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := e.Evaluate(context.Background(), "limit > n", map[string]any{"limit": float64(10), "n": float64(n)})
			assert.NoError(t, err)
			assert.Equal(t, n < 10, got)
		}(i)
	}
	wg.Wait()
}

func TestNewConditionEvaluator(t *testing.T) {
	e, err := NewConditionEvaluator("")
	require.NoError(t, err)
	assert.Equal(t, DialectExpr, e.Dialect())

	e, err = NewConditionEvaluator("CEL")
	require.NoError(t, err)
	assert.Equal(t, DialectCEL, e.Dialect())

	_, err = NewConditionEvaluator("python")
	assert.Error(t, err)
}
