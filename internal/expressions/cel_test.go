package expressions

import (
	"context"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELConditions {
	t.Helper()
	c, err := NewCELConditions()
	require.NoError(t, err)
	return c
}

func TestCELConditions_Evaluate(t *testing.T) {
	c := newCEL(t)
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"literal", "true", true},
		{"step field", "steps.fetch.count > 0", true},
		{"string equality", `steps.fetch.status == "ok"`, true},
		{"int literal against JSON number", "course.credits == 4", true},
		{"connectives", "steps.fetch.count < limit && !dry_run", true},
		{"or", "dry_run || course.credits <= 3", false},
		{"index", `course["id"] == "PHYS118"`, true},
		{"negation", "limit > -1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Evaluate(ctx, tt.expr, exprEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELConditions_IntVariables(t *testing.T) {
	c := newCEL(t)
	got, err := c.Evaluate(context.Background(), "attempts >= 2", map[string]any{"attempts": 3})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELConditions_RejectsOutsideGrammar(t *testing.T) {
	c := newCEL(t)

	rejected := []string{
		`size(course.id) > 3`,
		`course.id.startsWith("PHYS")`,
		`[1, 2].exists(x, x > 1)`,
		`has(course.id)`,
		`limit + 1 > 3`,
		`limit > 3 ? true : false`,
		`{"a": 1}["a"] == 1`,
		`[1] == [1]`,
	}
	for _, expr := range rejected {
		t.Run(expr, func(t *testing.T) {
			err := c.Check(expr)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestCELConditions_UndefinedReference(t *testing.T) {
	c := newCEL(t)
	env := map[string]any{
		"dry_run": true,
		"steps":   map[string]any{"fetch": map[string]any{"ok": true}},
	}

	tests := []struct {
		expr    string
		missing string
	}{
		{"dry_runn != true", "dry_runn"},
		{"missing.field == 1", "missing"},
		{"steps.grade.score > 0", "steps.grade"},
		{`steps["grade"] != null`, "steps.grade"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := c.Evaluate(context.Background(), tt.expr, env)
			require.Error(t, err)
			assert.False(t, got)
			assert.Equal(t, schema.ErrCodeUnresolvedReference, schema.ErrorCode(err))
			assert.Contains(t, err.Error(), tt.missing)
		})
	}

	got, err := c.Evaluate(context.Background(), "steps.fetch.ok && dry_run", env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELConditions_NonBoolean(t *testing.T) {
	c := newCEL(t)
	_, err := c.Evaluate(context.Background(), "course.id", exprEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a boolean")
}

func TestCELConditions_ParseError(t *testing.T) {
	c := newCEL(t)
	assert.Error(t, c.Check("limit >"))
	assert.Error(t, c.Check(""))
}

func TestCELConditions_CachesProgram(t *testing.T) {
	c := newCEL(t)
	require.NoError(t, c.Check("a == b"))
	require.NoError(t, c.Check("a == b"))
	assert.Len(t, c.cache, 1)
	assert.Equal(t, []string{"a", "b"}, c.cache["a == b"].refs.roots)
}
