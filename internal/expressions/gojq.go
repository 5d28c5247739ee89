package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/stepflow/pkg/schema"
)

// JQTransformer runs jq filters over the execution namespace. It backs the
// set_variable system action's "jq" parameter. Compiled filters are cached.
type JQTransformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQTransformer creates an empty transformer.
func NewJQTransformer() *JQTransformer {
	return &JQTransformer{cache: make(map[string]*gojq.Code)}
}

// Transform runs filter against input (normalised to JSON types first).
// A single output is returned as-is, several are collected into []any and
// no output yields nil.
func (t *JQTransformer) Transform(ctx context.Context, filter string, input any) (any, error) {
	code, err := t.getOrCompile(filter)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, Normalize(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", filter, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"filter": filter})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Check parses and compiles filter.
func (t *JQTransformer) Check(filter string) error {
	_, err := t.getOrCompile(filter)
	return err
}

func (t *JQTransformer) getOrCompile(filter string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[filter]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.cache[filter]; ok {
		return code, nil
	}

	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq filter")
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	// No environment: $ENV and env resolve to empty.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	t.cache[filter] = code
	return code, nil
}
