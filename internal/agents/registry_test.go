package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

func echoAgent() Agent {
	return AgentFunc(func(_ context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		return &engine.AgentResult{Success: true, Content: "re: " + req.Prompt}, nil
	})
}

func TestValidateInfo(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		wantErr bool
	}{
		{"valid llm", Info{ID: "writer", Type: TypeLLM}, false},
		{"valid service", Info{ID: "grader", Type: TypeService}, false},
		{"missing id", Info{Type: TypeLLM}, true},
		{"empty type", Info{ID: "a"}, true},
		{"unknown type", Info{ID: "a", Type: "robot"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInfo(tt.info)
			if tt.wantErr {
				assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{ID: "writer", Type: TypeLLM, Capabilities: []string{"summarize"}}, echoAgent()))

	res, err := r.ExecuteSingleAgent(context.Background(), "writer", engine.AgentRequest{Prompt: "hi", Capability: "summarize"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "re: hi", res.Content)

	_, err = r.ExecuteSingleAgent(context.Background(), "writer", engine.AgentRequest{Prompt: "hi", Capability: "translate"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = r.ExecuteSingleAgent(context.Background(), "ghost", engine.AgentRequest{})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestRegistry_RegisterListUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{ID: "b", Type: TypeSystem}, echoAgent()))
	require.NoError(t, r.Register(Info{ID: "a", Name: "Alpha", Type: TypeLLM}, echoAgent()))
	assert.Error(t, r.Register(Info{ID: "c", Type: TypeLLM}, nil))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)
	assert.Equal(t, "b", list[1].Name, "name defaults to id")

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Len(t, r.List(), 1)
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.Register(Info{ID: "a", Type: TypeLLM}, AgentFunc(func(context.Context, engine.AgentRequest) (*engine.AgentResult, error) {
		called = true
		return &engine.AgentResult{Success: true}, nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ExecuteSingleAgent(ctx, "a", engine.AgentRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

type stubPlugins struct {
	got engine.PluginRequest
	res *engine.PluginResult
	err error
}

func (s *stubPlugins) ExecutePluginAction(_ context.Context, req engine.PluginRequest) (*engine.PluginResult, error) {
	s.got = req
	return s.res, s.err
}

func TestPluginAgent(t *testing.T) {
	tests := []struct {
		name        string
		res         *engine.PluginResult
		wantSuccess bool
		wantContent string
		wantData    map[string]any
		wantError   string
	}{
		{
			name:        "text",
			res:         &engine.PluginResult{Success: true, Data: "a summary"},
			wantSuccess: true,
			wantContent: "a summary",
		},
		{
			name:        "object with content",
			res:         &engine.PluginResult{Success: true, Data: map[string]any{"content": "ok", "score": 0.9}},
			wantSuccess: true,
			wantContent: "ok",
			wantData:    map[string]any{"content": "ok", "score": 0.9},
		},
		{
			name:        "list",
			res:         &engine.PluginResult{Success: true, Data: []any{"x", "y"}},
			wantSuccess: true,
			wantContent: `["x","y"]`,
		},
		{
			name:      "tool error",
			res:       &engine.PluginResult{Error: "rate limited"},
			wantError: "rate limited",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plugins := &stubPlugins{res: tt.res}
			a := NewPluginAgent(plugins, "llm", "complete")

			res, err := a.Run(context.Background(), engine.AgentRequest{
				Prompt:  "summarize",
				Context: map[string]any{"workflow": "report"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, tt.wantContent, res.Content)
			assert.Equal(t, tt.wantData, res.Data)
			assert.Equal(t, tt.wantError, res.Error)

			assert.Equal(t, "llm", plugins.got.Plugin)
			assert.Equal(t, "complete", plugins.got.Action)
			assert.Equal(t, "summarize", plugins.got.Params["prompt"])
			assert.NotContains(t, plugins.got.Params, "parameters")
		})
	}
}

func TestPluginAgent_TransportError(t *testing.T) {
	a := NewPluginAgent(&stubPlugins{err: errors.New("plugin crashed")}, "llm", "complete")
	_, err := a.Run(context.Background(), engine.AgentRequest{Prompt: "x"})
	assert.EqualError(t, err, "plugin crashed")
}
