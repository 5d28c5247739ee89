package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// lmsServer is an in-process MCP server with an echo tool and a tool that
// always reports an error.
func lmsServer() *server.MCPServer {
	s := server.NewMCPServer("lms", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("Echo arguments back as JSON")),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			data, err := json.Marshal(req.GetArguments())
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
	s.AddTool(
		mcp.NewTool("greet", mcp.WithString("name", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("hello " + req.GetString("name", "")), nil
		},
	)
	s.AddTool(
		mcp.NewTool("fail"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("quota exceeded"), nil
		},
	)
	return s
}

func inProcess(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(lmsServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func connectedRegistry(t *testing.T) *MCPRegistry {
	t.Helper()
	r := NewMCPRegistry(logging.Discard())
	require.NoError(t, r.Connect(context.Background(), "lms", inProcess(t)))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestMCPRegistry_DiscoversTools(t *testing.T) {
	r := connectedRegistry(t)

	tools, err := r.Tools("lms")
	require.NoError(t, err)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"echo", "fail", "greet"}, names)
	assert.Equal(t, []string{"lms"}, r.Names())
	assert.Equal(t, map[string]string{"lms": StatusHealthy}, r.Status())
}

func TestMCPRegistry_ExecutePassesCredentialsAndConfig(t *testing.T) {
	r := connectedRegistry(t)

	res, err := r.ExecutePluginAction(context.Background(), engine.PluginRequest{
		Plugin:      "lms",
		Action:      "echo",
		Params:      map[string]any{"course": "go-101"},
		Credentials: map[string]any{"token": "t-1"},
		Config:      map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, ok := res.Data.(map[string]any)
	require.True(t, ok, "JSON text is decoded")
	assert.Equal(t, "go-101", data["course"])
	assert.Equal(t, map[string]any{"token": "t-1"}, data["_credentials"])
	assert.Equal(t, map[string]any{"region": "eu"}, data["_config"])
}

func TestMCPRegistry_PlainTextResult(t *testing.T) {
	r := connectedRegistry(t)

	res, err := r.ExecutePluginAction(context.Background(), engine.PluginRequest{
		Plugin: "lms", Action: "greet", Params: map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello ada", res.Data)
}

func TestMCPRegistry_ToolErrorIsUnsuccessful(t *testing.T) {
	r := connectedRegistry(t)

	res, err := r.ExecutePluginAction(context.Background(), engine.PluginRequest{Plugin: "lms", Action: "fail"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "quota exceeded", res.Error)
}

func TestMCPRegistry_UnknownPluginOrAction(t *testing.T) {
	r := connectedRegistry(t)
	ctx := context.Background()

	_, err := r.ExecutePluginAction(ctx, engine.PluginRequest{Plugin: "github", Action: "echo"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	_, err = r.ExecutePluginAction(ctx, engine.PluginRequest{Plugin: "lms", Action: "delete_course"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	_, err = r.Tools("github")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestMCPRegistry_DuplicateAndStop(t *testing.T) {
	r := connectedRegistry(t)
	ctx := context.Background()

	err := r.Connect(ctx, "lms", inProcess(t))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	require.NoError(t, r.Stop("lms"))
	assert.Empty(t, r.Names())
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(r.Stop("lms")))
}

// flakyClient wraps a real client and fails pings on demand.
type flakyClient struct {
	Client
	failPing atomic.Bool
	closed   atomic.Int32
}

func (f *flakyClient) Ping(ctx context.Context) error {
	if f.failPing.Load() {
		return errors.New("broken pipe")
	}
	return f.Client.Ping(ctx)
}

func (f *flakyClient) Close() error {
	f.closed.Add(1)
	return f.Client.Close()
}

func TestMCPRegistry_RestartsUnhealthyPlugin(t *testing.T) {
	var mu sync.Mutex
	var dialed []*flakyClient
	dial := func(context.Context, PluginConfig) (Client, error) {
		c, err := client.NewInProcessClient(lmsServer())
		if err != nil {
			return nil, err
		}
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
		fc := &flakyClient{Client: c}
		mu.Lock()
		dialed = append(dialed, fc)
		mu.Unlock()
		return fc, nil
	}

	r := NewMCPRegistry(logging.Discard(), WithDialer(dial), WithHealthInterval(5*time.Millisecond))
	r.restartDelay = func(int) time.Duration { return time.Millisecond }
	defer r.Close()

	require.NoError(t, r.Load(context.Background(), PluginConfig{Name: "lms", Command: "lms-mcp"}))

	mu.Lock()
	first := dialed[0]
	mu.Unlock()
	first.failPing.Store(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), first.closed.Load())

	require.Eventually(t, func() bool {
		return r.Status()["lms"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)

	res, err := r.ExecutePluginAction(context.Background(), engine.PluginRequest{
		Plugin: "lms", Action: "greet", Params: map[string]any{"name": "again"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello again", res.Data)
}

func TestMCPRegistry_LoadRejects(t *testing.T) {
	r := NewMCPRegistry(logging.Discard(), WithDialer(func(context.Context, PluginConfig) (Client, error) {
		return nil, errors.New("exec: not found")
	}))
	ctx := context.Background()

	err := r.Load(ctx, PluginConfig{Name: "lms"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	err = r.Load(ctx, PluginConfig{Name: "lms", Command: "/nonexistent/lms-mcp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Empty(t, r.Names())
}

func TestDefaultRestartDelay(t *testing.T) {
	assert.Equal(t, 8*time.Second, defaultRestartDelay(3))
	assert.Equal(t, 60*time.Second, defaultRestartDelay(10))
}
