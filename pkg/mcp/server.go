package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor is the engine surface exposed as tools. Satisfied by
// *engine.Engine.
type Executor interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, owner string, vars map[string]any) (string, error)
	Status(ctx context.Context, id string) (*schema.ExecutionReport, error)
	Cancel(ctx context.Context, id string) bool
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionReport, error)
	Wait(ctx context.Context, id string) (*schema.ExecutionReport, error)
}

// EventLog reads an execution's recorded events.
type EventLog interface {
	Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// JobLister reports cron-scheduled workflows.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// ServerDeps holds the dependencies for creating a StepflowServer.
type ServerDeps struct {
	Executor  Executor
	Events    EventLog
	Schedules JobLister
	Logger    *slog.Logger
	Version   string // reported to clients during initialize
}

// StepflowServer wraps an MCP server with the stepflow tool handlers.
type StepflowServer struct {
	executor  Executor
	events    EventLog
	schedules JobLister
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a server with every tool registered.
func NewStepflowServer(deps ServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		executor:  deps.Executor,
		events:    deps.Events,
		schedules: deps.Schedules,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepflow runs workflow definitions as dependency-ordered steps. Use stepflow.submit to start an execution, stepflow.status to follow it, stepflow.cancel to stop it before its next batch, stepflow.list to browse executions, stepflow.events to read an execution's event log, stepflow.schedules to see cron-scheduled workflows and stepflow.diagram to draw a definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE runs the SSE transport on addr until ctx is cancelled.
func (s *StepflowServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()
	s.logger.Info("mcp sse listening", "addr", addr, "base_url", baseURL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sse.Shutdown(shutdownCtx)
}

// MCPServer returns the underlying MCPServer.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions maps executions to the MCP session that submitted them.
func (s *StepflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: schedulesTool(), Handler: s.handleSchedules},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("stepflow.submit",
		mcp.WithDescription("Submit a workflow definition for execution"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("definition_yaml", mcp.Description("Workflow definition as YAML or JSON text (alternative to definition)")),
		mcp.WithString("owner", mcp.Required(), mcp.Description("ID of the owner the execution runs for")),
		mcp.WithObject("variables", mcp.Description("Initial workflow variables")),
		mcp.WithNumber("wait_seconds", mcp.Description("Block up to this many seconds for the execution to finish")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running execution before its next batch"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("status", mcp.Enum("pending", "running", "completed", "failed", "cancelled"), mcp.Description("Only executions in this status")),
		mcp.WithString("owner", mcp.Description("Only executions of this owner")),
		mcp.WithString("workflow", mcp.Description("Only executions of this workflow")),
		mcp.WithString("since", mcp.Description("RFC3339 time; only executions started after it")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("stepflow.events",
		mcp.WithDescription("Read an execution's event log"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence greater than this")),
	)
}

func schedulesTool() mcp.Tool {
	return mcp.NewTool("stepflow.schedules",
		mcp.WithDescription("List cron-scheduled workflows"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw a workflow definition, optionally overlaid with an execution's step outcomes"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("definition_yaml", mcp.Description("Workflow definition as YAML or JSON text (alternative to definition)")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step results are drawn on the nodes")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii", "png", "svg"), mcp.Description("Output format (default mermaid)")),
	)
}
