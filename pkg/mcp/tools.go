package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const maxWait = 5 * time.Minute

// handleSubmit starts an execution from an inline definition.
func (s *StepflowServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := req.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError("owner is required"), nil
	}

	def, defErr := parseDefinitionArg(req)
	if defErr != nil {
		return toolError("invalid definition", defErr), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	id, err := s.executor.Submit(ctx, def, owner, vars)
	if err != nil {
		return toolError("submit failed", err), nil
	}
	s.captureSession(ctx, id)

	wait := req.GetFloat("wait_seconds", 0)
	if wait <= 0 {
		return marshalResult(map[string]any{"execution_id": id, "status": schema.ExecutionPending})
	}

	d := time.Duration(wait * float64(time.Second))
	if d > maxWait {
		d = maxWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	report, err := s.executor.Wait(waitCtx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		report, err = s.executor.Status(ctx, id)
	}
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(report)
}

// parseDefinitionArg reads the definition object, or failing that the
// definition_yaml text.
func parseDefinitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		return schema.ParseDefinition(data)
	}
	if text := req.GetString("definition_yaml", ""); text != "" {
		return schema.ParseDefinition([]byte(text))
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "one of definition or definition_yaml is required")
}

// handleStatus returns the current state of an execution.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	report, err := s.executor.Status(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(report)
}

// handleCancel requests cancellation.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	return marshalResult(map[string]any{
		"execution_id": id,
		"cancelled":    s.executor.Cancel(ctx, id),
	})
}

// handleList lists executions matching the filter arguments.
func (s *StepflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		Owner:    req.GetString("owner", ""),
		Workflow: req.GetString("workflow", ""),
		Limit:    req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &t
	}

	reports, err := s.executor.List(ctx, filter)
	if err != nil {
		return toolError("list failed", err), nil
	}
	if reports == nil {
		reports = []*schema.ExecutionReport{}
	}
	return marshalResult(map[string]any{"executions": reports})
}

// handleEvents returns the recorded events of one execution.
func (s *StepflowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("event log is not available"), nil
	}
	events, err := s.events.Events(ctx, id, int64(req.GetInt("since", 0)))
	if err != nil {
		return toolError("event query failed", err), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// handleSchedules lists cron jobs.
func (s *StepflowServer) handleSchedules(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return marshalResult(map[string]any{"schedules": []any{}})
	}
	return marshalResult(map[string]any{"schedules": s.schedules.Jobs()})
}

// handleDiagram renders a definition as Mermaid, ASCII, PNG or SVG.
func (s *StepflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinitionArg(req)
	if err != nil {
		return toolError("invalid definition", err), nil
	}

	var report *schema.ExecutionReport
	if id := req.GetString("execution_id", ""); id != "" {
		report, err = s.executor.Status(ctx, id)
		if err != nil {
			return toolError("status query failed", err), nil
		}
	}

	model, err := diagram.Build(def, report)
	if err != nil {
		return toolError("diagram failed", err), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case diagram.FormatSVG:
		img, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return toolError("render failed", err), nil
		}
		return mcp.NewToolResultText(string(img)), nil
	case diagram.FormatPNG:
		img, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return toolError("render failed", err), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(img), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q", format)), nil
	}
}

// --- Internal helpers ---

// captureSession remembers which session submitted an execution so its
// terminal event can be pushed back.
func (s *StepflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error result. FlowError messages carry
// their code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

