package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// forwardedEvents are pushed to the submitting session.
var forwardedEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
	schema.EventNotificationCreated,
}

// Pusher sends a notification to one MCP session. Satisfied by
// *server.MCPServer.
type Pusher interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// EventForwarder pushes execution outcomes and notifications to the MCP
// session that submitted the execution.
type EventForwarder struct {
	pusher   Pusher
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewEventForwarder creates a forwarder.
func NewEventForwarder(pusher Pusher, sessions *SessionRegistry, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventForwarder{pusher: pusher, sessions: sessions, logger: logger}
}

// Run forwards hub events until ctx is done.
func (f *EventForwarder) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: forwardedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			f.Forward(evt)
		}
	}
}

// Forward pushes one event. Best-effort: events for executions without a
// session are ignored and an expired session is forgotten.
func (f *EventForwarder) Forward(evt streaming.ExecutionEvent) {
	sessionID, ok := f.sessions.SessionFor(evt.ExecutionID)
	if !ok {
		return
	}
	if evt.Type != schema.EventNotificationCreated {
		f.sessions.Forget(evt.ExecutionID)
	}

	params := map[string]any{
		"level":  "info",
		"logger": "stepflow",
		"data": map[string]any{
			"event_type":   evt.Type,
			"execution_id": evt.ExecutionID,
			"step":         evt.Step,
			"payload":      decodePayload(evt.Payload),
			"timestamp":    evt.Timestamp,
		},
	}
	err := f.pusher.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
	switch {
	case err == nil:
	case errors.Is(err, server.ErrSessionNotFound):
		f.sessions.Remove(sessionID)
	default:
		f.logger.Warn("push event to session failed", "execution_id", evt.ExecutionID, "session_id", sessionID, "error", err)
	}
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
