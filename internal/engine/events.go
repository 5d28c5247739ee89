package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
)

// emitter appends step-level events. Delivery failures are logged and never
// fail the step.
type emitter struct {
	appender EventAppender
	logger   *slog.Logger
}

func (e *emitter) emit(ctx context.Context, executionID, step, eventType string, payload map[string]any) {
	if e == nil || e.appender == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "event payload not serializable", "event_type", eventType, "error", err)
		} else {
			raw = data
		}
	}

	// Events describing a timed out or cancelled step must still be written.
	ctx = context.WithoutCancel(ctx)
	err := e.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		Step:        step,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("append event failed", "event_type", eventType, "error", err)
	}
}
