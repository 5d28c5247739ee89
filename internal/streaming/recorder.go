package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
)

// Appender persists events. Satisfied by store.Archive.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Recorder writes each event to the durable log and then publishes it on
// the hub with the sequence the log assigned. A failed write is returned
// and nothing is published; a failed publish is only logged.
type Recorder struct {
	log    Appender
	hub    EventHub
	logger *slog.Logger
}

// NewRecorder creates a recorder. Either log or hub may be nil.
func NewRecorder(log Appender, hub EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, hub: hub, logger: logger}
}

// AppendEvent records event.
func (r *Recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if r.log != nil {
		if err := r.log.AppendEvent(ctx, event); err != nil {
			return err
		}
	}
	if r.hub == nil {
		return nil
	}
	if err := r.hub.Publish(ctx, FromStoreEvent(event)); err != nil {
		logging.LogWith(ctx, r.logger).Warn("publish event failed",
			"execution_id", event.ExecutionID, "event_type", event.Type, "error", err)
	}
	return nil
}

// FromStoreEvent converts a logged event into its streamed form.
func FromStoreEvent(e *store.Event) ExecutionEvent {
	return ExecutionEvent{
		Type:        e.Type,
		ExecutionID: e.ExecutionID,
		Step:        e.Step,
		Payload:     e.Payload,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
	}
}
