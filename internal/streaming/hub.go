package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionEvent is a real-time event emitted while an execution runs.
type ExecutionEvent struct {
	Type        string          `json:"event_type"`
	ExecutionID string          `json:"execution_id"`
	Step        string          `json:"step,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error)
}
