package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// HubNotifier delivers create_notification output as notification_created
// events, so subscribers watching an execution see them live.
type HubNotifier struct {
	events Appender
}

// NewHubNotifier publishes through events, normally a Recorder so the
// notification is also kept in the execution's event log.
func NewHubNotifier(events Appender) *HubNotifier {
	return &HubNotifier{events: events}
}

// Notify implements actions.Notifier.
func (n *HubNotifier) Notify(ctx context.Context, note actions.Notification) (string, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(struct {
		ID string `json:"notification_id"`
		actions.Notification
	}{id, note})
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	err = n.events.AppendEvent(ctx, &store.Event{
		ExecutionID: note.ExecutionID,
		Step:        note.Step,
		Type:        schema.EventNotificationCreated,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("deliver notification: %w", err)
	}
	return id, nil
}

var _ actions.Notifier = (*HubNotifier)(nil)
