package actions

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// Defaults applied when create_notification omits a field.
const (
	DefaultNotificationTitle   = "Workflow Notification"
	DefaultNotificationContent = "Workflow completed successfully"
	DefaultNotificationLevel   = "info"
)

var notificationLevels = map[string]bool{"info": true, "success": true, "warning": true, "error": true}

type notificationAction struct {
	notifier Notifier
}

func (a *notificationAction) Name() string { return ActionCreateNotification }

func (a *notificationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Emit a notification to the execution owner",
		Optional:    []string{"title", "content", "level"},
	}
}

func (a *notificationAction) Validate(params map[string]any) error {
	level, ok := params["level"].(string)
	if ok && !notificationLevels[level] && !isTemplate(level) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"create_notification: level %q must be one of info, success, warning, error", level)
	}
	return nil
}

func (a *notificationAction) Execute(ctx context.Context, input ActionInput) (map[string]any, error) {
	n := Notification{
		ExecutionID: input.ExecutionID,
		Owner:       input.Owner,
		Workflow:    input.Workflow,
		Step:        input.Step,
		Title:       stringParam(input.Params, "title", DefaultNotificationTitle),
		Content:     stringParam(input.Params, "content", DefaultNotificationContent),
		Level:       stringParam(input.Params, "level", DefaultNotificationLevel),
	}

	id := uuid.New().String()
	if a.notifier != nil {
		var err error
		if id, err = a.notifier.Notify(ctx, n); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "create_notification: %s", err.Error()).WithCause(err)
		}
	}

	return map[string]any{
		"notification_id": id,
		"title":           n.Title,
		"content":         n.Content,
		"level":           n.Level,
	}, nil
}
