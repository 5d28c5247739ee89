package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
)

// Action is a built-in system action: a small side effect a workflow step
// can trigger without a plugin.
type Action interface {
	Name() string
	Schema() ActionSchema
	// Validate checks params that are fixed at definition time.
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ActionInput) (map[string]any, error)
}

// ActionSchema describes an action's parameter contract.
type ActionSchema struct {
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
	// Raw lists params passed through without placeholder interpolation.
	Raw []string `json:"raw,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params      map[string]any
	Namespace   *expressions.Namespace
	Variables   VariableSetter
	ExecutionID string
	Owner       string
	Workflow    string
	Step        string
}

// VariableSetter writes into the execution's variable namespace.
type VariableSetter interface {
	SetVariable(name string, value any)
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Notification is emitted by create_notification.
type Notification struct {
	ExecutionID string `json:"execution_id"`
	Owner       string `json:"owner"`
	Workflow    string `json:"workflow"`
	Step        string `json:"step"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Level       string `json:"level"`
}

// Notifier delivers notifications and returns the notification id.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (string, error)
}

// EmailMessage is sent by send_email.
type EmailMessage struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Mailer sends email-like messages and returns the message id.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) (string, error)
}
