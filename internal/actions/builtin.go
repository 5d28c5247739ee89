package actions

import (
	"github.com/rendis/stepflow/internal/expressions"
)

// Built-in action names.
const (
	ActionCreateNotification = "create_notification"
	ActionNotify             = "notify"
	ActionSetVariable        = "set_variable"
	ActionSendEmail          = "send_email"
)

// BuiltinDeps holds the collaborators the built-in actions call.
type BuiltinDeps struct {
	Notifier Notifier
	Mailer   Mailer
	JQ       *expressions.JQTransformer
}

// RegisterBuiltins registers create_notification (alias notify),
// set_variable and send_email.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if deps.JQ == nil {
		deps.JQ = expressions.NewJQTransformer()
	}
	all := []Action{
		&notificationAction{notifier: deps.Notifier},
		&setVariableAction{jq: deps.JQ},
		&sendEmailAction{mailer: deps.Mailer},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return reg.Alias(ActionNotify, ActionCreateNotification)
}

// NewBuiltinRegistry returns a registry holding only the built-in actions.
func NewBuiltinRegistry(deps BuiltinDeps) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}
