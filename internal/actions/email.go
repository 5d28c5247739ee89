package actions

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultEmailSubject = "Workflow update"

type sendEmailAction struct {
	mailer Mailer
}

func (a *sendEmailAction) Name() string { return ActionSendEmail }

func (a *sendEmailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an email-like message to one or more recipients",
		Required:    []string{"to"},
		Optional:    []string{"subject", "body"},
	}
}

func (a *sendEmailAction) Validate(params map[string]any) error {
	to, ok := params["to"]
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "send_email requires 'to' parameter")
	}
	if s, isStr := to.(string); isStr && isTemplate(s) {
		return nil
	}
	_, err := recipients(to)
	return err
}

func (a *sendEmailAction) Execute(ctx context.Context, input ActionInput) (map[string]any, error) {
	to, err := recipients(input.Params["to"])
	if err != nil {
		return nil, err
	}
	msg := EmailMessage{
		To:      to,
		Subject: stringParam(input.Params, "subject", defaultEmailSubject),
		Body:    stringParam(input.Params, "body", ""),
	}

	id := uuid.New().String()
	if a.mailer != nil {
		if id, err = a.mailer.Send(ctx, msg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "send_email: %s", err.Error()).WithCause(err)
		}
	}

	out := make([]any, len(to))
	for i, addr := range to {
		out[i] = addr
	}
	return map[string]any{"message_id": id, "to": out, "subject": msg.Subject}, nil
}

// recipients accepts a string (comma separated) or a list of strings and
// returns the parsed addresses.
func recipients(v any) ([]string, error) {
	var raw []string
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if p := strings.TrimSpace(part); p != "" {
				raw = append(raw, p)
			}
		}
	case []string:
		raw = val
	case []any:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "send_email: recipient %v is not a string", item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "send_email: 'to' must be a string or a list, got %T", v)
	}
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_email: no recipients")
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "send_email: invalid recipient %q: %v", r, err)
		}
		out = append(out, addr.Address)
	}
	return out, nil
}

// String renders a message for log-based delivery.
func (m EmailMessage) String() string {
	return fmt.Sprintf("to=%s subject=%q", strings.Join(m.To, ","), m.Subject)
}
