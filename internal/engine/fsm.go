package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called after an execution changes state.
type TransitionHook func(ec *ExecutionContext, from, to schema.ExecutionStatus)

// EventAppender receives lifecycle events. Satisfied by store.Archive and
// the streaming recorder.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type transitionKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution state transitions, applies them to the
// context and emits the matching event.
type ExecutionFSM struct {
	mu       sync.RWMutex
	appender EventAppender
	hooks    map[transitionKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that emits events via appender (may be nil).
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		hooks:    make(map[transitionKey][]TransitionHook),
	}
}

// OnTransition registers a hook called after from → to.
func (f *ExecutionFSM) OnTransition(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.hooks[key] = append(f.hooks[key], hook)
}

// Transition moves ec to the target state. An edge missing from
// ValidExecutionTransitions fails with INVALID_TRANSITION and leaves ec
// unchanged. A failure to append the event is returned as STORE_ERROR after
// the transition has been applied.
func (f *ExecutionFSM) Transition(ctx context.Context, ec *ExecutionContext, to schema.ExecutionStatus) error {
	ec.mu.Lock()
	from := ec.status
	if !IsValidTransition(from, to) {
		ec.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": ec.ID, "from": string(from), "to": string(to)})
	}
	ec.status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		ec.endTime = &now
		ec.currentStep = ""
	}
	payload := map[string]any{"from": string(from), "to": string(to)}
	if ec.errMsg != "" {
		payload["error"] = ec.errMsg
		payload["failed_step"] = ec.failedStep
	}
	ec.mu.Unlock()

	f.mu.RLock()
	hooks := f.hooks[transitionKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ec, from, to)
	}

	if f.appender == nil {
		return nil
	}
	eventType := schema.EventExecutionStarted
	if to.IsTerminal() {
		eventType = schema.TerminalEvent(to)
	}
	raw, _ := json.Marshal(payload)
	if err := f.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: ec.ID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// IsValidTransition reports whether from → to is in the transition table.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidExecutionTransitions defines the allowed execution state transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}
