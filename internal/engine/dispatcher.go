package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultStepTimeout bounds a step (all attempts and backoff) that sets no
// timeout of its own.
const DefaultStepTimeout = 5 * time.Minute

// StepHandler runs one kind of step. Handle is called once per attempt and
// must be safe to call again after a failed attempt.
type StepHandler interface {
	Kind() schema.StepKind
	Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error)
}

// Outcome is the terminal result of dispatching one step. Children holds the
// results of the steps a loop or parallel step ran during its last attempt.
type Outcome struct {
	Step     string
	Result   *schema.StepResult
	Err      error
	Children map[string]*schema.StepResult
}

// Failed reports whether the step ended failed.
func (o *Outcome) Failed() bool {
	return o.Result.Status == schema.StepFailed
}

// Dispatcher evaluates guards and routes steps to their kind's handler
// under the retry policy and the step timeout.
type Dispatcher struct {
	handlers       map[schema.StepKind]StepHandler
	conditions     expressions.ConditionEvaluator
	retry          RetryPolicy
	defaultTimeout time.Duration
	events         *emitter
	logger         *slog.Logger
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(conditions expressions.ConditionEvaluator, retry RetryPolicy, defaultTimeout time.Duration, events *emitter, logger *slog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:       make(map[schema.StepKind]StepHandler),
		conditions:     conditions,
		retry:          retry,
		defaultTimeout: defaultTimeout,
		events:         events,
		logger:         logger,
	}
}

// Register installs h for its kind, replacing any previous handler.
func (d *Dispatcher) Register(h StepHandler) {
	d.handlers[h.Kind()] = h
}

// Handler returns the handler registered for kind.
func (d *Dispatcher) Handler(kind schema.StepKind) (StepHandler, bool) {
	h, ok := d.handlers[kind]
	return h, ok
}

// Dispatch runs step to a terminal result. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, step schema.WorkflowStep, scope *Scope) *Outcome {
	ec := scope.Exec
	ctx = logging.WithStep(ctx, step.Name)
	log := logging.LogWith(ctx, d.logger)
	started := time.Now().UTC()

	if step.Condition != "" && !d.guard(ctx, step, scope) {
		out := &Outcome{Step: step.Name, Result: &schema.StepResult{Status: schema.StepSkipped}}
		d.finish(ctx, ec, step, out, started)
		log.Debug("step skipped", "condition", step.Condition)
		return out
	}

	ec.SetCurrentStep(step.Name)
	d.events.emit(ctx, ec.ID, step.Name, schema.EventStepStarted, map[string]any{"kind": string(step.Kind)})

	timeout, err := step.TimeoutDuration()
	if err != nil || timeout == 0 {
		timeout = d.defaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := d.retry
	policy.OnRetry = func(name string, attempt int, delay time.Duration, err error) {
		log.Warn("step attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		d.events.emit(ctx, ec.ID, name, schema.EventStepRetrying, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}

	handler, known := d.handlers[step.Kind]
	var payload map[string]any
	var children map[string]*schema.StepResult
	attempts, err := policy.Execute(stepCtx, step.Name, step.RetryBudget(), func(ctx context.Context, attempt int) error {
		if !known {
			return schema.NewErrorf(schema.ErrCodeUnknownStepKind, "unknown step kind %q", step.Kind).
				WithStep(step.Name).
				WithDetails(map[string]any{"kind": string(step.Kind)})
		}
		att := scope.Child(nil)
		out, err := runAttempt(ctx, handler, step, att)
		children = att.Results()
		if err != nil {
			return err
		}
		payload = out
		return nil
	})

	out := &Outcome{Step: step.Name, Children: children}
	if err != nil {
		out.Err = err
		out.Result = &schema.StepResult{Status: schema.StepFailed, Error: err.Error(), Attempts: attempts}
		log.Warn("step failed", "attempts", attempts, "error", err, "optional", step.Optional)
	} else {
		out.Result = &schema.StepResult{Status: schema.StepCompleted, Payload: normalizePayload(payload), Attempts: attempts}
	}
	d.finish(ctx, ec, step, out, started)
	return out
}

// guard evaluates the step condition. An evaluation failure counts as false
// and leaves a warning on the execution.
func (d *Dispatcher) guard(ctx context.Context, step schema.WorkflowStep, scope *Scope) bool {
	ok, err := d.conditions.Evaluate(ctx, step.Condition, scope.Namespace().Env())
	if err == nil {
		return ok
	}
	msg := fmt.Sprintf("step %s: condition %q treated as false: %s", step.Name, step.Condition, err.Error())
	scope.Exec.AddWarning(msg)
	logging.LogWith(ctx, d.logger).Warn("condition evaluation failed", "condition", step.Condition, "error", err)
	d.events.emit(ctx, scope.Exec.ID, step.Name, schema.EventConditionWarning, map[string]any{
		"condition": step.Condition,
		"error":     err.Error(),
	})
	return false
}

func (d *Dispatcher) finish(ctx context.Context, ec *ExecutionContext, step schema.WorkflowStep, out *Outcome, started time.Time) {
	completed := time.Now().UTC()
	out.Result.ElapsedMs = completed.Sub(started).Milliseconds()

	ec.AppendLog(schema.LogEntry{
		Step:        step.Name,
		Kind:        step.Kind,
		Status:      out.Result.Status,
		StartedAt:   started,
		CompletedAt: completed,
		Attempts:    out.Result.Attempts,
		Result:      out.Result.Payload,
		Error:       out.Result.Error,
	})

	payload := map[string]any{"status": string(out.Result.Status), "elapsed_ms": out.Result.ElapsedMs}
	eventType := schema.EventStepCompleted
	switch out.Result.Status {
	case schema.StepSkipped:
		eventType = schema.EventStepSkipped
	case schema.StepFailed:
		eventType = schema.EventStepFailed
		payload["error"] = out.Result.Error
		payload["attempts"] = out.Result.Attempts
	}
	d.events.emit(ctx, ec.ID, step.Name, eventType, payload)
}

// runAttempt calls the handler on its own goroutine so an attempt that
// ignores ctx still ends when the step deadline passes. Panics become errors.
func runAttempt(ctx context.Context, h StepHandler, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: schema.NewErrorf(schema.ErrCodeExecution, "handler panic: %v", r).WithStep(step.Name)}
			}
		}()
		out, err := h.Handle(ctx, step, scope)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func normalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if m, ok := expressions.Normalize(payload).(map[string]any); ok {
		return m
	}
	return payload
}
