package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ParamsVariable holds the caller-supplied variables, untouched by the
// definition defaults, unless the workflow defines a variable of that name.
const ParamsVariable = "params"

// ExecutionContext is the full mutable state of one workflow run. Steps in
// a parallel batch write results and variables concurrently, so every field
// behind mu is accessed through methods.
type ExecutionContext struct {
	ID         string
	Owner      string
	Definition *schema.WorkflowDefinition
	Graph      *Graph
	StartTime  time.Time

	cancelRequested atomic.Bool
	cancelCh        chan struct{}

	mu          sync.RWMutex
	status      schema.ExecutionStatus
	vars        map[string]any
	results     map[string]*schema.StepResult
	currentStep string
	endTime     *time.Time
	errMsg      string
	errCode     string
	failedStep  string
	warnings    []string
	log         []schema.LogEntry
}

// NewExecutionContext seeds the namespace from the definition's variables
// overlaid by the caller's.
func NewExecutionContext(id, owner string, def *schema.WorkflowDefinition, graph *Graph, vars map[string]any) *ExecutionContext {
	seeded := schema.DeepCopyMap(def.Variables)
	if seeded == nil {
		seeded = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		seeded[k] = schema.DeepCopyAny(v)
	}
	if _, taken := seeded[ParamsVariable]; !taken {
		seeded[ParamsVariable] = schema.DeepCopyMap(vars)
		if seeded[ParamsVariable] == nil {
			seeded[ParamsVariable] = map[string]any{}
		}
	}
	return &ExecutionContext{
		ID:         id,
		Owner:      owner,
		Definition: def,
		Graph:      graph,
		StartTime:  time.Now().UTC(),
		status:     schema.ExecutionPending,
		vars:       seeded,
		results:    make(map[string]*schema.StepResult, len(def.Steps)),
		cancelCh:   make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (ec *ExecutionContext) Status() schema.ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// Namespace snapshots variables and step payloads for interpolation and
// condition evaluation.
func (ec *ExecutionContext) Namespace() *expressions.Namespace {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	steps := make(map[string]map[string]any, len(ec.results))
	for name, r := range ec.results {
		steps[name] = r.Payload
	}
	return expressions.NewNamespace(ec.vars, steps)
}

// Variable returns a copy of one variable.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.vars[name]
	return schema.DeepCopyAny(v), ok
}

// Variables returns a copy of the variable namespace.
func (ec *ExecutionContext) Variables() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return schema.DeepCopyMap(ec.vars)
}

// SetVariable writes one variable.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.mu.Lock()
	ec.vars[name] = schema.DeepCopyAny(value)
	ec.mu.Unlock()
}

// Result returns a copy of a step's recorded result.
func (ec *ExecutionContext) Result(name string) (*schema.StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[name]
	return r.Clone(), ok
}

// RecordResult stores a step's terminal result. A result, once written,
// cannot be replaced.
func (ec *ExecutionContext) RecordResult(name string, r *schema.StepResult) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, exists := ec.results[name]; exists {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s already has a recorded result", name).WithStep(name)
	}
	ec.results[name] = r.Clone()
	return nil
}

// Executed returns the top-level steps that have a terminal result.
func (ec *ExecutionContext) Executed() map[string]bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	done := make(map[string]bool, len(ec.results))
	for name := range ec.results {
		done[name] = true
	}
	return done
}

// SetCurrentStep records the step being dispatched ("" when idle).
func (ec *ExecutionContext) SetCurrentStep(name string) {
	ec.mu.Lock()
	ec.currentStep = name
	ec.mu.Unlock()
}

// AddWarning records a non-fatal problem, e.g. a condition that failed to evaluate.
func (ec *ExecutionContext) AddWarning(msg string) {
	ec.mu.Lock()
	ec.warnings = append(ec.warnings, msg)
	ec.mu.Unlock()
}

// Warnings returns the recorded warnings.
func (ec *ExecutionContext) Warnings() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.warnings...)
}

// AppendLog adds one entry to the execution log.
func (ec *ExecutionContext) AppendLog(entry schema.LogEntry) {
	ec.mu.Lock()
	ec.log = append(ec.log, entry)
	ec.mu.Unlock()
}

// RequestCancel flags the execution for cancellation at the next batch
// boundary. An execution still queued for a slot is cancelled before it
// starts. It returns false if the execution is already terminal or a cancel
// was already requested.
func (ec *ExecutionContext) RequestCancel() bool {
	if ec.Status().IsTerminal() {
		return false
	}
	if !ec.cancelRequested.CompareAndSwap(false, true) {
		return false
	}
	close(ec.cancelCh)
	return true
}

// CancelSignal is closed when cancellation is requested.
func (ec *ExecutionContext) CancelSignal() <-chan struct{} {
	return ec.cancelCh
}

// CancelRequested reports whether Cancel was called.
func (ec *ExecutionContext) CancelRequested() bool {
	return ec.cancelRequested.Load()
}

// setFailure records why the run failed. Only the first failure sticks.
func (ec *ExecutionContext) setFailure(err error, step string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.errMsg != "" {
		return
	}
	ec.errMsg = err.Error()
	ec.errCode = schema.ErrorCode(err)
	ec.failedStep = step
}

// failure returns the recorded failure message.
func (ec *ExecutionContext) failure() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.errMsg
}

// Report snapshots the execution for Status callers and the archive.
func (ec *ExecutionContext) Report() *schema.ExecutionReport {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	results := make(map[string]*schema.StepResult, len(ec.results))
	for name, r := range ec.results {
		results[name] = r.Clone()
	}
	var end *time.Time
	if ec.endTime != nil {
		t := *ec.endTime
		end = &t
	}
	log := append([]schema.LogEntry(nil), ec.log...)
	sort.SliceStable(log, func(i, j int) bool { return log[i].StartedAt.Before(log[j].StartedAt) })

	return &schema.ExecutionReport{
		ID:          ec.ID,
		Workflow:    ec.Definition.Name,
		Version:     ec.Definition.Version,
		Owner:       ec.Owner,
		Status:      ec.status,
		CurrentStep: ec.currentStep,
		StepResults: results,
		StartTime:   ec.StartTime,
		EndTime:     end,
		Error:       ec.errMsg,
		ErrorCode:   ec.errCode,
		FailedStep:  ec.failedStep,
		Warnings:    append([]string(nil), ec.warnings...),
		Log:         log,
	}
}
