package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine defaults.
const (
	DefaultPoolSize        = 10
	DefaultWorkflowTimeout = time.Hour
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// MaxParallelSteps bounds parallel-marked steps running at once across
	// all executions, and children of one parallel step.
	MaxParallelSteps int
	// MaxConcurrentExecutions bounds running executions; further submissions
	// wait in pending. Zero means unbounded.
	MaxConcurrentExecutions int
	DefaultStepTimeout      time.Duration
	DefaultWorkflowTimeout  time.Duration
	Retry                   RetryPolicy
	ConditionDialect        string
	MaxContextBytes         int
	CircuitBreaker          CircuitBreakerConfig
}

// DefinitionValidator checks a definition before it is accepted.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Deps are the engine's collaborators. Everything is optional: a missing
// PluginRegistry or AgentOrchestrator fails the steps that need it, a
// missing Archive selects an in-memory one.
type Deps struct {
	Plugins     PluginRegistry
	Agents      AgentOrchestrator
	Credentials CredentialResolver
	Notifier    actions.Notifier
	Mailer      actions.Mailer
	// SystemActions replaces the built-in action registry.
	SystemActions *actions.Registry
	Archive       store.Archive
	// Events receives lifecycle and step events. Defaults to Archive.
	Events    EventAppender
	Validator DefinitionValidator
	Logger    *slog.Logger
}

// Engine accepts workflow definitions and drives each execution to a
// terminal state on its own goroutine.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	live       *ExecutionStore
	archive    store.Archive
	fsm        *ExecutionFSM
	dispatcher *Dispatcher
	pool       *WorkerPool
	breakers   *CircuitBreakerRegistry
	validator  DefinitionValidator
	slots      chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	done   map[string]chan struct{}
	closed bool
}

// New builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = DefaultPoolSize
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultStepTimeout
	}
	if cfg.DefaultWorkflowTimeout <= 0 {
		cfg.DefaultWorkflowTimeout = DefaultWorkflowTimeout
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = DefaultMaxContextBytes
	}
	if cfg.Retry.Base <= 0 && cfg.Retry.Ceiling <= 0 {
		cfg.Retry.Base, cfg.Retry.Ceiling = DefaultRetryBase, DefaultRetryCeiling
	}
	if cfg.CircuitBreaker == (CircuitBreakerConfig{}) {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	archive := deps.Archive
	if archive == nil {
		archive = store.NewMemoryArchive()
	}
	events := deps.Events
	if events == nil {
		events = archive
	}

	conditions, err := expressions.NewConditionEvaluator(cfg.ConditionDialect)
	if err != nil {
		return nil, err
	}

	registry := deps.SystemActions
	if registry == nil {
		registry, err = actions.NewBuiltinRegistry(actions.BuiltinDeps{Notifier: deps.Notifier, Mailer: deps.Mailer})
		if err != nil {
			return nil, err
		}
	}

	em := &emitter{appender: events, logger: logger}
	breakers := NewCircuitBreakerRegistry(cfg.CircuitBreaker)
	breakers.OnStateChange = func(plugin string, from, to CircuitState) {
		eventType := schema.EventCircuitBreakerClosed
		if to == CircuitOpen {
			eventType = schema.EventCircuitBreakerOpen
		}
		logger.Warn("circuit breaker state changed", "plugin", plugin, "from", from.String(), "to", to.String())
		em.emit(context.Background(), "", "", eventType, map[string]any{"plugin": plugin})
	}

	d := NewDispatcher(conditions, cfg.Retry, cfg.DefaultStepTimeout, em, logger)
	d.Register(&pluginHandler{plugins: deps.Plugins, credentials: deps.Credentials, breakers: breakers})
	d.Register(&agentHandler{agents: deps.Agents, maxContextBytes: cfg.MaxContextBytes})
	d.Register(&systemHandler{registry: registry, events: em})
	d.Register(&conditionHandler{conditions: conditions, events: em})
	d.Register(&loopHandler{dispatcher: d})
	d.Register(&parallelHandler{dispatcher: d, limit: cfg.MaxParallelSteps})

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		live:       NewExecutionStore(),
		archive:    archive,
		fsm:        NewExecutionFSM(events),
		dispatcher: d,
		pool:       NewWorkerPool(cfg.MaxParallelSteps),
		breakers:   breakers,
		validator:  deps.Validator,
		done:       make(map[string]chan struct{}),
	}
	if cfg.MaxConcurrentExecutions > 0 {
		e.slots = make(chan struct{}, cfg.MaxConcurrentExecutions)
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	e.fsm.OnTransition(schema.ExecutionPending, schema.ExecutionRunning, func(ec *ExecutionContext, _, _ schema.ExecutionStatus) {
		logger.Info("execution started", "execution_id", ec.ID, "workflow", ec.Definition.Name, "owner_id", ec.Owner)
	})
	return e, nil
}

// Submit validates def and starts executing it. Definition problems are
// returned synchronously (VALIDATION_ERROR, CYCLE_DETECTED,
// UNKNOWN_DEPENDENCY); everything after that is reported through Status.
func (e *Engine) Submit(ctx context.Context, def *schema.WorkflowDefinition, owner string, vars map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	var warnings []string
	if e.validator != nil {
		res := e.validator.Validate(def)
		if err := res.ToError(); err != nil {
			return "", err
		}
		warnings = res.WarningMessages()
	}
	graph, err := BuildGraph(def.Steps)
	if err != nil {
		return "", err
	}
	if _, err := def.TimeoutDuration(); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow timeout: %s", err.Error()).WithCause(err)
	}

	ec := NewExecutionContext(uuid.New().String(), owner, def, graph, vars)
	for _, w := range warnings {
		ec.AddWarning(w)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeCancelled, "engine is shutting down")
	}
	if err := e.live.Insert(ec); err != nil {
		e.mu.Unlock()
		return "", err
	}
	done := make(chan struct{})
	e.done[ec.ID] = done
	e.wg.Add(1)
	e.mu.Unlock()

	ctx = logging.WithOwner(logging.WithExecutionID(ctx, ec.ID), owner)
	for _, w := range warnings {
		logging.LogWith(ctx, e.logger).Warn("definition warning", "warning", w)
	}

	acquired := e.tryAcquireSlot()
	if acquired {
		if err := e.fsm.Transition(ctx, ec, schema.ExecutionRunning); err != nil {
			logging.LogWith(ctx, e.logger).Warn("start transition", "error", err)
		}
	}
	go e.drive(ec, acquired, done)
	return ec.ID, nil
}

// Status returns the live state of an execution, or its archived terminal
// snapshot, or NOT_FOUND.
func (e *Engine) Status(ctx context.Context, id string) (*schema.ExecutionReport, error) {
	if ec, ok := e.live.Get(id); ok {
		return ec.Report(), nil
	}
	report, err := e.archive.GetExecution(ctx, id)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id).
				WithDetails(map[string]any{"execution_id": id})
		}
		return nil, err
	}
	return report, nil
}

// Cancel asks a live execution to stop before its next batch. It reports
// whether an execution was found and marked.
func (e *Engine) Cancel(ctx context.Context, id string) bool {
	ec, ok := e.live.Get(id)
	if !ok || !ec.RequestCancel() {
		return false
	}
	logging.LogWith(logging.WithExecutionID(ctx, id), e.logger).Info("cancellation requested")
	return true
}

// List returns live and archived executions matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionReport, error) {
	seen := make(map[string]bool)
	var out []*schema.ExecutionReport
	for _, ec := range e.live.List() {
		r := ec.Report()
		if filter.Match(r) {
			seen[r.ID] = true
			out = append(out, r)
		}
	}

	archived, err := e.archive.ListExecutions(ctx, store.ExecutionFilter{
		Status:   filter.Status,
		Owner:    filter.Owner,
		Workflow: filter.Workflow,
		Since:    filter.Since,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range archived {
		if !seen[r.ID] {
			out = append(out, r)
		}
	}
	return store.SortNewestFirst(out, filter.Limit), nil
}

// Wait blocks until the execution is terminal or ctx is done, then returns
// its status.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.ExecutionReport, error) {
	e.mu.Lock()
	done, ok := e.done[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Status(ctx, id)
}

// Archive returns the execution archive.
func (e *Engine) Archive() store.Archive {
	return e.archive
}

// CircuitBreakers exposes the per-plugin breakers.
func (e *Engine) CircuitBreakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Shutdown stops accepting submissions, asks every live execution to cancel
// at its next batch boundary and waits for the drivers. If ctx ends first,
// in-flight steps are interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, ec := range e.live.List() {
		ec.RequestCancel()
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		e.baseCancel()
		<-finished
	}
	e.baseCancel()
	e.pool.Shutdown()
	return err
}

func (e *Engine) tryAcquireSlot() bool {
	if e.slots == nil {
		return true
	}
	select {
	case e.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) releaseSlot() {
	if e.slots != nil {
		<-e.slots
	}
}

// drive runs one execution to a terminal state.
func (e *Engine) drive(ec *ExecutionContext, acquired bool, done chan struct{}) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.done, ec.ID)
		e.mu.Unlock()
		close(done)
	}()

	ctx := logging.WithOwner(logging.WithExecutionID(e.baseCtx, ec.ID), ec.Owner)

	if !acquired {
		select {
		case e.slots <- struct{}{}:
		case <-ec.CancelSignal():
			e.finish(ctx, ec, schema.ExecutionCancelled)
			return
		case <-e.baseCtx.Done():
			e.finish(ctx, ec, schema.ExecutionCancelled)
			return
		}
		if err := e.fsm.Transition(ctx, ec, schema.ExecutionRunning); err != nil {
			logging.LogWith(ctx, e.logger).Warn("start transition", "error", err)
		}
	}
	defer e.releaseSlot()

	timeout, _ := ec.Definition.TimeoutDuration()
	if timeout == 0 {
		timeout = e.cfg.DefaultWorkflowTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.finish(ctx, ec, e.run(runCtx, ec, timeout))
}

// run loops over ready batches until the execution is done and returns the
// terminal status to move to.
func (e *Engine) run(ctx context.Context, ec *ExecutionContext, timeout time.Duration) schema.ExecutionStatus {
	graph := ec.Graph
	for {
		if ec.CancelRequested() {
			return schema.ExecutionCancelled
		}
		if status, stop := e.interrupted(ctx, ec, timeout); stop {
			return status
		}

		executed := ec.Executed()
		remaining := false
		for _, name := range graph.TopLevel {
			if !executed[name] {
				remaining = true
				break
			}
		}
		if !remaining {
			return schema.ExecutionCompleted
		}

		batch, err := graph.ReadyBatch(executed)
		if err != nil {
			ec.setFailure(err, "")
			return schema.ExecutionFailed
		}

		failure := e.runBatch(ctx, ec, batch)

		// A deadline that expired mid-batch is the reason the run stops,
		// even if it also made a step fail.
		if status, stop := e.interrupted(ctx, ec, timeout); stop {
			return status
		}
		if failure != nil {
			ec.setFailure(failure.Err, failure.Step)
			return schema.ExecutionFailed
		}
	}
}

// interrupted reports whether ctx ended: a deadline fails the run with
// WORKFLOW_TIMEOUT, a hard shutdown cancels it.
func (e *Engine) interrupted(ctx context.Context, ec *ExecutionContext, timeout time.Duration) (schema.ExecutionStatus, bool) {
	switch ctx.Err() {
	case nil:
		return "", false
	case context.DeadlineExceeded:
		ec.setFailure(schema.NewErrorf(schema.ErrCodeWorkflowTimeout,
			"workflow exceeded its timeout of %s", timeout).
			WithDetails(map[string]any{"timeout": timeout.String()}), "")
		return schema.ExecutionFailed, true
	default:
		return schema.ExecutionCancelled, true
	}
}

// runBatch dispatches one ready batch: parallel-marked steps concurrently on
// the pool, then the rest one at a time in declaration order. It returns the
// first failure of a required step, or nil.
func (e *Engine) runBatch(ctx context.Context, ec *ExecutionContext, batch []string) *Outcome {
	var parallel, sequential []schema.WorkflowStep
	for _, name := range batch {
		step := ec.Graph.Steps[name]
		if step.Parallel {
			parallel = append(parallel, step)
		} else {
			sequential = append(sequential, step)
		}
	}

	root := NewScope(ec)
	var failure *Outcome

	if len(parallel) > 0 {
		outs := make([]*Outcome, len(parallel))
		tasks := make([]func(ctx context.Context) error, len(parallel))
		for i, step := range parallel {
			tasks[i] = func(ctx context.Context) error {
				outs[i] = e.dispatcher.Dispatch(ctx, step, root)
				return nil
			}
		}
		errs := e.pool.RunAll(ctx, tasks)
		for i, step := range parallel {
			out := outs[i]
			if out == nil {
				out = notStarted(step, errs[i])
			}
			e.record(ctx, ec, out)
			if HandleStepFailure(ctx, e.dispatcher.events, ec.ID, step, out).ShouldFail && failure == nil {
				failure = out
			}
		}
	}
	if failure != nil {
		return failure
	}

	for _, step := range sequential {
		if ctx.Err() != nil {
			break
		}
		out := e.dispatcher.Dispatch(ctx, step, root)
		e.record(ctx, ec, out)
		if HandleStepFailure(ctx, e.dispatcher.events, ec.ID, step, out).ShouldFail {
			return out
		}
	}
	return nil
}

// notStarted is the outcome of a step that was never dispatched: the pool
// refused it or a sibling it waits for failed.
func notStarted(step schema.WorkflowStep, err error) *Outcome {
	if err == nil {
		err = ErrPoolShutdown
	}
	fe := schema.NewErrorf(schema.ErrCodeStepExecution, "not started: %s", err.Error()).
		WithStep(step.Name).WithCause(err)
	return &Outcome{
		Step:   step.Name,
		Err:    fe,
		Result: &schema.StepResult{Status: schema.StepFailed, Error: fe.Error()},
	}
}

// record writes a top-level outcome and everything it ran into ec. Steps a
// structural step owns but never ran are recorded as skipped.
func (e *Engine) record(ctx context.Context, ec *ExecutionContext, out *Outcome) {
	log := logging.LogWith(ctx, e.logger)
	if err := ec.RecordResult(out.Step, out.Result); err != nil {
		log.Warn("record step result", "step", out.Step, "error", err)
	}
	for name, r := range out.Children {
		if err := ec.RecordResult(name, r); err != nil {
			log.Warn("record step result", "step", name, "error", err)
		}
	}
	for _, name := range ec.Graph.Descendants(out.Step) {
		if _, ran := out.Children[name]; ran {
			continue
		}
		_ = ec.RecordResult(name, &schema.StepResult{Status: schema.StepSkipped})
	}
}

// finish applies the terminal transition, archives the snapshot and drops
// the execution from the live store.
func (e *Engine) finish(ctx context.Context, ec *ExecutionContext, status schema.ExecutionStatus) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, e.logger)

	if err := e.fsm.Transition(ctx, ec, status); err != nil {
		log.Error("terminal transition", "status", string(status), "error", err)
	}
	report := ec.Report()
	if err := e.archive.SaveExecution(ctx, report); err != nil {
		log.Error("archive execution", "error", err)
	}
	e.live.Remove(ec.ID)

	switch status {
	case schema.ExecutionFailed:
		log.Warn("execution failed", "error", report.Error, "failed_step", report.FailedStep)
	default:
		log.Info("execution finished", "status", string(status))
	}
}
