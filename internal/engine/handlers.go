package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxContextBytes bounds the variable snapshot handed to agents.
const DefaultMaxContextBytes = 8 * 1024

// --- plugin_action ---

type pluginHandler struct {
	plugins     PluginRegistry
	credentials CredentialResolver
	breakers    *CircuitBreakerRegistry
}

func (h *pluginHandler) Kind() schema.StepKind { return schema.StepKindPluginAction }

func (h *pluginHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	plugin, action := step.ConfigString("plugin"), step.ConfigString("action")
	if plugin == "" || action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plugin_action requires 'plugin' and 'action'").WithStep(step.Name)
	}
	if h.plugins == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no plugin registry configured").WithStep(step.Name)
	}

	ns := scope.Namespace()
	params, err := interpolateConfig(step, "params", ns)
	if err != nil {
		return nil, err
	}
	config, err := interpolateConfig(step, "config", ns)
	if err != nil {
		return nil, err
	}

	creds := map[string]any{}
	if h.credentials != nil {
		resolved, err := h.credentials.ResolveCredentials(ctx, plugin, scope.Exec.Owner)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "resolve credentials for %s: %s", plugin, err.Error()).
				WithStep(step.Name).WithCause(err)
		}
		if resolved != nil {
			creds = resolved
		}
	}

	if err := h.breakers.AllowRequest(plugin); err != nil {
		return nil, err
	}

	res, err := h.plugins.ExecutePluginAction(ctx, PluginRequest{
		Plugin:      plugin,
		Action:      action,
		Params:      params,
		Credentials: creds,
		Config:      config,
	})
	if err != nil {
		if ctx.Err() == nil {
			h.breakers.RecordFailure(plugin)
		}
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %s.%s: %s", plugin, action, err.Error()).
			WithStep(step.Name).WithCause(err)
	}
	if res == nil || !res.Success {
		h.breakers.RecordFailure(plugin)
		msg := "no result"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %s.%s failed: %s", plugin, action, msg).
			WithStep(step.Name).
			WithDetails(map[string]any{"plugin": plugin, "action": action})
	}
	h.breakers.RecordSuccess(plugin)

	return map[string]any{
		"output":         res.Data,
		"execution_time": res.ExecutionTime.Seconds(),
		"cost":           res.Cost,
	}, nil
}

// --- ai_agent ---

type agentHandler struct {
	agents          AgentOrchestrator
	maxContextBytes int
}

func (h *agentHandler) Kind() schema.StepKind { return schema.StepKindAIAgent }

func (h *agentHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	agent := step.ConfigString("agent")
	if agent == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai_agent requires 'agent'").WithStep(step.Name)
	}
	if h.agents == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no agent orchestrator configured").WithStep(step.Name)
	}

	ns := scope.Namespace()
	prompt, err := expressions.InterpolateText(step.ConfigString("prompt"), ns)
	if err != nil {
		return nil, err
	}
	params, err := interpolateConfig(step, "parameters", ns)
	if err != nil {
		return nil, err
	}

	res, err := h.agents.ExecuteSingleAgent(ctx, agent, AgentRequest{
		Prompt:     prompt,
		Context:    contextSnapshot(scope.Exec, ns.Vars, h.maxContextBytes),
		Parameters: params,
		Capability: step.ConfigString("capability"),
	})
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: %s", agent, err.Error()).
			WithStep(step.Name).WithCause(err)
	}
	if res == nil || !res.Success {
		msg := "no result"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s failed: %s", agent, msg).
			WithStep(step.Name).
			WithDetails(map[string]any{"agent": agent})
	}

	return map[string]any{
		"output": res.Content,
		"data":   res.Data,
		"cost":   res.Cost,
	}, nil
}

// contextSnapshot builds the bounded context an agent receives. Variables
// are added in name order until the encoded snapshot would exceed maxBytes.
func contextSnapshot(ec *ExecutionContext, vars map[string]any, maxBytes int) map[string]any {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContextBytes
	}
	snap := map[string]any{
		"user_id":      ec.Owner,
		"execution_id": ec.ID,
		"workflow":     ec.Definition.Name,
	}
	base, _ := json.Marshal(snap)
	budget := maxBytes - len(base)

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	kept := make(map[string]any, len(vars))
	truncated := false
	for _, name := range names {
		data, err := json.Marshal(vars[name])
		if err != nil {
			truncated = true
			continue
		}
		cost := len(name) + len(data) + 4 // quotes, colon, comma
		if cost > budget {
			truncated = true
			continue
		}
		budget -= cost
		kept[name] = vars[name]
	}
	snap["variables"] = kept
	if truncated {
		snap["truncated"] = true
	}
	return snap
}

// --- system_action ---

type systemHandler struct {
	registry *actions.Registry
	events   *emitter
}

func (h *systemHandler) Kind() schema.StepKind { return schema.StepKindSystemAction }

func (h *systemHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	action, err := h.registry.Get(step.ConfigString("action"))
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			fe.WithStep(step.Name)
		}
		return nil, err
	}

	raw, _ := step.Config["params"].(map[string]any)
	verbatim := make(map[string]bool)
	for _, k := range action.Schema().Raw {
		verbatim[k] = true
	}
	ns := scope.Namespace()
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if verbatim[k] {
			params[k] = v
			continue
		}
		resolved, err := expressions.Interpolate(v, ns)
		if err != nil {
			return nil, err
		}
		params[k] = resolved
	}
	if err := action.Validate(params); err != nil {
		return nil, err
	}

	ec := scope.Exec
	return action.Execute(ctx, actions.ActionInput{
		Params:      params,
		Namespace:   ns,
		Variables:   &variableRecorder{ctx: ctx, ec: ec, step: step.Name, events: h.events},
		ExecutionID: ec.ID,
		Owner:       ec.Owner,
		Workflow:    ec.Definition.Name,
		Step:        step.Name,
	})
}

// variableRecorder writes variables into the execution and records a
// variable_set event for each write.
type variableRecorder struct {
	ctx    context.Context
	ec     *ExecutionContext
	step   string
	events *emitter
}

func (r *variableRecorder) SetVariable(name string, value any) {
	r.ec.SetVariable(name, value)
	r.events.emit(r.ctx, r.ec.ID, r.step, schema.EventVariableSet, map[string]any{"name": name, "value": value})
}

// --- condition ---

type conditionHandler struct {
	conditions expressions.ConditionEvaluator
	events     *emitter
}

func (h *conditionHandler) Kind() schema.StepKind { return schema.StepKindCondition }

func (h *conditionHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	expression := step.ConfigString("expression")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition step requires 'expression'").WithStep(step.Name)
	}

	result, err := h.conditions.Evaluate(ctx, expression, scope.Namespace().Env())
	if err != nil {
		scope.Exec.AddWarning(fmt.Sprintf("step %s: expression %q treated as false: %s", step.Name, expression, err.Error()))
		h.events.emit(ctx, scope.Exec.ID, step.Name, schema.EventConditionWarning, map[string]any{
			"condition": expression,
			"error":     err.Error(),
		})
		result = false
	}

	if variable := step.ConfigString("variable"); variable != "" {
		rec := &variableRecorder{ctx: ctx, ec: scope.Exec, step: step.Name, events: h.events}
		rec.SetVariable(variable, result)
	}
	return map[string]any{"result": result}, nil
}

// --- loop ---

type loopHandler struct {
	dispatcher *Dispatcher
}

func (h *loopHandler) Kind() schema.StepKind { return schema.StepKindLoop }

func (h *loopHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	items, total, err := loopItems(step, scope.Namespace())
	if err != nil {
		return nil, err
	}
	if len(items) < total {
		scope.Exec.AddWarning(fmt.Sprintf("loop %s: %d items capped at max_iterations %d", step.Name, total, len(items)))
	}
	itemVar := step.ConfigString("item_var")
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := step.ConfigString("index_var")
	if indexVar == "" {
		indexVar = "index"
	}

	graph := scope.Exec.Graph
	children := graph.ChildOrder[step.Name]
	rows := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iter := scope.Child(map[string]any{itemVar: item, indexVar: i})
		row := make(map[string]any, len(children))
		for _, name := range children {
			child := graph.Steps[name]
			out := h.dispatcher.Dispatch(ctx, child, iter)
			iter.Record(name, out)
			if out.Result.Status == schema.StepCompleted {
				row[name] = out.Result.Payload
			}
			if HandleStepFailure(ctx, h.dispatcher.events, scope.Exec.ID, child, out).ShouldFail {
				scope.Adopt(iter)
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
					"iteration %d: %s", i, outcomeError(out)).
					WithStep(step.Name).
					WithCause(out.Err).
					WithDetails(map[string]any{"iteration": i, "child": name})
			}
		}
		scope.Adopt(iter)
		rows = append(rows, row)
	}

	return map[string]any{"iterations": len(rows), "results": rows}, nil
}

// loopItems resolves config.items to the values to iterate, along with the
// count before max_iterations was applied. Maps yield {key, value} items in
// key order.
func loopItems(step schema.WorkflowStep, ns *expressions.Namespace) ([]any, int, error) {
	resolved, err := expressions.Interpolate(step.Config["items"], ns)
	if err != nil {
		return nil, 0, err
	}

	var items []any
	switch v := expressions.Normalize(resolved).(type) {
	case nil:
	case []any:
		items = v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, map[string]any{"key": k, "value": v[k]})
		}
	default:
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"loop %s: items must resolve to a list or map, got %T", step.Name, resolved).WithStep(step.Name)
	}

	total := len(items)
	if limit, ok := step.Config["max_iterations"].(float64); ok && limit >= 0 && len(items) > int(limit) {
		items = items[:int(limit)]
	} else if limit, ok := step.Config["max_iterations"].(int); ok && limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, total, nil
}

// --- parallel ---

type parallelHandler struct {
	dispatcher *Dispatcher
	limit      int
}

func (h *parallelHandler) Kind() schema.StepKind { return schema.StepKindParallel }

func (h *parallelHandler) Handle(ctx context.Context, step schema.WorkflowStep, scope *Scope) (map[string]any, error) {
	graph := scope.Exec.Graph
	children := graph.ChildOrder[step.Name]
	outs := make([]*Outcome, len(children))
	index := make(map[string]int, len(children))
	done := make(map[string]chan struct{}, len(children))
	for i, name := range children {
		index[name] = i
		done[name] = make(chan struct{})
	}
	// Children record into fan as they finish, so a child that waits for a
	// sibling can read its payload.
	fan := scope.Child(nil)

	// No group context: siblings run to completion even when one fails.
	// Children are started in dependency order, so a child holding a slot
	// only ever waits for siblings started before it.
	var g errgroup.Group
	if h.limit > 0 {
		g.SetLimit(h.limit)
	}
	for i, name := range children {
		child := graph.Steps[name]
		g.Go(func() error {
			defer close(done[name])
			waitStart := time.Now().UTC()
			out := awaitSiblings(ctx, child, graph, done, func(dep string) *Outcome { return outs[index[dep]] })
			if out == nil {
				out = h.dispatcher.Dispatch(ctx, child, fan.Child(nil))
			} else {
				h.dispatcher.finish(ctx, scope.Exec, child, out, waitStart)
			}
			fan.Record(name, out)
			outs[i] = out
			if HandleStepFailure(ctx, h.dispatcher.events, scope.Exec.ID, child, out).ShouldFail {
				return schema.NewErrorf(schema.ErrCodeStepExecution, "%s", outcomeError(out)).
					WithStep(step.Name).
					WithCause(out.Err).
					WithDetails(map[string]any{"child": name})
			}
			return nil
		})
	}
	err := g.Wait()

	payload := make(map[string]any, len(children))
	for i, name := range children {
		scope.Record(name, outs[i])
		if outs[i].Result.Status == schema.StepCompleted {
			payload[name] = outs[i].Result.Payload
		}
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// awaitSiblings blocks until every sibling child waits for has finished. It
// returns nil when child may run, or the outcome recorded in its place when
// a required sibling failed or ctx ended first.
func awaitSiblings(ctx context.Context, child schema.WorkflowStep, graph *Graph, done map[string]chan struct{}, outcome func(string) *Outcome) *Outcome {
	for _, dep := range graph.Siblings[child.Name] {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			return notStarted(child, ctx.Err())
		}
		if o := outcome(dep); o.Failed() && !graph.Steps[dep].Optional {
			return notStarted(child, schema.NewErrorf(schema.ErrCodeStepExecution,
				"dependency %s failed: %s", dep, outcomeError(o)))
		}
	}
	return nil
}

// outcomeError is the error text of a failed outcome.
func outcomeError(out *Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return out.Result.Error
}

func interpolateConfig(step schema.WorkflowStep, key string, ns *expressions.Namespace) (map[string]any, error) {
	raw, _ := step.Config[key].(map[string]any)
	if raw == nil {
		return map[string]any{}, nil
	}
	return expressions.InterpolateMap(raw, ns)
}
