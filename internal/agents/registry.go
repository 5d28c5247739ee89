package agents

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Agent type constants.
const (
	TypeLLM     = "llm"
	TypeSystem  = "system"
	TypeHuman   = "human"
	TypeService = "service"
)

var validTypes = map[string]bool{
	TypeLLM:     true,
	TypeSystem:  true,
	TypeHuman:   true,
	TypeService: true,
}

// Agent answers one ai_agent step.
type Agent interface {
	Run(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error)

// Run calls f.
func (f AgentFunc) Run(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
	return f(ctx, req)
}

// Info describes a registered agent.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ValidateInfo checks required fields and the agent type.
func ValidateInfo(info Info) error {
	if info.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if !validTypes[info.Type] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent type %q: must be one of llm, system, human, service", info.Type)
	}
	return nil
}

type registered struct {
	info  Info
	agent Agent
}

// Registry routes ai_agent steps to agents by id. It implements
// engine.AgentOrchestrator.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]registered)}
}

// Register adds or replaces an agent. An empty name defaults to the id.
func (r *Registry) Register(info Info, agent Agent) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	if agent == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q has no implementation", info.ID)
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	r.mu.Lock()
	r.agents[info.ID] = registered{info: info, agent: agent}
	r.mu.Unlock()
	return nil
}

// Unregister removes an agent and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	return ok
}

// List returns every registered agent ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteSingleAgent runs agent id. A request naming a capability the agent
// does not declare is rejected without calling it.
func (r *Registry) ExecuteSingleAgent(ctx context.Context, id string, req engine.AgentRequest) (*engine.AgentResult, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q is not registered", id)
	}
	if req.Capability != "" && !slices.Contains(a.info.Capabilities, req.Capability) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"agent %q does not provide capability %q", id, req.Capability)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.agent.Run(ctx, req)
}

var _ engine.AgentOrchestrator = (*Registry)(nil)
