package engine

import (
	"context"
	"time"
)

// PluginRequest is one plugin action invocation.
type PluginRequest struct {
	Plugin      string         `json:"plugin"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Credentials map[string]any `json:"-"`
	Config      map[string]any `json:"config,omitempty"`
}

// PluginResult is what a plugin returns. Success=false is a step failure.
type PluginResult struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Cost          float64       `json:"cost,omitempty"`
}

// PluginRegistry runs plugin actions. The engine does not know how plugins
// are hosted or sandboxed.
type PluginRegistry interface {
	ExecutePluginAction(ctx context.Context, req PluginRequest) (*PluginResult, error)
}

// AgentRequest is one agent call with a bounded context snapshot.
type AgentRequest struct {
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Capability string         `json:"capability,omitempty"`
}

// AgentResult is what an agent returns. Success=false is a step failure.
type AgentResult struct {
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Cost    float64        `json:"cost,omitempty"`
}

// AgentOrchestrator runs a single named agent.
type AgentOrchestrator interface {
	ExecuteSingleAgent(ctx context.Context, agentID string, req AgentRequest) (*AgentResult, error)
}

// CredentialResolver returns the credentials an owner has stored for a
// plugin. A missing entry is an empty map, not an error.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, plugin, owner string) (map[string]any, error)
}
