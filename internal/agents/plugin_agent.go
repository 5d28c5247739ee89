package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
)

// PluginAgent is an agent served by a plugin action. The action receives
// prompt, context and parameters as arguments.
type PluginAgent struct {
	plugins engine.PluginRegistry
	plugin  string
	action  string
}

// NewPluginAgent delegates to action on plugin.
func NewPluginAgent(plugins engine.PluginRegistry, plugin, action string) *PluginAgent {
	return &PluginAgent{plugins: plugins, plugin: plugin, action: action}
}

// Run implements Agent.
func (a *PluginAgent) Run(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
	params := map[string]any{"prompt": req.Prompt}
	if len(req.Context) > 0 {
		params["context"] = req.Context
	}
	if len(req.Parameters) > 0 {
		params["parameters"] = req.Parameters
	}

	res, err := a.plugins.ExecutePluginAction(ctx, engine.PluginRequest{
		Plugin: a.plugin,
		Action: a.action,
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return &engine.AgentResult{Error: res.Error, Cost: res.Cost}, nil
	}

	out := &engine.AgentResult{Success: true, Cost: res.Cost}
	switch v := res.Data.(type) {
	case string:
		out.Content = v
	case map[string]any:
		out.Data = v
		if c, ok := v["content"].(string); ok {
			out.Content = c
		}
	case nil:
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("agent result from %s.%s: %w", a.plugin, a.action, err)
		}
		out.Content = string(data)
	}
	return out, nil
}
