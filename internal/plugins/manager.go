package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Plugin statuses reported by Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

const (
	defaultHealthInterval = 30 * time.Second
	unhealthyAfter        = 3
	maxRestartDelay       = 60 * time.Second
)

// PluginConfig describes how to launch a plugin subprocess.
type PluginConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Dialer opens an MCP client for cfg. The default launches cfg.Command over
// stdio.
type Dialer func(ctx context.Context, cfg PluginConfig) (Client, error)

// StdioDialer starts the plugin as a subprocess speaking MCP on stdio.
func StdioDialer(_ context.Context, cfg PluginConfig) (Client, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	return c, nil
}

type managedPlugin struct {
	config   *PluginConfig // nil for plugins attached with Connect
	provider *provider
	status   string
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

// MCPRegistry hosts plugins as MCP servers and runs plugin_action steps as
// tool calls. It implements engine.PluginRegistry.
type MCPRegistry struct {
	mu      sync.RWMutex
	plugins map[string]*managedPlugin

	dial           Dialer
	healthInterval time.Duration
	restartDelay   func(failures int) time.Duration
	logger         *slog.Logger
}

// Option configures an MCPRegistry.
type Option func(*MCPRegistry)

// WithDialer replaces the stdio launcher.
func WithDialer(d Dialer) Option {
	return func(r *MCPRegistry) { r.dial = d }
}

// WithHealthInterval sets how often launched plugins are pinged.
func WithHealthInterval(d time.Duration) Option {
	return func(r *MCPRegistry) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// NewMCPRegistry creates an empty registry.
func NewMCPRegistry(logger *slog.Logger, opts ...Option) *MCPRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MCPRegistry{
		plugins:        make(map[string]*managedPlugin),
		dial:           StdioDialer,
		healthInterval: defaultHealthInterval,
		restartDelay:   defaultRestartDelay,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load launches a plugin, performs the MCP handshake, discovers its tools
// and starts a health check loop that restarts it after repeated failures.
func (r *MCPRegistry) Load(ctx context.Context, cfg PluginConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin name and command are required")
	}
	if r.loaded(cfg.Name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q already loaded", cfg.Name)
	}

	p, err := r.open(ctx, cfg)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mp := &managedPlugin{config: &cfg, provider: p, status: StatusHealthy, cancel: cancel}
	r.mu.Lock()
	r.plugins[cfg.Name] = mp
	r.mu.Unlock()

	go r.healthCheckLoop(loopCtx, mp)

	r.logger.Info("plugin loaded", "plugin", cfg.Name, "tools", len(p.toolList()))
	return nil
}

func (r *MCPRegistry) open(ctx context.Context, cfg PluginConfig) (*provider, error) {
	c, err := r.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p, err := connect(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

// Connect attaches an already running MCP client under name. It is not
// health checked or restarted.
func (r *MCPRegistry) Connect(ctx context.Context, name string, c Client) error {
	if r.loaded(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q already loaded", name)
	}
	p, err := connect(ctx, name, c)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.plugins[name] = &managedPlugin{provider: p, status: StatusHealthy, cancel: func() {}}
	r.mu.Unlock()
	r.logger.Info("plugin connected", "plugin", name, "tools", len(p.toolList()))
	return nil
}

func (r *MCPRegistry) loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

// ExecutePluginAction calls req.Action as a tool on plugin req.Plugin. The
// step's credentials and static config travel as the reserved _credentials
// and _config arguments. A tool error result is Success=false; transport
// failures are returned as errors.
func (r *MCPRegistry) ExecutePluginAction(ctx context.Context, req engine.PluginRequest) (*engine.PluginResult, error) {
	r.mu.RLock()
	mp, ok := r.plugins[req.Plugin]
	var p *provider
	if ok {
		p = mp.provider
	}
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q is not loaded", req.Plugin)
	}
	if !p.hasTool(req.Action) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q has no action %q", req.Plugin, req.Action)
	}

	args := make(map[string]any, len(req.Params)+2)
	for k, v := range req.Params {
		args[k] = v
	}
	if len(req.Credentials) > 0 {
		args["_credentials"] = req.Credentials
	}
	if len(req.Config) > 0 {
		args["_config"] = req.Config
	}

	start := time.Now()
	res, err := p.call(ctx, req.Action, args)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", req.Plugin, req.Action, err)
	}

	out := &engine.PluginResult{ExecutionTime: elapsed}
	if res.IsError {
		out.Error = resultText(res)
		if out.Error == "" {
			out.Error = "tool reported an error"
		}
		return out, nil
	}
	out.Success = true
	out.Data = resultData(res)
	return out, nil
}

// Tools lists the actions of a loaded plugin.
func (r *MCPRegistry) Tools(name string) ([]ToolInfo, error) {
	r.mu.RLock()
	mp, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q is not loaded", name)
	}
	return mp.provider.toolList(), nil
}

// Names returns the loaded plugin names in order.
func (r *MCPRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status returns the current status of every plugin.
func (r *MCPRegistry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.plugins))
	for name, mp := range r.plugins {
		out[name] = mp.status
	}
	return out
}

// healthCheckLoop pings a launched plugin and restarts it once it has failed
// unhealthyAfter consecutive pings.
func (r *MCPRegistry) healthCheckLoop(ctx context.Context, mp *managedPlugin) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.ping(ctx, mp)
		r.mu.Lock()
		if err == nil {
			mp.errCount = 0
			mp.lastErr = ""
			mp.status = StatusHealthy
			r.mu.Unlock()
			continue
		}
		mp.errCount++
		mp.lastErr = err.Error()
		failures := mp.errCount
		if failures >= unhealthyAfter {
			mp.status = StatusUnhealthy
		}
		r.mu.Unlock()

		r.logger.Warn("plugin health check failed", "plugin", mp.config.Name, "consecutive_errors", failures, "error", err)
		if failures >= unhealthyAfter {
			r.restart(ctx, mp, failures)
			return
		}
	}
}

func (r *MCPRegistry) ping(ctx context.Context, mp *managedPlugin) error {
	r.mu.RLock()
	p := mp.provider
	r.mu.RUnlock()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.client.Ping(pingCtx)
}

// defaultRestartDelay is min(1s·2^failures, 60s).
func defaultRestartDelay(failures int) time.Duration {
	return time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(failures)),
		float64(maxRestartDelay),
	))
}

// restart replaces a failed plugin process after a backoff delay. The
// plugin stays registered as unhealthy until the new process is up.
func (r *MCPRegistry) restart(ctx context.Context, mp *managedPlugin, failures int) {
	delay := r.restartDelay(failures)
	name := mp.config.Name
	r.logger.Info("restarting plugin", "plugin", name, "backoff", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	r.mu.RLock()
	old := mp.provider
	r.mu.RUnlock()
	_ = old.client.Close()

	p, err := r.open(ctx, *mp.config)
	if err != nil {
		r.logger.Error("failed to restart plugin", "plugin", name, "error", err)
		go r.healthCheckLoop(ctx, mp)
		return
	}

	r.mu.Lock()
	mp.provider = p
	mp.status = StatusHealthy
	mp.errCount = 0
	mp.lastErr = ""
	r.mu.Unlock()

	r.logger.Info("plugin restarted", "plugin", name)
	go r.healthCheckLoop(ctx, mp)
}

// Stop closes one plugin.
func (r *MCPRegistry) Stop(name string) error {
	r.mu.Lock()
	mp, ok := r.plugins[name]
	if ok {
		delete(r.plugins, name)
		mp.status = StatusStopped
	}
	r.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q is not loaded", name)
	}

	mp.cancel()
	if err := mp.provider.client.Close(); err != nil {
		return fmt.Errorf("close plugin %q: %w", name, err)
	}
	r.logger.Info("plugin stopped", "plugin", name)
	return nil
}

// Close stops every plugin.
func (r *MCPRegistry) Close() error {
	var lastErr error
	for _, name := range r.Names() {
		if err := r.Stop(name); err != nil {
			lastErr = err
			r.logger.Error("failed to stop plugin", "plugin", name, "error", err)
		}
	}
	return lastErr
}

var _ engine.PluginRegistry = (*MCPRegistry)(nil)
