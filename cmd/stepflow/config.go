package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/notify"
	"github.com/rendis/stepflow/internal/plugins"
)

// Transports the MCP server can listen on.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// duration decodes "30s"-style strings or plain nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %s", string(b))
		}
		*d = duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// AgentConfig exposes a plugin action as an ai_agent target.
type AgentConfig struct {
	Type         string   `json:"type"`
	Plugin       string   `json:"plugin"`
	Action       string   `json:"action"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	MaxParallelSteps        int      `json:"max_parallel_steps"`
	MaxConcurrentExecutions int      `json:"max_concurrent_executions"`
	DefaultStepTimeout      duration `json:"default_step_timeout"`
	DefaultWorkflowTimeout  duration `json:"default_workflow_timeout"`
	RetryBase               duration `json:"retry_base"`
	RetryCeiling            duration `json:"retry_ceiling"`
	ConditionDialect        string   `json:"condition_dialect"`

	VaultKey  string `json:"vault_key"`
	VaultSalt string `json:"vault_salt"`

	Plugins map[string]plugins.PluginConfig `json:"plugins"`
	Agents  map[string]AgentConfig          `json:"agents"`
	SMTP    notify.SMTPConfig               `json:"smtp"`

	Transport  string `json:"transport"`
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`

	DefinitionsDir    string   `json:"definitions_dir"`
	SchedulerInterval duration `json:"scheduler_interval"`
	EventBuffer       int      `json:"event_buffer"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		MaxParallelSteps:  10,
		RetryBase:         duration(time.Second),
		RetryCeiling:      duration(60 * time.Second),
		ConditionDialect:  "expr",
		VaultSalt:         "stepflow",
		Transport:         TransportStdio,
		ListenAddr:        ":4100",
		SchedulerInterval: duration(15 * time.Second),
		EventBuffer:       64,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	if p := os.Getenv("STEPFLOW_SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path (skipped when
// missing) and environment variables read through getenv.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = duration(d)
		}
	}

	str("STEPFLOW_DB_PATH", &cfg.DBPath)
	str("STEPFLOW_LOG_LEVEL", &cfg.LogLevel)
	num("STEPFLOW_MAX_PARALLEL_STEPS", &cfg.MaxParallelSteps)
	num("STEPFLOW_MAX_CONCURRENT_EXECUTIONS", &cfg.MaxConcurrentExecutions)
	dur("STEPFLOW_DEFAULT_STEP_TIMEOUT", &cfg.DefaultStepTimeout)
	dur("STEPFLOW_DEFAULT_WORKFLOW_TIMEOUT", &cfg.DefaultWorkflowTimeout)
	dur("STEPFLOW_RETRY_BASE", &cfg.RetryBase)
	dur("STEPFLOW_RETRY_CEILING", &cfg.RetryCeiling)
	str("STEPFLOW_CONDITION_DIALECT", &cfg.ConditionDialect)
	str("STEPFLOW_VAULT_KEY", &cfg.VaultKey)
	str("STEPFLOW_VAULT_SALT", &cfg.VaultSalt)
	str("STEPFLOW_SMTP_HOST", &cfg.SMTP.Host)
	num("STEPFLOW_SMTP_PORT", &cfg.SMTP.Port)
	str("STEPFLOW_SMTP_FROM", &cfg.SMTP.From)
	str("STEPFLOW_SMTP_USERNAME", &cfg.SMTP.Username)
	str("STEPFLOW_SMTP_PASSWORD", &cfg.SMTP.Password)
	str("STEPFLOW_TRANSPORT", &cfg.Transport)
	str("STEPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("STEPFLOW_BASE_URL", &cfg.BaseURL)
	str("STEPFLOW_DEFINITIONS_DIR", &cfg.DefinitionsDir)
	dur("STEPFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	for name, pc := range cfg.Plugins {
		pc.Name = name
		cfg.Plugins[name] = pc
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch strings.ToLower(c.Transport) {
	case TransportStdio, TransportSSE:
	default:
		return fmt.Errorf("transport must be %s or %s, got %q", TransportStdio, TransportSSE, c.Transport)
	}
	if c.MaxParallelSteps < 0 || c.MaxConcurrentExecutions < 0 {
		return errors.New("max_parallel_steps and max_concurrent_executions must not be negative")
	}
	if c.RetryBase > c.RetryCeiling && c.RetryCeiling > 0 {
		return fmt.Errorf("retry_base %s exceeds retry_ceiling %s", time.Duration(c.RetryBase), time.Duration(c.RetryCeiling))
	}
	for name, a := range c.Agents {
		if a.Plugin == "" || a.Action == "" {
			return fmt.Errorf("agent %q needs plugin and action", name)
		}
	}
	return nil
}
