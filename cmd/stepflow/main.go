package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/agents"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/notify"
	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	stepflowmcp "github.com/rendis/stepflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

// archive is the durable store: execution records, the event log and the
// secrets the vault encrypts.
type archive interface {
	store.Archive
	secrets.SecretStore
}

func openArchive(ctx context.Context, dbPath string) (archive, error) {
	if dbPath == "" {
		return store.NewMemoryArchive(), nil
	}
	a, err := store.NewLibSQLArchive(dbPath)
	if err != nil {
		return nil, err
	}
	if err := a.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func run() error {
	cfg, err := loadConfig(settingsPath(), os.Getenv)
	if err != nil {
		return err
	}

	// MCP stdio owns stdout, so logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arc, err := openArchive(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arc.Close()

	var credentials engine.CredentialResolver
	if cfg.VaultKey != "" {
		vault, err := secrets.NewAESVault(arc, secrets.ConfigFromKey(cfg.VaultKey, []byte(cfg.VaultSalt)))
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		credentials = secrets.NewVaultCredentials(vault)
	} else {
		logger.Warn("vault_key not set, plugin steps run without stored credentials")
	}

	hub := streaming.NewMemoryHub(cfg.EventBuffer)
	recorder := streaming.NewRecorder(arc, hub, logger)

	pluginRegistry := plugins.NewMCPRegistry(logger)
	defer pluginRegistry.Close()
	for name, pc := range cfg.Plugins {
		if err := pluginRegistry.Load(ctx, pc); err != nil {
			logger.Error("plugin failed to load", "plugin", name, "error", err)
		}
	}

	agentRegistry := agents.NewRegistry()
	for id, ac := range cfg.Agents {
		typ := ac.Type
		if typ == "" {
			typ = agents.TypeLLM
		}
		info := agents.Info{ID: id, Type: typ, Capabilities: ac.Capabilities}
		if err := agentRegistry.Register(info, agents.NewPluginAgent(pluginRegistry, ac.Plugin, ac.Action)); err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
	}

	systemActions, err := actions.NewBuiltinRegistry(actions.BuiltinDeps{
		Notifier: streaming.NewHubNotifier(recorder),
		Mailer:   notify.New(cfg.SMTP, logger),
	})
	if err != nil {
		return err
	}
	conditions, err := expressions.NewConditionEvaluator(cfg.ConditionDialect)
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(systemActions, conditions)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		MaxParallelSteps:        cfg.MaxParallelSteps,
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		DefaultStepTimeout:      time.Duration(cfg.DefaultStepTimeout),
		DefaultWorkflowTimeout:  time.Duration(cfg.DefaultWorkflowTimeout),
		Retry: engine.RetryPolicy{
			Base:    time.Duration(cfg.RetryBase),
			Ceiling: time.Duration(cfg.RetryCeiling),
		},
		ConditionDialect: cfg.ConditionDialect,
	}, engine.Deps{
		Plugins:       pluginRegistry,
		Agents:        agentRegistry,
		Credentials:   credentials,
		SystemActions: systemActions,
		Archive:       arc,
		Events:        recorder,
		Validator:     validator,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	}()

	sched := scheduler.NewScheduler(eng, logger, scheduler.WithInterval(time.Duration(cfg.SchedulerInterval)))
	if cfg.DefinitionsDir != "" {
		n, err := sched.LoadDir(cfg.DefinitionsDir)
		if err != nil {
			logger.Error("some scheduled definitions failed to load", "dir", cfg.DefinitionsDir, "error", err)
		}
		logger.Info("scheduled definitions loaded", "dir", cfg.DefinitionsDir, "count", n)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := stepflowmcp.NewStepflowServer(stepflowmcp.ServerDeps{
		Executor:  eng,
		Events:    arc,
		Schedules: sched,
		Logger:    logger,
		Version:   version,
	})
	forwarder := stepflowmcp.NewEventForwarder(srv.MCPServer(), srv.Sessions(), logger)
	go func() {
		if err := forwarder.Run(ctx, hub); err != nil {
			logger.Error("event forwarder stopped", "error", err)
		}
	}()

	logger.Info("stepflow started", "transport", cfg.Transport, "db_path", cfg.DBPath, "plugins", len(cfg.Plugins))
	if strings.EqualFold(cfg.Transport, TransportSSE) {
		err = srv.ServeSSE(ctx, cfg.ListenAddr, cfg.BaseURL)
	} else {
		err = srv.Serve(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("stepflow stopping")
	return nil
}
