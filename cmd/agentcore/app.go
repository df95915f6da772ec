package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/coordinator"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/hooks"
	"github.com/basket/agentcore/internal/llm"
	otelPkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/tools"
)

// app is the wired runtime shared by the commands. Fields are filled in
// startup order; Close releases them in reverse.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Handle
	registry *runs.Registry
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	hooks    *hooks.Dispatcher
	policy   *permission.Policy
	catalog  *agent.Catalog

	closers []func() error
}

type appOptions struct {
	// quietLogs keeps logs in the log file so the terminal stays readable.
	quietLogs bool
	approvals *permission.ApprovalManager
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, bus: bus.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if len(cfg.Processor.ContextLimits) > 0 {
		engine.SetContextLimitOverrides(cfg.Processor.ContextLimits)
	}

	// Audit starts before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fmt.Errorf("init audit: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quietLogs)
	if err != nil {
		return a, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if a.otel, err = otelPkg.Init(ctx, cfg.OTel); err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(shutdownCtx)
	})
	if a.metrics, err = otelPkg.NewMetrics(a.otel.Meter); err != nil {
		return a, fmt.Errorf("init metrics: %w", err)
	}

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.store.Close)
	if a.store.DB != nil {
		audit.SetDB(a.store.DB)
	}
	a.registry = runs.NewRegistry(a.store.Store, cfg.Limits(),
		runs.WithBus(a.bus), runs.WithLogger(logger), runs.WithMetrics(a.metrics))
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Runs.Store.Backend)

	a.hooks = hooks.NewDispatcher(logger, a.metrics)
	a.hooks.SetTimeout(cfg.Hooks.Timeout)
	if cfg.Hooks.Kafka.Brokers != "" {
		k, err := hooks.NewKafkaHook(cfg.Hooks.Kafka.Brokers, cfg.Hooks.Kafka.Topic)
		if err != nil {
			return a, err
		}
		a.hooks.Add(k)
		a.closers = append(a.closers, k.Close)
	}

	rules, err := permission.Load(cfg.ResolvePath(cfg.PermissionsFile))
	if err != nil {
		return a, err
	}
	a.policy = permission.NewPolicy(rules, opts.approvals)

	if a.catalog, err = agent.NewCatalog(cfg.Agents...); err != nil {
		return a, err
	}
	logger.Info("startup phase", "phase", "ready", "subagents", len(a.catalog.Names()))
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*persistence.Handle, error) {
	sc := cfg.Runs.Store
	return persistence.Open(ctx, persistence.Options{
		Backend:  sc.Backend,
		Path:     cfg.ResolvePath(sc.Path),
		DSN:      sc.DSN,
		CacheTTL: sc.CacheTTL,
		Logger:   logger,
	})
}

// recoverRuns closes runs a previous process left active. A shared postgres
// registry is skipped because the runs may belong to a live process.
func (a *app) recoverRuns(ctx context.Context) {
	if a.cfg.Runs.Store.Backend == config.StorePostgres {
		return
	}
	n, err := a.registry.Recover(ctx)
	if err != nil {
		a.logger.Warn("run recovery failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("startup phase", "phase", "recovery_completed", "closed_runs", n)
	}
}

// startSweeper schedules registry and history retention. An empty
// schedule disables it.
func (a *app) startSweeper(ctx context.Context) (func(), error) {
	if a.cfg.Runs.SweepSchedule == "" {
		return func() {}, nil
	}
	retention := a.cfg.Runs.Retention
	s, err := cron.NewSweeper(a.cfg.Runs.SweepSchedule, a.logger,
		cron.Job{Name: "runs", Run: a.registry.Sweep},
		cron.Job{Name: "history", Run: func(ctx context.Context) (int, error) {
			return a.store.PurgeHistory(ctx, retention)
		}},
	)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s.Stop, nil
}

// watchConfig reloads subagent definitions and permission rules when
// config.yaml or the rules file changes.
func (a *app) watchConfig(ctx context.Context) error {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger, a.cfg.PermissionsFile)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go w.Reload(func(c config.Config) {
		if err := a.catalog.Replace(c.Agents); err != nil {
			a.logger.Warn("subagent reload rejected", "error", err)
		}
		if err := a.policy.ReloadFromFile(c.ResolvePath(c.PermissionsFile)); err != nil {
			a.logger.Warn("permission reload rejected", "error", err)
		}
	})
	return nil
}

func (a *app) generator(ctx context.Context) (*llm.GenkitGenerator, error) {
	return llm.NewGenkitGenerator(ctx, llm.GenkitConfig{
		Provider:           a.cfg.LLM.Provider,
		Model:              a.cfg.LLM.Model,
		APIKey:             a.cfg.LLM.APIKey,
		CompatibleProvider: a.cfg.LLM.CompatibleProvider,
		BaseURL:            a.cfg.LLM.BaseURL,
	}, a.logger)
}

// workspace builds the file and exec tools, sandboxed in docker when
// tools.sandbox.enabled is set.
func (a *app) workspace() (tools.Workspace, error) {
	root := a.cfg.Tools.Workspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return tools.Workspace{}, err
		}
		root = wd
	}
	ws := tools.Workspace{Root: root}
	if sb := a.cfg.Tools.Sandbox; sb.Enabled {
		exec, err := tools.NewDockerExecutor(sb.Image, sb.MemoryMB, sb.Network, root)
		if err != nil {
			return ws, err
		}
		a.closers = append(a.closers, exec.Close)
		ws.Executor = exec
	}
	return ws, nil
}

// processorConfig maps config.yaml onto the engine. Temperature zero
// leaves the provider default.
func processorConfig(cfg config.Config) (engine.Config, error) {
	limits, err := cfg.CostLimits()
	if err != nil {
		return engine.Config{}, err
	}
	table, err := cfg.PricingTable()
	if err != nil {
		return engine.Config{}, err
	}
	pc := engine.Config{
		Model:             cfg.LLM.Model,
		Provider:          cfg.LLM.Provider,
		System:            cfg.Processor.System,
		MaxTokens:         cfg.Processor.MaxTokens,
		MaxSteps:          cfg.Processor.MaxSteps,
		ContinueOnDeny:    cfg.Processor.ContinueOnDeny,
		ContextLimit:      cfg.Processor.ContextLimit,
		PermissionTimeout: cfg.Processor.PermissionTimeout,
		HumanTimeout:      cfg.Processor.HumanTimeout,
		Retry:             cfg.Retry.Policy(),
		DoomLoopWindow:    cfg.DoomLoop.Window,
		DoomLoopThreshold: cfg.DoomLoop.Threshold,
		Limits:            limits,
		Pricing:           table,
	}
	if t := cfg.Processor.Temperature; t != 0 {
		pc.Temperature = &t
	}
	return pc, nil
}

func orchestratorConfig(cfg config.Config, pc engine.Config) coordinator.Config {
	return coordinator.Config{
		Processor:      pc,
		MaxConcurrency: cfg.Subagents.MaxConcurrency,
		SteerMode:      coordinator.SteerMode(cfg.Subagents.SteerMode),
		SteerInterval:  cfg.Subagents.SteerInterval,
		Announce:       cfg.Subagents.Announce.Policy(),
		WaitTimeout:    cfg.Subagents.WaitTimeout,
		GoalSelfCheck:  cfg.Subagents.GoalSelfCheck,
	}
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
