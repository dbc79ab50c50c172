package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/agentruntime"
	"github.com/outreachforge/orchestrator/pkg/agents"
	"github.com/outreachforge/orchestrator/pkg/costgovernor"
	"github.com/outreachforge/orchestrator/pkg/humangate"
	"github.com/outreachforge/orchestrator/pkg/observability"
	"github.com/outreachforge/orchestrator/pkg/resilience"
	"github.com/outreachforge/orchestrator/pkg/scheduler"
	"github.com/outreachforge/orchestrator/pkg/server"
	"github.com/outreachforge/orchestrator/pkg/statestore"
	"github.com/outreachforge/orchestrator/pkg/toolrouter"
	"github.com/outreachforge/orchestrator/pkg/workflow"
)

// toolResultCacheSize bounds the Tool Router's in-memory LRU cache
// (SPEC_FULL §3f); not reloadable (a reload re-applies only breaker and
// rate settings).
const toolResultCacheSize = 4096

// ServeCmd starts the orchestrator's REST control plane.
type ServeCmd struct {
	Watch bool `help:"Watch the config file for changes and hot-reload reloadable tunables."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	loader := config.NewLoader(cli.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	store, closeStore, err := buildStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("build state store: %w", err)
	}
	defer closeStore()

	notifier := buildNotifier(cfg)

	obsManager, err := observability.NewFromConfig(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("build observability manager: %w", err)
	}
	defer obsManager.Shutdown(context.Background())

	breakerDefaults := config.BreakerConfig{}
	breakerDefaults.SetDefaults()
	breakers := resilience.NewBreakerRegistry(breakerDefaults, cfg.Breaker)

	rateDefaults := config.RateConfig{}
	rateDefaults.SetDefaults()
	limiters := resilience.NewLimiterRegistry(rateDefaults, cfg.Rate)

	retry := resilience.NewPolicy(cfg.Retry)

	governor := costgovernor.New(store, cfg.Budget, cfg.CostTable, notifier).
		WithObservability(obsManager.Metrics())

	router, err := toolrouter.New(breakers, limiters, retry, governor, store, toolResultCacheSize, cfg.Concurrency.ToolWorkers)
	if err != nil {
		return fmt.Errorf("build tool router: %w", err)
	}
	router.WithObservability(obsManager.Metrics(), obsManager.Tracer())

	gates := humangate.New(store, cfg.Gates, notifier)

	sched := scheduler.New(map[scheduler.Kind]int{
		scheduler.KindAgentRuntime: cfg.Concurrency.AgentWorkers,
		scheduler.KindToolDispatch: cfg.Concurrency.ToolWorkers,
	}, cfg.Scheduler.QueueBound)
	defer sched.Shutdown()

	runner := agentruntime.New(store, router, retry, cfg.Scheduler.PollInterval()).
		WithObservability(obsManager.Metrics(), obsManager.Tracer())

	registry, err := agents.BuildRegistry()
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}

	engine := workflow.New(store, runner, gates, sched, registry, 3).
		WithObservability(obsManager.Metrics())

	if c.Watch {
		loader.OnReload(func(newCfg *config.Config) {
			slog.Info("config reloaded; rate limits and breaker settings for tools not yet seen take effect on next use")
			breakers.UpdateConfigs(newCfg.Breaker)
			limiters.UpdateConfigs(newCfg.Rate)
		})
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch error", "error", err)
			}
		}()
	}

	srv := server.New(cfg.Server.Addr, engine).WithObservability(obsManager)

	slog.Info("orchestratord ready",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
		"tracing_enabled", obsManager.TracingEnabled(),
		"metrics_enabled", obsManager.MetricsEnabled(),
	)

	return srv.Start(ctx)
}

func buildStore(cfg config.StorageConfig) (statestore.StateStore, func(), error) {
	if cfg.Driver == "memory" {
		return statestore.NewMemoryStore(), func() {}, nil
	}

	store, err := statestore.NewSQLStore(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if c, ok := store.(statestore.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Error("close state store", "error", err)
			}
		}
	}
	return store, closer, nil
}

func buildNotifier(cfg *config.Config) *notifier {
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		return &notifier{slack: humangate.NewSlackNotifier(token)}
	}
	return &notifier{}
}

// notifier delivers gate and budget-warning notifications to Slack when a
// bot token is configured, falling back to a log line so a run never
// blocks on a notification channel that was never wired (spec §6: "at
// most once; failures are logged, not retried").
type notifier struct {
	slack *humangate.SlackNotifier
}

func (n *notifier) Send(ctx context.Context, target, message, link string) error {
	if n.slack != nil {
		return n.slack.Send(ctx, target, message, link)
	}
	slog.Info("notification", "target", target, "message", message, "link", link)
	return nil
}
