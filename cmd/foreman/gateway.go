package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/foreman/internal/classifier"
	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/dispatch"
	"github.com/mtzanidakis/foreman/internal/executor"
	"github.com/mtzanidakis/foreman/internal/llm"
	"github.com/mtzanidakis/foreman/internal/metrics"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/registry"
	"github.com/mtzanidakis/foreman/internal/scheduler"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/vault"
	"github.com/mtzanidakis/foreman/internal/web"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the intake, engine workers, scheduler and web API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx)
		},
	}
}

func runGateway(ctx context.Context) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	metricsHandler, err := metrics.InitMeterProvider(ctx, "foreman")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := metrics.Init(); err != nil {
		return fmt.Errorf("init instruments: %w", err)
	}

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("store opened", "driver", cfg.Store.Driver)

	v, keyring, err := openVault(cfg.Vault, db)
	if err != nil {
		return err
	}

	client, closeBus, err := connectBus(cfg.NATS)
	if err != nil {
		return err
	}
	defer closeBus()

	reg := registry.New(db, cfg.Agents, cfg.LLM)
	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("sync agents: %w", err)
	}

	var llmOpts []llm.Option
	if keyring != nil {
		llmOpts = append(llmOpts, llm.WithKeyResolver(keyring))
	}
	llmClient := llm.New(cfg.LLM, llmOpts...)

	exec := executor.New(llmClient, executor.Defaults{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	cls := classifier.New(llmClient, classifier.Options{})

	dispatcher := dispatch.NewDispatcher(client)
	engine := workflow.NewEngine(db, exec,
		workflow.WithEvents(dispatch.NewEventPublisher(client)),
		workflow.WithOptions(workflow.OptionsFromConfig(cfg.Engine)),
	)
	intake := workflow.NewIntake(db, cls, dispatcher, cfg.Engine.MaxRetries)

	worker := dispatch.NewWorker(client, engine, cfg.Dispatch.Concurrency)
	worker.OnResult(func(res *workflow.ExecutionResult, err error) {
		switch {
		case errors.Is(err, workflow.ErrWorkflowBusy):
			slog.Debug("workflow pass skipped, already running")
		case err != nil:
			slog.Error("workflow pass failed", "error", err)
		case res != nil:
			slog.Info("workflow pass finished",
				"workflow", res.WorkflowID,
				"status", res.Status,
				"steps", fmt.Sprintf("%d/%d", res.CompletedSteps, res.TotalSteps),
				"tokens", res.TokensUsed,
				"duration_ms", res.DurationMs,
			)
		}
	})
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	responder := dispatch.NewResponder(client, intake, engine, dispatcher)
	if err := responder.Start(); err != nil {
		return err
	}
	defer responder.Stop()

	senders, err := notifySenders(ctx, cfg, keyring)
	if err != nil {
		return err
	}
	notifier := notify.New(client, engine, senders...)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	defer notifier.Stop()

	schedOpts := []scheduler.Option{scheduler.WithPublisher(client)}
	if cfg.Scheduler.RetrySweep {
		policy := workflow.RetryPolicyFromConfig(cfg.Engine.Retry)
		schedOpts = append(schedOpts, scheduler.WithSweeper(scheduler.NewSweeper(db, dispatcher, policy, engine.Busy)))
	}
	sched := scheduler.New(db, intake, cfg.Scheduler.PollInterval, schedOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Store:      db,
			Engine:     engine,
			Intake:     intake,
			Dispatcher: dispatcher,
			Registry:   reg,
			Vault:      v,
			Client:     client,
			Metrics:    metricsHandler,
			Version:    version,
		}, cfg.Web)
		g.Go(func() error { return srv.Start(gctx) })
	}

	reload := func(old, next *config.Config) {
		applyReload(gctx, config.Diff(old, next), next, reg, llmClient, engine, sched)
	}
	if err := config.Watch(gctx, path, cfg, reload); err != nil {
		slog.Warn("config watcher disabled", "path", path, "error", err)
	}

	slog.Info("foreman gateway started",
		"version", version,
		"web", cfg.Web.Enabled,
		"notifiers", notifier.Senders(),
		"max_parallel", cfg.Engine.MaxParallel,
	)

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func applyReload(ctx context.Context, d config.ConfigDiff, next *config.Config, reg *registry.Registry, client *llm.Client, engine *workflow.Engine, sched *scheduler.Scheduler) {
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		return
	}

	if d.LLMChanged {
		client.Reconfigure(d.NewLLM)
		slog.Info("llm config reloaded", "provider", d.NewLLM.Provider, "model", d.NewLLM.Model)
	}
	if d.LLMChanged || len(d.AgentsAdded)+len(d.AgentsRemoved)+len(d.AgentsChanged) > 0 {
		reg.Update(next.Agents, next.LLM)
		if err := reg.Sync(ctx); err != nil {
			slog.Error("agent sync after reload failed", "error", err)
		} else {
			slog.Info("agents reloaded",
				"added", d.AgentsAdded,
				"removed", d.AgentsRemoved,
				"changed", d.AgentsChanged,
			)
		}
	}
	if d.EngineChanged {
		engine.SetOptions(workflow.OptionsFromConfig(d.NewEngine))
		slog.Info("engine options reloaded",
			"gate_dependencies", d.NewEngine.GateDependencies,
			"max_parallel", d.NewEngine.MaxParallel,
		)
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler.PollInterval)
	}
	if d.NotifyChanged {
		slog.Warn("notification settings changed, restart to apply")
	}
}

// openVault returns nil values when no passphrase is configured.
func openVault(cfg config.VaultConfig, db store.Backend) (*vault.Vault, *vault.Keyring, error) {
	if cfg.Passphrase == "" {
		return nil, nil, nil
	}
	v, err := vault.New(cfg.Passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("open vault: %w", err)
	}
	return v, vault.NewKeyring(db, v), nil
}

// connectBus embeds a NATS server unless nats.url points at an external one.
func connectBus(cfg config.NATSConfig) (*natsbus.Client, func(), error) {
	if cfg.URL != "" {
		client, err := natsbus.NewClientFromURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		slog.Info("connected to external nats", "url", cfg.URL)
		return client, client.Close, nil
	}

	bus, err := natsbus.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start nats: %w", err)
	}
	client, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("embedded nats started", "url", bus.ClientURL())
	return client, func() {
		_ = client.Drain()
		client.Close()
		bus.Close()
	}, nil
}

func notifySenders(ctx context.Context, cfg *config.Config, keyring *vault.Keyring) ([]notify.Sender, error) {
	var senders []notify.Sender

	tg, err := notify.NewTelegram(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	if tg != nil {
		senders = append(senders, tg)
	}

	secret := cfg.Webhook.Secret
	if secret != "" {
		secret, err = keyring.Resolve(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("resolve webhook secret: %w", err)
		}
	}
	if wh := notify.NewWebhook(cfg.Webhook, secret); wh != nil {
		senders = append(senders, wh)
	}
	return senders, nil
}
