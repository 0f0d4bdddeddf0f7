package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anteroom/anteroom/internal/agent"
	"github.com/anteroom/anteroom/internal/approvals"
	"github.com/anteroom/anteroom/internal/bus"
	"github.com/anteroom/anteroom/internal/config"
	"github.com/anteroom/anteroom/internal/gateway"
	"github.com/anteroom/anteroom/internal/mcp"
	"github.com/anteroom/anteroom/internal/store"
	"github.com/anteroom/anteroom/internal/tools"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// app bundles the wired components shared by serve and chat.
type app struct {
	cfg       *config.Config
	manager   *store.Manager
	store     *store.Store
	bus       *bus.Bus
	broker    *approvals.Broker
	providers *mcp.Manager
	registry  *tools.Registry
	engine    *agent.Engine
}

func buildApp(ctx context.Context, confirmer tools.Confirmer) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	manager := store.NewManager(cfg.DataDir, cfg.SharedDatabases(), logger)
	personal, err := manager.Get(store.PersonalDatabase)
	if err != nil {
		manager.CloseAll()
		return nil, fmt.Errorf("open personal database: %w", err)
	}

	eventBus := bus.New(manager, logger)
	broker := approvals.NewBroker(logger)

	providers := mcp.NewManager(cfg.ServerConfigs(), logger)
	providers.Startup(ctx)

	registry := tools.NewRegistry(confirmer, providers, logger)
	if cfg.BuiltinToolsEnabled() {
		workDir, _ := os.Getwd()
		if err := tools.RegisterShell(registry, workDir); err != nil {
			return nil, err
		}
		if err := tools.RegisterFileTools(registry, workDir); err != nil {
			return nil, err
		}
	}

	engine := agent.NewEngine(
		agent.NewOpenAIProvider(agent.OpenAIConfig{
			BaseURL:      cfg.AI.BaseURL,
			APIKey:       cfg.AI.APIKey,
			Model:        cfg.AI.Model,
			SystemPrompt: cfg.AI.SystemPrompt,
			VerifySSL:    cfg.AI.VerifyTLS(),
		}, logger),
		personal, registry,
		agent.EngineConfig{
			MaxIterations: cfg.Engine.MaxIterations,
			WarnTokens:    cfg.Engine.WarnTokens,
			CompactTokens: cfg.Engine.CompactTokens,
		}, logger)

	return &app{
		cfg:       cfg,
		manager:   manager,
		store:     personal,
		bus:       eventBus,
		broker:    broker,
		providers: providers,
		registry:  registry,
		engine:    engine,
	}, nil
}

func (a *app) close() {
	a.providers.Shutdown()
	a.bus.StopPolling()
	a.broker.StopSweeper()
	a.manager.CloseAll()
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	if v := os.Getenv("ANTEROOM_CONFIG"); v != "" {
		return v
	}
	return ""
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The gateway approves destructive commands through the broker; the
	// web UI resolves them via the approvals endpoints.
	var broker *approvals.Broker
	confirmer := tools.ConfirmerFunc(func(ctx context.Context, message string) (bool, error) {
		id := broker.Request(message, "web")
		return broker.Wait(ctx, id, approvals.DefaultWaitTimeout), nil
	})

	a, err := buildApp(ctx, confirmer)
	if err != nil {
		return err
	}
	defer a.close()
	broker = a.broker

	a.bus.StartPolling(ctx)
	a.broker.StartSweeper(ctx)

	srv := gateway.New(a.cfg, a.store, a.engine, a.bus, a.broker, a.providers, slog.Default())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
