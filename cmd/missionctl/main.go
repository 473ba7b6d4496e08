package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/api"
	"github.com/helmsman/missionctl/internal/approval"
	"github.com/helmsman/missionctl/internal/codegen"
	"github.com/helmsman/missionctl/internal/config"
	"github.com/helmsman/missionctl/internal/engine"
	"github.com/helmsman/missionctl/internal/events"
	"github.com/helmsman/missionctl/internal/gateway"
	"github.com/helmsman/missionctl/internal/ledger"
	"github.com/helmsman/missionctl/internal/registry"
	"github.com/helmsman/missionctl/internal/runner"
	pgstore "github.com/helmsman/missionctl/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Mission Control orchestrator...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/missionctl.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	if cfg.Database.Postgres.DSN == "" {
		logger.Fatal("database.postgres.dsn is required")
	}
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(context.Background(), cfg.Engine.MigrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Initialize agent registry
	reg := registry.New(logger)
	reg.SetPersister(store)
	agents, err := store.ListAgents(context.Background())
	if err != nil {
		logger.Warn("failed to load agents from DB", zap.Error(err))
	} else {
		for _, a := range agents {
			if err := reg.Register(context.Background(), a); err != nil {
				logger.Warn("failed to restore agent", zap.String("agent", a.Name), zap.Error(err))
			}
		}
		logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
	}
	if cfg.Registry.DescriptorFile != "" {
		set, derr := registry.LoadDescriptors(cfg.Registry.DescriptorFile)
		if derr != nil {
			logger.Fatal("descriptor file invalid", zap.Error(derr))
		}
		if err := reg.Seed(context.Background(), set); err != nil {
			logger.Fatal("registry seed failed", zap.Error(err))
		}
	}

	// Initialize event bus
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, berr := events.NewBus(cfg.Database.Redis.URL, logger)
		if berr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(berr))
		} else {
			bus = b
			defer bus.Close()
		}
	}

	// Initialize gate notification gateway
	gw := gateway.NewGateway(logger)
	if cfg.Gateway.Slack.Enabled {
		gw.Register(gateway.NewSlackNotifier(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.Channel, logger))
	}
	if cfg.Gateway.Discord.Enabled {
		dn, derr := gateway.NewDiscordNotifier(cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger)
		if derr != nil {
			logger.Warn("Discord unavailable", zap.Error(derr))
		} else {
			gw.Register(dn)
			defer dn.Close()
		}
	}

	// Ledger, audit trail, approvals
	ledg := ledger.New(store.Pool(), logger)
	trail := codegen.New(store.Pool(), logger)
	approvals := approval.NewManager(store.Pool(), cfg.Approvals.Expiry.Std(), logger)
	approvals.SetGateway(gw)
	if bus != nil {
		approvals.SetEvents(bus)
	}

	// Workflow engine
	eng := engine.New(engine.Config{
		MaxAttempts: cfg.Engine.MaxAttempts,
		StepTimeout: cfg.Engine.StepTimeout.Std(),
		BackoffBase: cfg.Engine.BackoffBase.Std(),
		PoolSize:    cfg.Engine.PoolSize,
	}, reg, runner.NewProcessRunner(logger), ledg, logger)
	eng.SetTrail(trail)
	eng.SetGates(approvals)
	eng.SetPersister(store)
	if bus != nil {
		eng.SetEvents(bus)
	}
	approvals.SetResumeFunc(eng.Resume)

	// Adopt workflows still awaiting approval from a previous process.
	awaiting, err := store.ListWorkflows(context.Background(), string(engine.StatusAwaitingApproval))
	if err != nil {
		logger.Warn("failed to list awaiting workflows", zap.Error(err))
	} else {
		for _, wf := range awaiting {
			full, gerr := store.GetWorkflow(context.Background(), wf.ID)
			if gerr != nil {
				logger.Warn("failed to load workflow", zap.String("workflow", wf.ID), zap.Error(gerr))
				continue
			}
			eng.Adopt(full)
		}
		if len(awaiting) > 0 {
			logger.Info("Adopted awaiting workflows", zap.Int("count", len(awaiting)))
		}
	}

	// Background expiry sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	approvals.StartSweeper(sweepCtx, cfg.Approvals.SweepInterval.Std())

	// HTTP API
	handler := api.NewHandler(eng, reg, ledg, trail, approvals, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("Mission Control stopped")
}
