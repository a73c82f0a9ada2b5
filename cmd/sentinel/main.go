package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/alert"
	"github.com/sentinelai/sentinel/internal/anomaly"
	"github.com/sentinelai/sentinel/internal/config"
	"github.com/sentinelai/sentinel/internal/executor"
	"github.com/sentinelai/sentinel/internal/llm"
	"github.com/sentinelai/sentinel/internal/logging"
	"github.com/sentinelai/sentinel/internal/pipeline"
	"github.com/sentinelai/sentinel/internal/risk"
	"github.com/sentinelai/sentinel/internal/scheduler"
	"github.com/sentinelai/sentinel/internal/server"
	"github.com/sentinelai/sentinel/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("sentinel exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	minLevel, err := risk.ParseLevel(cfg.Alerts.MinRiskLevel)
	if err != nil {
		return err
	}

	// Pooled clients start before any job can fire.
	exec := executor.New(log)
	if err := exec.Start(); err != nil {
		return err
	}
	defer exec.Stop()

	apiKey := cfg.LLM.APIKey
	if !cfg.LLM.Enabled {
		apiKey = ""
	}
	gateway := llm.NewClient(apiKey, cfg.LLM.Model, cfg.LLMTimeout(), log)
	if err := gateway.Start(); err != nil {
		return err
	}
	defer gateway.Stop()

	webhook := alert.NewWebhookClient(cfg.Webhook.Enabled, cfg.Webhook.URL, cfg.WebhookTimeout(), log)
	if err := webhook.Start(); err != nil {
		return err
	}
	defer webhook.Stop()

	svc := pipeline.NewService(
		st,
		exec,
		anomaly.NewEngine(gateway, log),
		risk.NewEngine(),
		pipeline.Defaults{
			Timeout:     cfg.RunnerTimeout(),
			MaxAttempts: cfg.Runner.MaxAttempts,
			BackoffBase: cfg.RunnerBackoff(),
		},
		log,
	)

	dispatcher := alert.NewDispatcher(webhook, minLevel, log)

	sched := scheduler.New(st, svc, dispatcher, cfg.Scheduler.Enabled, cfg.Scheduler.MaxConcurrent, log)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.Scheduler.Enabled {
		syncRes, err := sched.SyncJobs(context.Background())
		if err != nil {
			return fmt.Errorf("initial job sync: %w", err)
		}
		log.Info("initial job sync complete",
			zap.Int("added", syncRes.Added),
			zap.Int("total", syncRes.Total))
	}

	adminSrv := server.New(cfg.Server.Port, st, sched, gateway, log)
	adminSrv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Stop(shutdownCtx); err != nil {
		log.Warn("admin server shutdown error", zap.Error(err))
	}

	// Deferred stops run scheduler first, then the pooled clients, then the
	// store: reverse startup order.
	return nil
}
