// Package main is the entry point for the PowerDaemon control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/alerting"
	"github.com/powerdaemonhq/powerdaemon/internal/server"
	"github.com/powerdaemonhq/powerdaemon/internal/workflow"
	"github.com/powerdaemonhq/powerdaemon/pkg/auth"
	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/database"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/resilience"
	"github.com/powerdaemonhq/powerdaemon/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, "json")
	log = log.WithService("powerdaemon")

	log.Info("starting PowerDaemon",
		"version", version,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	tel, err := telemetry.NewProvider(cfg.Telemetry, "powerdaemon", version, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	// Persistence
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database")

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Cache
	redisCache, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisCache.Close()
	log.Info("connected to cache", "addr", cfg.Redis.Addr)

	// Message bus
	producer, err := bus.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()
	log.Info("connected to message bus", "brokers", cfg.Kafka.Brokers)

	// Identity
	userStore := auth.NewPostgresUserStore(db)
	identity := auth.NewService(userStore, cfg.Auth)

	// Metrics aggregation port
	querier := alerting.NewPrometheusQuerier(cfg.Alerting.MetricsQueryURL)

	// Workflow engine
	repo := workflow.NewRepository(db, redisCache, log)
	planners := workflow.NewRegistry()
	probe := workflow.NewCacheHealthProbe(redisCache)
	lb := workflow.NewHTTPLoadBalancer(log)
	workers := workflow.BuiltinWorkers(producer, probe, querier, log)
	stepRunner := workflow.NewStepRunner(producer, probe, lb, workers, log)
	rollbackEngine := workflow.NewRollbackEngine(repo, producer, probe, cfg.Orchestrator, log)
	executor := workflow.NewExecutor(repo, redisCache, stepRunner, rollbackEngine, cfg.Orchestrator, log)
	orch := workflow.NewOrchestrator(repo, redisCache, planners, executor, rollbackEngine, identity, cfg.Orchestrator, log)
	log.Info("initialized orchestrator", "strategies", planners.Strategies())

	// Alerting engine
	ruleStore, err := alerting.NewRuleStore(ctx, redisCache, log)
	if err != nil {
		return fmt.Errorf("failed to create rule store: %w", err)
	}
	if err := ruleStore.SeedBuiltinRules(ctx, cfg.Alerting); err != nil {
		return fmt.Errorf("failed to seed builtin rules: %w", err)
	}

	alertStore := alerting.NewAlertStore(redisCache, producer, cfg.Alerting.AlertRetentionDays, log)

	channels := alerting.BuildChannels(
		cfg.Notifications.SlackEnabled, cfg.Notifications.SlackWebhookURL, cfg.Notifications.SlackChannel,
		cfg.Notifications.EmailEnabled, cfg.Notifications.EmailTo,
		cfg.Notifications.WebhookEnabled, cfg.Notifications.WebhookURL,
	)
	dispatcher := alerting.NewDispatcher(channels, alertStore,
		cfg.Notifications.MaxRetries,
		time.Duration(cfg.Notifications.RetryIntervalSeconds)*time.Second,
		log,
	)
	dispatcher.RegisterHandler("slack", alerting.NewSlackSender())
	dispatcher.RegisterHandler("email", alerting.NewEmailSender(cfg.Notifications))
	dispatcher.RegisterHandler("webhook", alerting.NewWebhookSender(cfg.Notifications))

	evaluator := alerting.NewEvaluator(ruleStore, alertStore, dispatcher, querier, redisCache, cfg.Alerting, log)

	// Background workers
	supervisor := resilience.NewSupervisor(resilience.DefaultSupervisorConfig(), log)
	supervisor.Start(ctx, evaluator)
	supervisor.Start(ctx, alerting.NewRetryWorker(dispatcher, time.Duration(cfg.Notifications.RetryIntervalSeconds)*time.Second))
	supervisor.Start(ctx, resilience.WorkerFunc{
		WorkerName: "orchestrator-health",
		Fn: func(ctx context.Context) error {
			interval := time.Duration(cfg.Orchestrator.HealthCheckIntervalSeconds) * time.Second
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := orch.RefreshHealth(ctx); err != nil {
						log.Warn("health refresh failed", "error", err)
					}
					orch.StartQueued(ctx)
				}
			}
		},
	})
	supervisor.Start(ctx, resilience.WorkerFunc{
		WorkerName: "retention-cleanup",
		Fn: func(ctx context.Context) error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					alertStore.ExpireSuppressions(ctx)
					if removed, err := alertStore.CleanupExpiredAlerts(ctx); err == nil && removed > 0 {
						log.Info("cleaned up resolved alerts", "removed", removed)
					}
					if removed, err := orch.CleanupOld(ctx); err == nil && removed > 0 {
						log.Info("cleaned up old workflows", "removed", removed)
					}
				}
			}
		},
	})

	// HTTP server
	router := server.New(server.Config{
		Cfg:          cfg,
		DB:           db,
		Cache:        redisCache,
		Orchestrator: orch,
		Alerts:       alertStore,
		Rules:        ruleStore,
		Evaluator:    evaluator,
		Identity:     identity,
		Verifier:     identity,
		Logger:       log,
		BuildInfo: server.BuildInfo{
			Version:   version,
			GitCommit: gitCommit,
		},
	})

	srv := &http.Server{
		Addr:         cfg.API.Address(),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	cancel()
	supervisor.Wait()
	log.Info("shutdown complete")
	return nil
}
