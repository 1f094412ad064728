package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/app"
	"github.com/noah-isme/payment-orchestrator/internal/config"
	"github.com/noah-isme/payment-orchestrator/internal/jobs"
	"github.com/noah-isme/payment-orchestrator/internal/notify"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
	"github.com/noah-isme/payment-orchestrator/internal/queue"
	"github.com/noah-isme/payment-orchestrator/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "payments"), nil)
	queue.MustRegisterMetrics(nil)
	resilience.MustRegisterMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.Build(startCtx, cfg, app.Options{ApplicationName: "payment-orchestrator-worker"}, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	store := queue.NewStore(deps.DB)
	deliveryWorker := notify.DeliveryWorker{
		Dispatcher: deps.Dispatcher,
		Locker:     deps.Locker,
		LockTTL:    cfg.NotifyTimeout * 3,
	}
	workers := []queue.Worker{
		newWorker(cfg, deps, store, &logger, queue.KindReconcile, orchestrator.ReconcileTaskHandler(deps.Service)),
		newWorker(cfg, deps, store, &logger, queue.KindNotify, deliveryWorker.Handle),
	}

	runner, err := jobs.NewRunner(deps.AsynqRedis, jobs.RunnerConfig{
		Schedule:    cfg.ReconcileSchedule,
		Interval:    cfg.ReconcileLockTTL,
		Concurrency: cfg.AsynqConcurrency,
	}, deps.Reconciler, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise reconcile schedule")
	}
	if err := runner.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start reconcile schedule")
	}
	defer runner.Shutdown()

	logger.Info().Int("notify_endpoints", len(deps.Dispatcher.Endpoints)).Str("reconcile_schedule", cfg.ReconcileSchedule).Msg("worker starting")

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("worker stopped with error")
				stop()
			}
		}(w)
	}
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func newWorker(cfg *config.Config, deps *app.Dependencies, store queue.Store, logger *zerolog.Logger, kind string, handler func(context.Context, queue.Task) error) queue.Worker {
	return queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueuePrefix,
		Kind:              kind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibility,
		HeartbeatInterval: cfg.QueueVisibility / 3,
		Handler:           handler,
		RetryBase:         time.Second,
		RetryJitter:       0.2,
		Store:             store,
		Logger:            logger,
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
