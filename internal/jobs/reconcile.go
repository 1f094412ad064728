// Package jobs runs periodic background work on asynq.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
)

// TypeReconcileSweep is the asynq task type for the periodic sweep.
const TypeReconcileSweep = "reconcile:sweep"

const sweepQueue = "reconcile"

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (orchestrator.SweepReport, error)
}

// NewReconcileSweepTask builds the sweep task. Unique keeps a slow sweep from
// piling up duplicates while it runs.
func NewReconcileSweepTask(interval time.Duration) *asynq.Task {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return asynq.NewTask(TypeReconcileSweep, nil,
		asynq.Queue(sweepQueue),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
		asynq.Timeout(interval),
	)
}

// HandleReconcileSweep returns the asynq handler for TypeReconcileSweep.
func HandleReconcileSweep(sweeper Sweeper, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if sweeper == nil {
			return fmt.Errorf("jobs: sweeper not configured: %w", asynq.SkipRetry)
		}
		started := time.Now()
		report, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("reconcile_sweep_failed")
			return err
		}
		logger.Info().
			Int("scanned", report.Scanned).
			Int("applied", report.Applied).
			Int("unchanged", report.Unchanged).
			Int("scheduled", report.Scheduled).
			Int("errors", report.Errors).
			Bool("skipped", report.Skipped).
			Dur("took", time.Since(started)).
			Msg("reconcile_sweep_done")
		return nil
	}
}

// RunnerConfig configures the sweep scheduler and server.
type RunnerConfig struct {
	// Schedule is a cron spec or "@every <duration>".
	Schedule    string
	Interval    time.Duration
	Concurrency int
}

// Runner owns the asynq scheduler that enqueues sweeps and the server that
// executes them.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    zerolog.Logger
}

// NewRunner registers the periodic sweep.
func NewRunner(redis asynq.RedisConnOpt, cfg RunnerConfig, sweeper Sweeper, logger zerolog.Logger) (*Runner, error) {
	if cfg.Schedule == "" {
		return nil, errors.New("jobs: schedule is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger = logger.With().Str("component", "jobs").Logger()
	asynqLogger := zerologAdapter{logger: logger}

	scheduler := asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: asynqLogger, Location: time.UTC})
	if _, err := scheduler.Register(cfg.Schedule, NewReconcileSweepTask(cfg.Interval)); err != nil {
		return nil, fmt.Errorf("jobs: register sweep: %w", err)
	}
	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{sweepQueue: 1},
		Logger:      asynqLogger,
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeReconcileSweep, HandleReconcileSweep(sweeper, logger))
	return &Runner{server: server, scheduler: scheduler, mux: mux, logger: logger}, nil
}

// Start begins scheduling and processing in the background.
func (r *Runner) Start() error {
	if err := r.server.Start(r.mux); err != nil {
		return fmt.Errorf("jobs: start server: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("jobs: start scheduler: %w", err)
	}
	r.logger.Info().Msg("jobs_started")
	return nil
}

// Shutdown stops the scheduler first so no new sweep is enqueued mid-drain.
func (r *Runner) Shutdown() {
	r.scheduler.Shutdown()
	r.server.Shutdown()
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Debug(args ...any) { a.logger.Debug().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Info(args ...any)  { a.logger.Info().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Warn(args ...any)  { a.logger.Warn().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Error(args ...any) { a.logger.Error().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Fatal(args ...any) { a.logger.Fatal().Msg(fmt.Sprint(args...)) }
