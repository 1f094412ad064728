package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-orchestrator/internal/ledger"
	"github.com/noah-isme/payment-orchestrator/internal/lock"
	"github.com/noah-isme/payment-orchestrator/internal/queue"
)

// SweepLockKey guards against two sweeps running at once.
const SweepLockKey = "reconcile:sweep"

// Locker runs fn only while holding key.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// TaskScheduler hands one transaction to an asynchronous reconciler.
type TaskScheduler interface {
	ScheduleReconcile(ctx context.Context, transactionID string) error
}

// Reconciler sweeps PENDING records older than MinAge.
type Reconciler struct {
	Service   *Service
	MinAge    time.Duration
	BatchSize int
	Scheduler TaskScheduler
	Lock      Locker
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned   int  `json:"scanned"`
	Applied   int  `json:"applied"`
	Unchanged int  `json:"unchanged"`
	Scheduled int  `json:"scheduled"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Sweep reconciles stale PENDING records, inline or through the scheduler.
// When another sweep holds the lock the call returns a skipped report.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	if r == nil || r.Service == nil {
		return SweepReport{}, errors.New("reconcile: service not configured")
	}
	if r.Lock == nil {
		return r.sweep(ctx)
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	var report SweepReport
	err := r.Lock.TryWithLock(ctx, SweepLockKey, ttl, func(ctx context.Context) error {
		var err error
		report, err = r.sweep(ctx)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		r.Logger.Info().Msg("reconcile_sweep_skipped")
		return SweepReport{Skipped: true}, nil
	}
	return report, err
}

func (r *Reconciler) sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Reconciler.Sweep")
	defer span.End()

	minAge := r.MinAge
	if minAge <= 0 {
		minAge = 15 * time.Minute
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	stale, err := r.Service.Ledger.ListStalePending(ctx, minAge, batch)
	if err != nil {
		span.RecordError(err)
		return SweepReport{}, fmt.Errorf("list stale pending: %w", err)
	}
	report := SweepReport{Scanned: len(stale)}
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		// moves the record behind the rest of the backlog for the next sweep
		if err := r.Service.Ledger.MarkReconciled(ctx, rec.TransactionID); err != nil {
			r.Logger.Error().Err(err).Str("transaction_id", rec.TransactionID).Msg("reconcile_mark_failed")
		}
		if r.Scheduler != nil {
			if err := r.Scheduler.ScheduleReconcile(ctx, rec.TransactionID); err != nil {
				report.Errors++
				r.Logger.Error().Err(err).Str("transaction_id", rec.TransactionID).Msg("reconcile_schedule_failed")
				continue
			}
			report.Scheduled++
			continue
		}
		out, err := r.Service.ReconcileTransaction(ctx, rec.TransactionID)
		if err != nil {
			report.Errors++
			r.Logger.Error().Err(err).Str("transaction_id", rec.TransactionID).Msg("reconcile_failed")
			continue
		}
		if out.Result == ledger.ResultApplied {
			report.Applied++
		} else {
			report.Unchanged++
		}
	}
	span.SetAttributes(
		attribute.Int("reconcile.scanned", report.Scanned),
		attribute.Int("reconcile.applied", report.Applied),
		attribute.Int("reconcile.scheduled", report.Scheduled),
	)
	r.Logger.Info().
		Int("scanned", report.Scanned).
		Int("applied", report.Applied).
		Int("unchanged", report.Unchanged).
		Int("scheduled", report.Scheduled).
		Int("errors", report.Errors).
		Msg("reconcile_sweep_completed")
	return report, nil
}

// Enqueuer is the queue publishing contract.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// QueueScheduler schedules reconcile tasks on the Redis queue. The
// transaction id is the idempotency key so a record is queued once at a time.
type QueueScheduler struct {
	Queue       Enqueuer
	MaxAttempts int
}

type reconcileTask struct {
	TransactionID string `json:"transactionId"`
}

// ScheduleReconcile implements TaskScheduler.
func (q QueueScheduler) ScheduleReconcile(ctx context.Context, transactionID string) error {
	if q.Queue == nil {
		return errors.New("reconcile: queue not configured")
	}
	payload, err := json.Marshal(reconcileTask{TransactionID: transactionID})
	if err != nil {
		return err
	}
	return q.Queue.Enqueue(ctx, queue.Task{
		Kind:           queue.KindReconcile,
		Payload:        payload,
		IdempotencyKey: transactionID,
		MaxAttempts:    q.MaxAttempts,
	})
}

// ReconcileTaskHandler returns the queue handler for reconcile tasks.
func ReconcileTaskHandler(svc *Service) func(context.Context, queue.Task) error {
	return func(ctx context.Context, task queue.Task) error {
		var t reconcileTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return fmt.Errorf("decode reconcile task: %w", err)
		}
		id := strings.TrimSpace(t.TransactionID)
		if id == "" {
			return errors.New("reconcile task without transaction id")
		}
		_, err := svc.ReconcileTransaction(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}
}
