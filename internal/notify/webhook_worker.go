package notify

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/payment-orchestrator/internal/queue"
)

// TaskLocker runs fn while holding key.
type TaskLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// DeliveryWorker is the queue handler for notify tasks on worker
// replicas. Tasks sharing an idempotency key run one at a time.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     TaskLocker
	LockTTL    time.Duration
}

// LockKey is the lock held while delivering the task with idempotency key k.
func LockKey(k string) string { return "lock:notify:" + k }

// Handle implements queue.Handler.
func (w DeliveryWorker) Handle(ctx context.Context, task queue.Task) error {
	if w.Dispatcher == nil {
		return errors.New("notify: dispatcher not configured")
	}
	if w.Locker == nil || task.IdempotencyKey == "" {
		return w.Dispatcher.Handle(ctx, task)
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return w.Locker.WithLock(ctx, LockKey(task.IdempotencyKey), ttl, func(ctx context.Context) error {
		return w.Dispatcher.Handle(ctx, task)
	})
}
