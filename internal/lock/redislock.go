// Package lock provides Redis leases that keep one worker on a job at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
	ErrNotAcquired = errors.New("lock: already held")
	// ErrLeaseLost is the cancellation cause seen by fn when the lease
	// expired or was taken over before fn returned.
	ErrLeaseLost = errors.New("lock: lease lost")
)

const defaultTTL = 30 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out leases on Redis keys. While fn runs the lease is
// renewed every third of its TTL, so a slow sweep keeps its key; if a
// renewal finds the key gone or owned by someone else, fn's context is
// cancelled with ErrLeaseLost.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock waits for key, runs fn, and releases the lease.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		token, err := l.acquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if token != "" {
			return l.hold(ctx, key, token, ttl, fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// TryWithLock runs fn only if key is free now. It returns ErrNotAcquired
// instead of waiting.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	token, err := l.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNotAcquired
	}
	return l.hold(ctx, key, token, ttl, fn)
}

func (l Locker) check(fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	return nil
}

func (l Locker) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, leaseTTL(ttl)).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l Locker) hold(ctx context.Context, key, token string, ttl time.Duration, fn func(context.Context) error) error {
	ttl = leaseTTL(ttl)
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n, err := extendScript.Run(runCtx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
				if err == nil && n == 0 {
					cancel(ErrLeaseLost)
					return
				}
			}
		}
	}()

	err := fn(runCtx)
	close(done)
	<-renewed
	cancel(nil)
	_ = releaseScript.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err()
	return err
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
