package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}, mr
}

func TestWithLockSerialisesHolders(t *testing.T) {
	locker, _ := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	held := make(chan struct{})
	release := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = locker.WithLock(ctx, "lock:reconcile:tx_1", time.Second, func(context.Context) error {
			record("first")
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	go func() {
		defer wg.Done()
		_ = locker.WithLock(ctx, "lock:reconcile:tx_1", time.Second, func(context.Context) error {
			record("second")
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, []string{"first", "second"}, order)
}

func TestTryWithLockSkipsWhenHeld(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	ran := false
	err := locker.TryWithLock(ctx, "reconcile:sweep", time.Minute, func(ctx context.Context) error {
		inner := locker.TryWithLock(ctx, "reconcile:sweep", time.Minute, func(context.Context) error {
			t.Error("nested holder must not run")
			return nil
		})
		require.ErrorIs(t, inner, lock.ErrNotAcquired)
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, mr.Exists("reconcile:sweep"))
}

func TestLeaseIsRenewedWhileHeld(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.TryWithLock(context.Background(), "reconcile:sweep", 90*time.Millisecond, func(ctx context.Context) error {
		mr.SetTTL("reconcile:sweep", time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL("reconcile:sweep") == 90*time.Millisecond
		}, time.Second, 5*time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
}

func TestLostLeaseCancelsHolder(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.TryWithLock(context.Background(), "reconcile:sweep", 60*time.Millisecond, func(ctx context.Context) error {
		mr.Set("reconcile:sweep", "someone-else")
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, lock.ErrLeaseLost)
	got, _ := mr.Get("reconcile:sweep")
	require.Equal(t, "someone-else", got, "release must not delete another holder's key")
}
