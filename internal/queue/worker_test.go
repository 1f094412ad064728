package queue_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/queue"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// start runs w until the test ends and returns a channel that receives
// every task the handler sees.
func start(t *testing.T, w queue.Worker, handle func(context.Context, queue.Task) error) <-chan queue.Task {
	t.Helper()
	seen := make(chan queue.Task, 16)
	w.Handler = func(ctx context.Context, task queue.Task) error {
		seen <- task
		return handle(ctx, task)
	}
	if w.Logger == nil {
		log := zerolog.New(io.Discard)
		w.Logger = &log
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return seen
}

func next(t *testing.T, seen <-chan queue.Task) queue.Task {
	t.Helper()
	select {
	case task := <-seen:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("no task delivered")
		return queue.Task{}
	}
}

func succeed(context.Context, queue.Task) error { return nil }

func TestReconcileTaskIsDelivered(t *testing.T) {
	client, mr := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "po"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{
		Kind:           queue.KindReconcile,
		Payload:        []byte(`{"transactionId":"tx_1"}`),
		IdempotencyKey: "reconcile:tx_1",
	}))

	seen := start(t, queue.Worker{R: client, Prefix: "po", Kind: queue.KindReconcile, VisibilityTimeout: time.Second}, succeed)
	task := next(t, seen)
	require.Equal(t, `{"transactionId":"tx_1"}`, string(task.Payload))
	require.Equal(t, "reconcile:tx_1", task.IdempotencyKey)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, 10, task.MaxAttempts, "falls back to the default attempt budget")

	require.Eventually(t, func() bool {
		return !mr.Exists("po:dedup:reconcile:reconcile:tx_1")
	}, time.Second, 10*time.Millisecond, "ack clears the dedup key")
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "po", DedupTTL: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: queue.KindNotify, Payload: []byte("x"), IdempotencyKey: "ep:evt_1"}))
	}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: queue.KindNotify, Payload: []byte("y"), IdempotencyKey: "ep:evt_2"}))

	depth, err := client.ZCard(ctx, "po:queue:notify").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)

	require.Error(t, enq.Enqueue(ctx, queue.Task{Kind: "Notify!", Payload: []byte("z")}))
}

func TestFailedTaskIsRetriedWithBackoff(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: queue.KindNotify, Payload: []byte("p"), IdempotencyKey: "k", MaxAttempts: 3}))

	seen := start(t, queue.Worker{
		R: client, Prefix: "retry", Kind: queue.KindNotify,
		VisibilityTimeout: time.Second, RetryBase: 30 * time.Millisecond,
	}, func(_ context.Context, task queue.Task) error {
		if task.Attempt == 1 {
			return errors.New("endpoint responded 502")
		}
		return nil
	})

	first := next(t, seen)
	second := next(t, seen)
	require.Equal(t, 1, first.Attempt)
	require.Equal(t, 2, second.Attempt)
}

func TestDelayedTaskWaitsUntilDue(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "delay"}
	queued := time.Now()
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: queue.KindReconcile, Payload: []byte("p"), Delay: 150 * time.Millisecond}))

	seen := start(t, queue.Worker{R: client, Prefix: "delay", Kind: queue.KindReconcile, VisibilityTimeout: time.Second}, succeed)
	next(t, seen)
	require.GreaterOrEqual(t, time.Since(queued), 150*time.Millisecond)
}

func TestExpiredVisibilityRedeliversTask(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute, MaxAttempts: 3}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: queue.KindNotify, Payload: []byte("p"), IdempotencyKey: "a1"}))

	seen := start(t, queue.Worker{
		R: client, Prefix: "vis", Kind: queue.KindNotify,
		VisibilityTimeout: 150 * time.Millisecond,
		SoftDeadline:      80 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             newMemoryStore(),
	}, func(ctx context.Context, task queue.Task) error {
		if task.Attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.Equal(t, 1, next(t, seen).Attempt)
	require.Equal(t, 2, next(t, seen).Attempt)

	require.Eventually(t, func() bool {
		ready, _ := client.ZCard(context.Background(), "vis:queue:notify").Result()
		inflight, _ := client.ZCard(context.Background(), "vis:notify:processing").Result()
		return ready == 0 && inflight == 0
	}, time.Second, 10*time.Millisecond)
}
