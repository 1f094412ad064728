package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/resilience"
)

func TestBreakerPublishesTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	resilience.MustRegisterMetrics(reg)
	resilience.MustRegisterMetrics(reg)

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	breaker := resilience.NewBreaker(1, 0.5, time.Second).WithTarget("provider:coinbase").WithClock(clock.Now)
	ctx := context.Background()
	state := func() float64 {
		return testutil.ToFloat64(resilience.BreakerState.WithLabelValues("provider:coinbase"))
	}
	transitions := func(from, to string) float64 {
		return testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("provider:coinbase", from, to))
	}
	opened := testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues("provider:coinbase"))
	toOpen, toHalf, toClosed := transitions("closed", "open"), transitions("open", "half_open"), transitions("half_open", "closed")

	require.Equal(t, 0.0, state())
	breaker.Report(ctx, false)
	require.Equal(t, 1.0, state())

	clock.Advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, 2.0, state())

	breaker.Report(ctx, true)
	require.Equal(t, 0.0, state())

	require.Equal(t, opened+1, testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues("provider:coinbase")))
	require.Equal(t, toOpen+1, transitions("closed", "open"))
	require.Equal(t, toHalf+1, transitions("open", "half_open"))
	require.Equal(t, toClosed+1, transitions("half_open", "closed"))
}
