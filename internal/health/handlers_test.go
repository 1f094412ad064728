package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/health"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

func ready(t *testing.T, h health.Handler) (int, health.Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return rec.Code, report
}

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler{}.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReady(t *testing.T) {
	providersDown := map[string]health.CheckFunc{
		"providers": func(context.Context) error { return errors.New("no payment provider has usable credentials") },
	}
	cases := []struct {
		name   string
		h      health.Handler
		code   int
		status string
		checks map[string]string
	}{
		{
			name:   "all healthy",
			h:      health.Handler{Checker: stubChecker{}},
			code:   http.StatusOK,
			status: "ok",
			checks: map[string]string{"db": "ok", "redis": "ok"},
		},
		{
			name:   "database down",
			h:      health.Handler{Checker: stubChecker{dbErr: errors.New("db down")}},
			code:   http.StatusServiceUnavailable,
			status: "degraded",
			checks: map[string]string{"db": "db down", "redis": "ok"},
		},
		{
			name:   "failing extra check",
			h:      health.Handler{Checker: stubChecker{}, Extra: providersDown},
			code:   http.StatusServiceUnavailable,
			status: "degraded",
			checks: map[string]string{"db": "ok", "redis": "ok", "providers": "no payment provider has usable credentials"},
		},
		{
			name:   "no checker",
			h:      health.Handler{},
			code:   http.StatusServiceUnavailable,
			status: "unconfigured",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, report := ready(t, tc.h)
			require.Equal(t, tc.code, code)
			require.Equal(t, tc.status, report.Status)
			if tc.checks != nil {
				require.Equal(t, tc.checks, report.Checks)
			}
		})
	}
}

func TestReadyBoundsSlowExtraCheck(t *testing.T) {
	h := health.Handler{
		Checker:      stubChecker{},
		ExtraTimeout: 20 * time.Millisecond,
		Extra: map[string]health.CheckFunc{
			"providers": func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, context.DeadlineExceeded.Error(), report.Checks["providers"])
}

func TestReadyWhileDraining(t *testing.T) {
	t.Cleanup(func() { health.SetReady(true) })
	h := health.Handler{Checker: stubChecker{}}

	code, _ := ready(t, h)
	require.Equal(t, http.StatusOK, code)

	health.SetReady(false)
	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", report.Status)
}
