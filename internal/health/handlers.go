// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/payment-orchestrator/internal/common"
)

var draining atomic.Bool

// SetReady flips readiness. The API clears it when draining on shutdown.
func SetReady(v bool) {
	draining.Store(!v)
}

// Checker pings the stores every request depends on.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// CheckFunc is an additional named readiness check.
type CheckFunc func(ctx context.Context) error

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checker      Checker
	Extra        map[string]CheckFunc
	DBTimeout    time.Duration
	RedisTimeout time.Duration
	// ExtraTimeout bounds each entry of Extra. Zero means one second.
	ExtraTimeout time.Duration
}

// Report is the readiness response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live always answers 200 while the process serves HTTP.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every check concurrently and answers 503 if any fails or the
// process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "unconfigured"})
		return
	}

	checks := map[string]CheckFunc{
		"db": func(ctx context.Context) error {
			return h.Checker.PingDB(ctx, orDefault(h.DBTimeout, 500*time.Millisecond))
		},
		"redis": func(ctx context.Context) error {
			return h.Checker.PingRedis(ctx, orDefault(h.RedisTimeout, 300*time.Millisecond))
		},
	}
	extraTimeout := orDefault(h.ExtraTimeout, time.Second)
	for name, fn := range h.Extra {
		checks[name] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, extraTimeout)
			defer cancel()
			return fn(ctx)
		}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Status: "ok", Checks: make(map[string]string, len(checks))}
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := check(r.Context()); err != nil {
				result = err.Error()
			}
			mu.Lock()
			report.Checks[name] = result
			if result != "ok" {
				report.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, report)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
