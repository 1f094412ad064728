package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type scriptedAllower struct {
	decisions []Decision
	err       error
	keys      []string
}

func (s *scriptedAllower) Allow(_ context.Context, key string, _ time.Duration, _ int) (Decision, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return Decision{}, s.err
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestMiddlewareSetsHeadersAndRejects(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	allower := &scriptedAllower{decisions: []Decision{
		{Allowed: true, Limit: 1, Remaining: 0, ResetAt: reset},
		{Allowed: false, Limit: 1, Remaining: 0, ResetAt: reset},
	}}
	h := Handler{Limiter: allower, Config: Config{Key: ByClientIP("initiate"), Window: time.Minute, Max: 1}}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/stripe", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	require.Empty(t, first.Header().Get("Retry-After"))

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "RATE_LIMITED")
	require.Equal(t, "30", second.Header().Get("Retry-After"))
	require.Equal(t, []string{"initiate:203.0.113.9", "initiate:203.0.113.9"}, allower.keys)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	var reported error
	h := Handler{
		Limiter: &scriptedAllower{err: errors.New("redis down")},
		Config:  Config{Key: ByClientIP("x"), Window: time.Second, Max: 1},
		OnError: func(err error) { reported = err },
	}.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualError(t, reported, "redis down")
}

func TestByRouteParamKeysPerProvider(t *testing.T) {
	allower := &scriptedAllower{decisions: []Decision{{Allowed: true, Limit: 5}, {Allowed: true, Limit: 5}}}
	r := chi.NewRouter()
	r.With(Handler{Limiter: allower, Config: Config{Key: ByRouteParam("webhook", "provider"), Window: time.Minute, Max: 5}}.Middleware).
		Post("/webhooks/{provider}", okHandler().ServeHTTP)

	for _, provider := range []string{"stripe", "xendit"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, nil)
		req.RemoteAddr = "198.51.100.7:1"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, []string{"webhook:stripe:198.51.100.7", "webhook:xendit:198.51.100.7"}, allower.keys)
}
