package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/common"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
)

type stubStore struct {
	entries []Entry
}

func (s *stubStore) InsertAuditLog(_ context.Context, e Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) ListAuditLogs(_ context.Context, limit, offset int) ([]Entry, error) {
	if offset >= len(s.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.entries) {
		end = len(s.entries)
	}
	return s.entries[offset:end], nil
}

func TestServiceRecord(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true, SamplingRate: 1}

	req := httptest.NewRequest(http.MethodPost, "https://api.test/api/v1/reconcile?dry=1", nil)
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("X-Request-ID", "req-123")
	req.RemoteAddr = "10.0.0.2:54321"
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/reconcile"))

	err := svc.Record(req.Context(), Actor{Kind: ActorKindOperator, Subject: " ops@example.com "}, "", "", "", req, http.StatusOK, nil)
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	got := store.entries[0]
	require.Equal(t, ActorKindOperator, got.Actor.Kind)
	require.Equal(t, "ops@example.com", got.Actor.Subject)
	require.Equal(t, "POST /api/v1/reconcile", got.Action)
	require.Equal(t, "reconcile", got.ResourceType)
	require.Equal(t, "10.0.0.2", got.IP)
	require.Equal(t, "req-123", got.RequestID)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, "dry=1", meta["query"])
}

func TestServiceRecordDisabled(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: false}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, svc.Record(req.Context(), Actor{}, "", "", "", req, http.StatusOK, nil))
	require.Empty(t, store.entries)
}

func TestBuildResourceDropsPathParams(t *testing.T) {
	require.Equal(t, "payments", buildResource("", "/api/v1/payments/{provider}"))
	require.Equal(t, "payments.logs", buildResource("", "/api/v1/payments/{id}/logs"))
	require.Equal(t, "unknown", buildResource("", ""))
	require.Equal(t, "dlq", buildResource("dlq", "/api/v1/admin/queue/dlq/replay"))
}

func TestMiddlewareRecordsOperatorAndStatus(t *testing.T) {
	store := &stubStore{}
	recorder := HTTPRecorder{Service: &Service{Store: store, Enabled: true}}

	r := chi.NewRouter()
	r.With(recorder.Middleware(HTTPConfig{
		Action:          "payment.initiate",
		ResourceIDParam: "provider",
		MetadataFunc: func(_ *http.Request, status int) map[string]any {
			return map[string]any{"status": status}
		},
	})).Post("/api/v1/payments/{provider}", func(w http.ResponseWriter, r *http.Request) {
		common.JSONError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "down", nil)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/stripe", nil)
	req = req.WithContext(common.WithOperator(req.Context(), "ops@example.com"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Len(t, store.entries, 1)
	got := store.entries[0]
	require.Equal(t, "payment.initiate", got.Action)
	require.Equal(t, "stripe", got.ResourceID)
	require.Equal(t, http.StatusServiceUnavailable, got.Status)
	require.Equal(t, Actor{Kind: ActorKindOperator, Subject: "ops@example.com"}, got.Actor)
	require.JSONEq(t, `{"status":503}`, string(got.Metadata))
}

func TestHandlerList(t *testing.T) {
	store := &stubStore{entries: []Entry{{Action: "a"}, {Action: "b"}}}
	rec := httptest.NewRecorder()
	Handler{Store: store}.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=1&offset=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "b", body.Data[0].Action)
}
