package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

func newRouter(h *harness) http.Handler {
	handler := &orchestrator.Handler{
		Svc:        h.svc,
		Reconciler: &orchestrator.Reconciler{Service: h.svc, Logger: zerolog.Nop()},
		Logger:     zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Post("/payments/{provider}", handler.Initiate)
	r.Get("/payments", handler.List)
	r.Get("/payments/{id}", handler.Get)
	r.Get("/payments/{id}/logs", handler.Logs)
	r.Post("/payments/reconcile", handler.Reconcile)
	r.Get("/providers", handler.Providers)
	r.Post("/webhooks/{provider}", handler.Webhook)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error body, got %s", rec.Body.String())
	return errBody["code"].(string)
}

const happyBody = `{"amount":5000,"currency":"XOF","orderId":"ORD-1","customerEmail":"a@b.com"}`

func TestHTTPHappyPathAndDuplicateWebhook(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)

	rec := do(t, router, http.MethodPost, "/payments/fedapay", []byte(happyBody), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "PENDING", body["status"])
	require.Equal(t, "https://checkout.fedapay.test/tok-101", body["checkoutUrl"])
	txID := body["transactionId"].(string)

	hook := fedapayEvent("transaction.approved", "approved", "101", txID)
	for i, want := range []string{"applied", "duplicate"} {
		rec = do(t, router, http.MethodPost, "/webhooks/fedapay", hook, signedHeaders(webhookSecret, hook))
		require.Equal(t, http.StatusOK, rec.Code, "delivery %d", i)
		out := decode(t, rec)
		require.Equal(t, want, out["result"])
		require.Equal(t, "SUCCESS", out["status"])
	}

	rec = do(t, router, http.MethodGet, "/payments/"+txID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SUCCESS", decode(t, rec)["status"])

	rec = do(t, router, http.MethodGet, "/payments/"+txID+"/logs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 4) // initiate, two webhooks, verify
	require.Len(t, h.events.Transitions(txID), 1)
}

func TestHTTPWebhookBadSignatureIsRejected(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)
	res := h.initiate(t)

	hook := fedapayEvent("transaction.approved", "approved", "101", res.TransactionID)
	rec := do(t, router, http.MethodPost, "/webhooks/fedapay", hook, signedHeaders("wrong", hook))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	stored, err := h.ledger.Get(t.Context(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, stored.Status)
}

func TestHTTPWebhookMalformedAndUnknown(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)

	junk := []byte(`{"entity":{}}`)
	rec := do(t, router, http.MethodPost, "/webhooks/fedapay", junk, signedHeaders(webhookSecret, junk))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "WEBHOOK_INVALID", errorCode(t, rec))

	rec = do(t, router, http.MethodPost, "/webhooks/paypal", junk, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "PROVIDER_NOT_SUPPORTED", errorCode(t, rec))

	orphan := fedapayEvent("transaction.approved", "approved", "404", "ORD-404-x")
	rec = do(t, router, http.MethodPost, "/webhooks/fedapay", orphan, signedHeaders(webhookSecret, orphan))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "PAYMENT_NOT_FOUND", errorCode(t, rec))
}

func TestHTTPInitiateErrors(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)

	rec := do(t, router, http.MethodPost, "/payments/fedapay", []byte(`{"amount":-1,"currency":"XOF","orderId":"ORD-1","customerEmail":"nope"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	rec = do(t, router, http.MethodPost, "/payments/fedapay", []byte(`{`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/payments/paypal", []byte(happyBody), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/payments/stripe", []byte(happyBody), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "PROVIDER_NOT_CONFIGURED", errorCode(t, rec))
}

func TestHTTPDeclinedInitiate(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)
	h.provider.declineWith("Insufficient balance on wallet")

	rec := do(t, router, http.MethodPost, "/payments/fedapay", []byte(happyBody), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "FAILED", body["status"])
	require.Equal(t, "payment could not be completed", body["message"])
	require.NotContains(t, rec.Body.String(), "Insufficient balance")
}

func TestHTTPInitiateUnknownOutcome(t *testing.T) {
	h := newHarness(t)
	h.svc.CallTimeout = 5 * time.Second
	h.provider.delayCreate(time.Second)
	router := newRouter(h)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/payments/fedapay", bytes.NewReader([]byte(happyBody))).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "unknown", body["outcome"])
	require.Equal(t, "PENDING", body["status"])
}

func TestHTTPListAndReconcile(t *testing.T) {
	h := newHarness(t)
	router := newRouter(h)
	h.initiate(t)
	h.initiate(t)

	rec := do(t, router, http.MethodGet, "/payments?status=PENDING&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["data"], 1)
	pagination := body["pagination"].(map[string]any)
	require.EqualValues(t, 2, pagination["totalItems"])

	rec = do(t, router, http.MethodGet, "/payments?status=PAID", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/payments/reconcile", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 0, decode(t, rec)["scanned"])

	rec = do(t, router, http.MethodGet, "/payments/missing/logs", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/providers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 4)
}
