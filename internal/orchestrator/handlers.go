package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/common"
	"github.com/noah-isme/payment-orchestrator/internal/ledger"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// maxWebhookBody caps inbound provider notifications.
const maxWebhookBody = 1 << 20

// Handler exposes the payment HTTP endpoints.
type Handler struct {
	Svc        *Service
	Reconciler *Reconciler
	Logger     zerolog.Logger
}

type initiateResp struct {
	InitiateResult
	Message string `json:"message,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Initiate starts a payment with the provider named in the path.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	var req payment.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	result, err := h.Svc.Initiate(r.Context(), provider, req)
	switch {
	case errors.Is(err, ErrOutcomeUnknown):
		common.JSON(w, http.StatusAccepted, initiateResp{
			InitiateResult: result,
			Outcome:        "unknown",
			Message:        "payment outcome pending confirmation",
		})
		return
	case err != nil:
		h.writeError(w, err)
		return
	}
	resp := initiateResp{InitiateResult: result}
	if result.Status == payment.StatusFailed {
		resp.Message = "payment could not be completed"
	}
	common.JSON(w, http.StatusOK, resp)
}

// Get verifies a payment by transaction id or provider reference.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	result, err := h.Svc.Verify(r.Context(), provider, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, result)
}

// Logs returns the provider log for a transaction.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := h.Svc.Ledger.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.Svc.Ledger.Logs(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.LogEntry{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

// List returns a page of ledger records.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	q := r.URL.Query()
	filter := ledger.Filter{
		Provider: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		OrderID:  strings.TrimSpace(q.Get("orderId")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := payment.ParseStatus(raw)
		if !ok {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status", map[string]any{"allowed": payment.Statuses})
			return
		}
		filter.Status = status
	}
	page := common.ParsePage(r, 50, 200)
	filter.Limit = page.Limit
	filter.Offset = page.Offset

	records, total, err := h.Svc.Ledger.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       records,
		"pagination": common.Pagination{Page: page.Page, Limit: page.Limit, TotalItems: total},
	})
}

// Reconcile runs a sweep on demand.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Reconciler == nil {
		common.JSONError(w, http.StatusInternalServerError, "RECONCILE_NOT_CONFIGURED", "reconciler unavailable", nil)
		return
	}
	operator, _ := common.Operator(r.Context())
	report, err := h.Reconciler.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Logger.Info().Str("operator", operator).Int("scanned", report.Scanned).Int("applied", report.Applied).Bool("skipped", report.Skipped).Msg("reconcile_requested")
	common.JSON(w, http.StatusOK, report)
}

// Providers reports configured providers and their credential health.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.Svc.Providers(r.Context())})
}

// Webhook receives provider notifications. Providers retry on any non-2xx,
// so 200 is returned only once the outcome is durable in the ledger.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	if len(body) > maxWebhookBody {
		common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large", nil)
		return
	}
	outcome, err := h.Svc.HandleWebhook(r.Context(), provider, body, r.Header)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"received":      true,
		"result":        outcome.Result,
		"status":        outcome.Record.Status,
		"transactionId": outcome.Record.TransactionID,
	})
}

// errorCodes maps service errors onto the canonical error body. Provider
// detail is never echoed to the caller.
var errorCodes = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{payment.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed"},
	{payment.ErrMalformedPayload, http.StatusBadRequest, "WEBHOOK_INVALID", "unrecognised payload"},
	{payment.ErrUnknownProvider, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider"},
	{ledger.ErrNotFound, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found"},
	{ledger.ErrDuplicate, http.StatusConflict, "PAYMENT_DUPLICATE", "transaction already recorded"},
	{payment.ErrMissingCredentials, http.StatusServiceUnavailable, "PROVIDER_NOT_CONFIGURED", "provider credentials unavailable"},
	{ledger.ErrStoreUnavailable, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", "request timed out"},
	{context.Canceled, http.StatusGatewayTimeout, "TIMEOUT", "request timed out"},
}

func asAppError(err error) *common.AppError {
	var verr *payment.ValidationError
	if errors.As(err, &verr) {
		appErr := common.NewAppError("INVALID_REQUEST", "invalid payment request", http.StatusBadRequest, err)
		appErr.Details = verr.Fields
		return appErr
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.target) {
			return common.NewAppError(m.code, m.message, m.status, err)
		}
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if appErr := asAppError(err); appErr != nil {
		err = appErr
	}
	if !common.WriteAppError(w, err) {
		h.Logger.Error().Err(err).Msg("payment_request_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
