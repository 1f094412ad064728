// Package orchestrator routes payment operations to provider adapters and
// funnels every status observation through the ledger.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-orchestrator/internal/ledger"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// ErrOutcomeUnknown means the caller gave up before the provider answered.
// The attempt is recorded as PENDING and reconciliation resolves it.
var ErrOutcomeUnknown = errors.New("orchestrator: payment outcome unknown")

const tracerName = "payment.Orchestrator"

// AdapterSource resolves provider adapters by name.
type AdapterSource interface {
	Resolve(ctx context.Context, provider string) (payment.Adapter, error)
	Providers() []string
}

// Service coordinates adapters and the ledger.
type Service struct {
	Adapters    AdapterSource
	Ledger      *ledger.Ledger
	CallTimeout time.Duration
	// UnknownOutcomeTTL is how long a PENDING record without a provider
	// reference waits for the provider before it is cancelled.
	UnknownOutcomeTTL time.Duration
	Logger            zerolog.Logger
}

const (
	defaultUnknownOutcomeTTL = 24 * time.Hour
	// notFoundGrace guards against provider-side indexing lag when a lookup
	// by transaction id reports nothing.
	notFoundGrace = 10 * time.Minute
)

// NewService constructs a Service.
func NewService(adapters AdapterSource, l *ledger.Ledger, callTimeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		Adapters:          adapters,
		Ledger:            l,
		CallTimeout:       callTimeout,
		UnknownOutcomeTTL: defaultUnknownOutcomeTTL,
		Logger:            logger.With().Str("component", "orchestrator").Logger(),
	}
}

func (s *Service) unknownOutcomeTTL() time.Duration {
	if s.UnknownOutcomeTTL <= 0 {
		return defaultUnknownOutcomeTTL
	}
	return s.UnknownOutcomeTTL
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.CallTimeout)
}

// InitiateResult is returned to the caller after an initiate attempt.
type InitiateResult struct {
	TransactionID     string              `json:"transactionId"`
	ProviderReference string              `json:"providerReference,omitempty"`
	Provider          string              `json:"provider"`
	Status            payment.Status      `json:"status"`
	CheckoutURL       string              `json:"checkoutUrl,omitempty"`
	Failure           payment.FailureKind `json:"-"`
}

// Initiate validates the request, calls the provider and records the attempt.
// Provider declines come back as FAILED results, not errors. When the provider
// could not be reached or ctx ends before it answers, the attempt is recorded
// as PENDING and ErrOutcomeUnknown is returned with the result.
func (s *Service) Initiate(ctx context.Context, provider string, req payment.PaymentRequest) (InitiateResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Orchestrator.Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", provider), attribute.String("payment.order_id", req.OrderID))

	if err := req.Validate(); err != nil {
		obs.CountInc(obs.PaymentInitiateTotal, provider, "invalid")
		return InitiateResult{}, err
	}
	adapter, err := s.Adapters.Resolve(ctx, provider)
	if err != nil {
		span.RecordError(err)
		return InitiateResult{}, err
	}
	name := adapter.Name()

	callCtx, cancel := s.callContext(ctx)
	resp, err := adapter.InitiatePayment(callCtx, req)
	cancel()
	if err != nil {
		span.RecordError(err)
		var verr *payment.ValidationError
		if errors.As(err, &verr) {
			obs.CountInc(obs.PaymentInitiateTotal, name, "invalid")
		} else {
			obs.CountInc(obs.PaymentInitiateTotal, name, "error")
		}
		return InitiateResult{}, err
	}

	transport := resp.Failure == payment.FailureTransport
	unknown := ctx.Err() != nil || transport
	if unknown {
		// the provider may still have created the charge
		resp.Status = payment.StatusPending
		resp.Failure = payment.FailureNone
		resp.FailureReason = ""
		resp.CheckoutURL = ""
		if ctx.Err() != nil {
			ctx = context.WithoutCancel(ctx)
		}
	}
	if _, err := s.Ledger.RecordAttempt(ctx, name, req, resp); err != nil {
		span.RecordError(err)
		obs.CountInc(obs.PaymentInitiateTotal, name, "ledger_error")
		return InitiateResult{}, fmt.Errorf("record attempt: %w", err)
	}

	result := InitiateResult{
		TransactionID:     resp.TransactionID,
		ProviderReference: resp.ProviderReference,
		Provider:          name,
		Status:            resp.Status,
		CheckoutURL:       resp.CheckoutURL,
		Failure:           resp.Failure,
	}
	span.SetAttributes(attribute.String("payment.transaction_id", result.TransactionID), attribute.String("payment.status", string(result.Status)))

	switch {
	case unknown:
		obs.CountInc(obs.PaymentInitiateTotal, name, "unknown")
		s.Logger.Warn().Str("provider", name).Str("transaction_id", result.TransactionID).Bool("transport", transport).RawJSON("raw", safeRaw(resp.RawData)).Msg("initiate_outcome_unknown")
		return result, ErrOutcomeUnknown
	case resp.Status == payment.StatusFailed:
		obs.CountInc(obs.PaymentInitiateTotal, name, "declined")
		s.Logger.Info().Str("provider", name).Str("transaction_id", result.TransactionID).Str("reason", resp.FailureReason).Msg("initiate_declined")
	default:
		obs.CountInc(obs.PaymentInitiateTotal, name, strings.ToLower(string(resp.Status)))
	}
	return result, nil
}

// VerifyResult is the consolidated view returned by Verify.
type VerifyResult struct {
	TransactionID     string          `json:"transactionId,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Provider          string          `json:"provider"`
	Status            payment.Status  `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	CustomerEmail     string          `json:"customerEmail,omitempty"`
	OrderID           string          `json:"orderId,omitempty"`
	Recorded          bool            `json:"recorded"`
	Reachable         bool            `json:"providerReachable"`
}

// Verify looks up a payment by transaction id or provider reference and asks
// the provider for its current status. A terminal answer is applied to the
// ledger. When provider is given and nothing is recorded under id, the
// provider is queried directly and nothing is persisted.
func (s *Service) Verify(ctx context.Context, provider, id string) (VerifyResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Orchestrator.Verify")
	defer span.End()
	id = strings.TrimSpace(id)
	if id == "" {
		return VerifyResult{}, ledger.ErrNotFound
	}

	rec, err := s.Ledger.Find(ctx, provider, id)
	if errors.Is(err, ledger.ErrNotFound) && strings.TrimSpace(provider) != "" {
		return s.verifyDirect(ctx, provider, id)
	}
	if err != nil {
		return VerifyResult{}, err
	}
	out := fromRecord(rec)
	if rec.ProviderReference == "" {
		return out, nil
	}

	adapter, err := s.Adapters.Resolve(ctx, rec.Provider)
	if err != nil {
		span.RecordError(err)
		return VerifyResult{}, err
	}
	callCtx, cancel := s.callContext(ctx)
	resp, err := adapter.VerifyPayment(callCtx, rec.ProviderReference)
	cancel()
	if err != nil {
		span.RecordError(err)
		return VerifyResult{}, err
	}
	if !resp.Usable() {
		s.Logger.Warn().Str("provider", rec.Provider).Str("transaction_id", rec.TransactionID).Str("reason", resp.FailureReason).Msg("verify_provider_unreachable")
		return out, nil
	}
	out.Reachable = true

	outcome, err := s.Ledger.ApplyOutcome(ctx, ledger.Update{
		TransactionID: rec.TransactionID,
		Provider:      rec.Provider,
		Status:        resp.Status,
		FailureReason: resp.FailureReason,
		Source:        ledger.SourceVerify,
		RawData:       resp.RawData,
	})
	if err != nil {
		span.RecordError(err)
		return VerifyResult{}, err
	}
	out = fromRecord(outcome.Record)
	out.Reachable = true
	if !resp.Amount.IsZero() {
		out.Amount = resp.Amount
		out.Currency = resp.Currency
	}
	if resp.CustomerEmail != "" {
		out.CustomerEmail = resp.CustomerEmail
	}
	return out, nil
}

func (s *Service) verifyDirect(ctx context.Context, provider, reference string) (VerifyResult, error) {
	adapter, err := s.Adapters.Resolve(ctx, provider)
	if err != nil {
		return VerifyResult{}, err
	}
	callCtx, cancel := s.callContext(ctx)
	resp, err := adapter.VerifyPayment(callCtx, reference)
	cancel()
	if err != nil {
		return VerifyResult{}, err
	}
	status := resp.Status
	if !resp.Usable() {
		status = payment.StatusPending
	}
	return VerifyResult{
		TransactionID:     resp.TransactionID,
		ProviderReference: reference,
		Provider:          adapter.Name(),
		Status:            status,
		Amount:            resp.Amount,
		Currency:          resp.Currency,
		CustomerEmail:     resp.CustomerEmail,
		Reachable:         resp.Usable(),
	}, nil
}

func fromRecord(rec ledger.Record) VerifyResult {
	return VerifyResult{
		TransactionID:     rec.TransactionID,
		ProviderReference: rec.ProviderReference,
		Provider:          rec.Provider,
		Status:            rec.Status,
		Amount:            rec.Amount,
		Currency:          rec.Currency,
		CustomerEmail:     rec.CustomerEmail,
		OrderID:           rec.OrderID,
		Recorded:          true,
	}
}

// HandleWebhook authenticates and applies a provider notification. Rejected
// notifications are logged and never touch a ledger record.
func (s *Service) HandleWebhook(ctx context.Context, provider string, body []byte, headers http.Header) (ledger.Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Orchestrator.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", provider), attribute.Int("webhook.bytes", len(body)))

	adapter, err := s.Adapters.Resolve(ctx, provider)
	if err != nil {
		span.RecordError(err)
		return ledger.Outcome{}, err
	}
	name := adapter.Name()

	result, err := adapter.HandleWebhook(ctx, body, headers)
	if err != nil {
		span.RecordError(err)
		signed := !errors.Is(err, payment.ErrInvalidSignature)
		reason := "rejected"
		if !signed {
			reason = "invalid_signature"
		}
		obs.CountInc(obs.PaymentWebhookTotal, name, reason)
		s.Logger.Warn().Err(err).Str("provider", name).Str("reason", reason).Msg("webhook_rejected")
		if logErr := s.Ledger.AppendUncorrelated(ctx, name, ledger.SourceWebhook, body, signed, err.Error()); logErr != nil {
			s.Logger.Error().Err(logErr).Str("provider", name).Msg("provider_log_append_failed")
		}
		return ledger.Outcome{}, err
	}

	rec, err := s.correlate(ctx, name, result)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			obs.CountInc(obs.PaymentWebhookTotal, name, "unmatched")
			s.Logger.Warn().Str("provider", name).Str("transaction_id", result.TransactionID).Str("reference", result.ProviderReference).Msg("webhook_unmatched")
			if logErr := s.Ledger.AppendUncorrelated(ctx, name, ledger.SourceWebhook, body, true, "no matching transaction"); logErr != nil {
				s.Logger.Error().Err(logErr).Str("provider", name).Msg("provider_log_append_failed")
			}
		}
		return ledger.Outcome{}, err
	}

	valid := true
	outcome, err := s.Ledger.ApplyOutcome(ctx, ledger.Update{
		TransactionID:  rec.TransactionID,
		Provider:       name,
		Status:         result.Status,
		Source:         ledger.SourceWebhook,
		Request:        body,
		RawData:        result.RawData,
		SignatureValid: &valid,
		FailureReason:  webhookFailureReason(result),
	})
	if err != nil {
		span.RecordError(err)
		obs.CountInc(obs.PaymentWebhookTotal, name, "ledger_error")
		return ledger.Outcome{}, err
	}
	obs.CountInc(obs.PaymentWebhookTotal, name, string(outcome.Result))
	span.SetAttributes(attribute.String("payment.transaction_id", rec.TransactionID), attribute.String("ledger.result", string(outcome.Result)))
	return outcome, nil
}

func (s *Service) correlate(ctx context.Context, provider string, result payment.WebhookResult) (ledger.Record, error) {
	if id := strings.TrimSpace(result.TransactionID); id != "" {
		rec, err := s.Ledger.Get(ctx, id)
		if err == nil && rec.Provider == provider {
			return rec, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return ledger.Record{}, err
		}
	}
	return s.Ledger.FindByReference(ctx, provider, result.ProviderReference)
}

func webhookFailureReason(result payment.WebhookResult) string {
	if result.Status == payment.StatusFailed || result.Status == payment.StatusCancelled {
		return result.EventType
	}
	return ""
}

// ReconcileTransaction polls the provider for one PENDING record and applies a
// terminal answer. Records without a provider reference are looked up by
// transaction id where the provider supports it and cancelled once they have
// stayed unresolved past UnknownOutcomeTTL. Terminal records and records whose
// provider cannot be reached are left as they are.
func (s *Service) ReconcileTransaction(ctx context.Context, transactionID string) (ledger.Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Orchestrator.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("payment.transaction_id", transactionID))

	rec, err := s.Ledger.Get(ctx, transactionID)
	if err != nil {
		return ledger.Outcome{}, err
	}
	skipped := ledger.Outcome{Result: ledger.ResultIgnored, Record: rec, Previous: rec.Status}
	if rec.Status.IsTerminal() {
		return skipped, nil
	}
	adapter, err := s.Adapters.Resolve(ctx, rec.Provider)
	if err != nil {
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "adapter_error")
		return ledger.Outcome{}, err
	}
	if rec.ProviderReference == "" {
		return s.reconcileUnreferenced(ctx, adapter, rec)
	}
	callCtx, cancel := s.callContext(ctx)
	resp, err := adapter.VerifyPayment(callCtx, rec.ProviderReference)
	cancel()
	if err != nil {
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "error")
		return ledger.Outcome{}, err
	}
	if !resp.Usable() {
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "unreachable")
		s.Logger.Warn().Str("provider", rec.Provider).Str("transaction_id", rec.TransactionID).Str("reason", resp.FailureReason).Msg("reconcile_provider_unreachable")
		return skipped, nil
	}
	return s.applyReconciled(ctx, rec, resp.Status, resp.FailureReason, resp.RawData)
}

func (s *Service) reconcileUnreferenced(ctx context.Context, adapter payment.Adapter, rec ledger.Record) (ledger.Outcome, error) {
	skipped := ledger.Outcome{Result: ledger.ResultIgnored, Record: rec, Previous: rec.Status}
	age := s.Ledger.Clock().Sub(rec.CreatedAt)

	finder, ok := adapter.(payment.Finder)
	if !ok {
		return s.expireUnknown(ctx, rec, age, s.unknownOutcomeTTL())
	}
	callCtx, cancel := s.callContext(ctx)
	resp, err := finder.FindPayment(callCtx, rec.TransactionID)
	cancel()
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		return s.expireUnknown(ctx, rec, age, notFoundGrace)
	case err != nil:
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "error")
		return ledger.Outcome{}, err
	case !resp.Usable():
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "unreachable")
		s.Logger.Warn().Str("provider", rec.Provider).Str("transaction_id", rec.TransactionID).Str("reason", resp.FailureReason).Msg("reconcile_provider_unreachable")
		return skipped, nil
	}

	if resp.ProviderReference != "" {
		attached, err := s.Ledger.AttachReference(ctx, rec.TransactionID, resp.ProviderReference)
		if err != nil {
			obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "ledger_error")
			return ledger.Outcome{}, err
		}
		rec = attached
		s.Logger.Info().Str("provider", rec.Provider).Str("transaction_id", rec.TransactionID).Str("reference", rec.ProviderReference).Msg("reconcile_reference_attached")
	}
	return s.applyReconciled(ctx, rec, resp.Status, resp.FailureReason, resp.RawData)
}

// expireUnknown cancels a reference-less record once it is older than after.
// No checkout URL was ever handed out for such a record.
func (s *Service) expireUnknown(ctx context.Context, rec ledger.Record, age, after time.Duration) (ledger.Outcome, error) {
	if age < after {
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "no_reference")
		s.Logger.Info().Str("transaction_id", rec.TransactionID).Dur("age", age).Msg("reconcile_waiting_for_reference")
		return ledger.Outcome{Result: ledger.ResultIgnored, Record: rec, Previous: rec.Status}, nil
	}
	raw, _ := json.Marshal(map[string]any{"reason": "outcome_unknown_expired", "ageSeconds": int64(age.Seconds())})
	s.Logger.Warn().Str("provider", rec.Provider).Str("transaction_id", rec.TransactionID).Dur("age", age).Msg("reconcile_unknown_outcome_expired")
	return s.applyReconciled(ctx, rec, payment.StatusCancelled, "outcome_unknown_expired", raw)
}

func (s *Service) applyReconciled(ctx context.Context, rec ledger.Record, status payment.Status, reason string, raw json.RawMessage) (ledger.Outcome, error) {
	outcome, err := s.Ledger.ApplyOutcome(ctx, ledger.Update{
		TransactionID: rec.TransactionID,
		Provider:      rec.Provider,
		Status:        status,
		FailureReason: reason,
		Source:        ledger.SourceReconcile,
		RawData:       raw,
	})
	if err != nil {
		obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, "ledger_error")
		return ledger.Outcome{}, err
	}
	obs.CountInc(obs.PaymentReconcileTotal, rec.Provider, string(outcome.Result))
	return outcome, nil
}

// ProviderHealth reports whether a configured provider accepts its credentials.
type ProviderHealth struct {
	Name  string       `json:"name"`
	Kind  payment.Kind `json:"kind,omitempty"`
	OK    bool         `json:"ok"`
	Error string       `json:"error,omitempty"`
}

// Providers checks every registered provider's credentials.
func (s *Service) Providers(ctx context.Context) []ProviderHealth {
	names := s.Adapters.Providers()
	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		h := ProviderHealth{Name: name}
		adapter, err := s.Adapters.Resolve(ctx, name)
		if err != nil {
			h.Error = err.Error()
			out = append(out, h)
			continue
		}
		h.Kind = adapter.Kind()
		callCtx, cancel := s.callContext(ctx)
		err = adapter.ValidateCredentials(callCtx)
		cancel()
		if err != nil {
			h.Error = err.Error()
		} else {
			h.OK = true
		}
		out = append(out, h)
	}
	return out
}

func safeRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return []byte("null")
	}
	return raw
}
