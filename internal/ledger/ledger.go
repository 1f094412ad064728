package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/events"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// Emitter publishes transition events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Ledger records payment attempts and applies status outcomes.
type Ledger struct {
	Store  Store
	Events Emitter
	Logger zerolog.Logger
	Now    func() time.Time
}

// New constructs a Ledger.
func New(store Store, emitter Emitter, logger zerolog.Logger) *Ledger {
	return &Ledger{Store: store, Events: emitter, Logger: logger.With().Str("component", "ledger").Logger()}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// RecordAttempt stores a new attempt with the adapter's initial response and
// appends the initiate log. Terminal initial responses emit their event here.
func (l *Ledger) RecordAttempt(ctx context.Context, provider string, req payment.PaymentRequest, resp payment.PaymentResponse) (Record, error) {
	if l == nil || l.Store == nil {
		return Record{}, errors.New("ledger: store not configured")
	}
	txID := strings.TrimSpace(resp.TransactionID)
	if txID == "" {
		return Record{}, errors.New("ledger: transaction id is required")
	}
	status := resp.Status
	if !status.Valid() {
		status = payment.StatusPending
	}
	at := l.now()

	reqBody, err := json.Marshal(req)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: encode request: %w", err)
	}
	if err := l.Store.AppendLog(ctx, LogEntry{
		ID:            uuid.New(),
		TransactionID: txID,
		Provider:      provider,
		Interaction:   SourceInitiate,
		Request:       reqBody,
		Response:      Body(resp.RawData),
		Note:          resp.FailureReason,
		CreatedAt:     at,
	}); err != nil {
		return Record{}, fmt.Errorf("ledger: append initiate log: %w", err)
	}

	rec := Record{
		TransactionID:     txID,
		Provider:          provider,
		ProviderReference: resp.ProviderReference,
		OrderID:           req.OrderID,
		Amount:            req.Amount,
		Currency:          req.CurrencyCode(),
		Status:            status,
		CheckoutURL:       resp.CheckoutURL,
		CustomerName:      req.CustomerName,
		CustomerEmail:     req.CustomerEmail,
		CustomerPhone:     req.CustomerPhone,
		Metadata:          req.Metadata,
		FailureReason:     resp.FailureReason,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	if status.IsTerminal() {
		rec.CompletedAt = &at
	}
	stored, err := l.Store.Insert(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if status.IsTerminal() {
		obs.CountInc(obs.PaymentTransitionTotal, provider, string(status), string(SourceInitiate))
		l.emit(ctx, stored, SourceInitiate)
	} else {
		l.emitInitiated(ctx, stored)
	}
	return stored, nil
}

// ApplyOutcome appends the provider log and, for terminal statuses, moves the
// record out of PENDING in one conditional update. Repeated or conflicting
// terminal updates leave the record untouched.
func (l *Ledger) ApplyOutcome(ctx context.Context, u Update) (Outcome, error) {
	if l == nil || l.Store == nil {
		return Outcome{}, errors.New("ledger: store not configured")
	}
	txID := strings.TrimSpace(u.TransactionID)
	if txID == "" {
		return Outcome{}, errors.New("ledger: transaction id is required")
	}
	if !u.Status.Valid() {
		return Outcome{}, fmt.Errorf("ledger: invalid status %q", u.Status)
	}
	source := u.Source
	if source == "" {
		source = SourceWebhook
	}
	at := l.now()

	if err := l.Store.AppendLog(ctx, LogEntry{
		ID:             uuid.New(),
		TransactionID:  txID,
		Provider:       u.Provider,
		Interaction:    source,
		Request:        Body(u.Request),
		Response:       Body(u.RawData),
		SignatureValid: u.SignatureValid,
		Note:           u.FailureReason,
		CreatedAt:      at,
	}); err != nil {
		l.Logger.Error().Err(err).Str("transaction_id", txID).Str("source", string(source)).Msg("provider_log_append_failed")
	}

	if !u.Status.IsTerminal() {
		rec, err := l.Store.Get(ctx, txID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: ResultIgnored, Record: rec, Previous: rec.Status}, nil
	}

	rec, applied, err := l.Store.TransitionFromPending(ctx, txID, u.Status, u.FailureReason, at)
	if err != nil {
		return Outcome{}, err
	}
	if applied {
		obs.CountInc(obs.PaymentTransitionTotal, rec.Provider, string(rec.Status), string(source))
		l.Logger.Info().
			Str("transaction_id", txID).
			Str("provider", rec.Provider).
			Str("status", string(rec.Status)).
			Str("source", string(source)).
			Msg("payment_transitioned")
		l.emit(ctx, rec, source)
		return Outcome{Result: ResultApplied, Record: rec, Previous: payment.StatusPending}, nil
	}

	out := Outcome{Result: ResultDuplicate, Record: rec, Previous: rec.Status}
	evt := l.Logger.Info()
	if rec.Status != u.Status {
		out.Result = ResultConflict
		evt = l.Logger.Warn()
	}
	evt.Str("transaction_id", txID).
		Str("current", string(rec.Status)).
		Str("incoming", string(u.Status)).
		Str("source", string(source)).
		Msg("payment_outcome_" + string(out.Result))
	return out, nil
}

// Get returns a record by transaction id.
func (l *Ledger) Get(ctx context.Context, transactionID string) (Record, error) {
	return l.Store.Get(ctx, strings.TrimSpace(transactionID))
}

// FindByReference returns the record carrying the provider's reference.
func (l *Ledger) FindByReference(ctx context.Context, provider, reference string) (Record, error) {
	return l.Store.FindByReference(ctx, provider, strings.TrimSpace(reference))
}

// Find resolves an id that is either a transaction id or a provider reference.
func (l *Ledger) Find(ctx context.Context, provider, id string) (Record, error) {
	rec, err := l.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	return l.FindByReference(ctx, provider, id)
}

// Clock returns the ledger's current time.
func (l *Ledger) Clock() time.Time {
	return l.now()
}

// AttachReference stores the provider reference found for an attempt that
// was recorded without one.
func (l *Ledger) AttachReference(ctx context.Context, transactionID, reference string) (Record, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Record{}, errors.New("ledger: provider reference is required")
	}
	return l.Store.SetReference(ctx, strings.TrimSpace(transactionID), reference, l.now())
}

// MarkReconciled records that reconciliation looked at a record.
func (l *Ledger) MarkReconciled(ctx context.Context, transactionID string) error {
	return l.Store.MarkReconciled(ctx, strings.TrimSpace(transactionID), l.now())
}

// ListStalePending returns PENDING records created before now minus minAge,
// least recently reconciled first.
func (l *Ledger) ListStalePending(ctx context.Context, minAge time.Duration, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.Store.ListStalePending(ctx, l.now().Add(-minAge), limit)
}

// List returns a page of records and the total match count.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]Record, int, error) {
	return l.Store.List(ctx, filter.normalised())
}

// Logs returns the provider log for a transaction, oldest first.
func (l *Ledger) Logs(ctx context.Context, transactionID string) ([]LogEntry, error) {
	return l.Store.Logs(ctx, strings.TrimSpace(transactionID))
}

// AppendUncorrelated records an interaction that could not be tied to a
// transaction, such as a webhook that failed authentication.
func (l *Ledger) AppendUncorrelated(ctx context.Context, provider string, source Source, body []byte, signatureValid bool, note string) error {
	valid := signatureValid
	return l.Store.AppendLog(ctx, LogEntry{
		ID:             uuid.New(),
		Provider:       provider,
		Interaction:    source,
		Request:        Body(body),
		SignatureValid: &valid,
		Note:           note,
		CreatedAt:      l.now(),
	})
}

// TopicFor maps a terminal status to its transition topic.
func TopicFor(status payment.Status) (string, bool) {
	switch status {
	case payment.StatusSuccess:
		return events.TopicPaymentSucceeded, true
	case payment.StatusFailed:
		return events.TopicPaymentFailed, true
	case payment.StatusCancelled:
		return events.TopicPaymentCancelled, true
	}
	return "", false
}

// transitionPayload is the body of every payment lifecycle event.
type transitionPayload struct {
	TransactionID     string         `json:"transactionId"`
	Provider          string         `json:"provider"`
	ProviderReference string         `json:"providerReference,omitempty"`
	OrderID           string         `json:"orderId"`
	Status            payment.Status `json:"status"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	CustomerEmail     string         `json:"customerEmail"`
	FailureReason     string         `json:"failureReason,omitempty"`
	Source            Source         `json:"source"`
}

func payloadFor(rec Record, source Source) transitionPayload {
	return transitionPayload{
		TransactionID:     rec.TransactionID,
		Provider:          rec.Provider,
		ProviderReference: rec.ProviderReference,
		OrderID:           rec.OrderID,
		Status:            rec.Status,
		Amount:            rec.Amount.String(),
		Currency:          rec.Currency,
		CustomerEmail:     rec.CustomerEmail,
		FailureReason:     rec.FailureReason,
		Source:            source,
	}
}

// emit never fails the caller: the ledger row is already committed and the
// event store refuses a second transition for the same record.
func (l *Ledger) emit(ctx context.Context, rec Record, source Source) {
	if l.Events == nil {
		return
	}
	topic, ok := TopicFor(rec.Status)
	if !ok {
		return
	}
	if _, err := l.Events.Emit(ctx, topic, rec.TransactionID, payloadFor(rec, source)); err != nil {
		if errors.Is(err, events.ErrDuplicateEvent) {
			l.Logger.Info().Str("transaction_id", rec.TransactionID).Msg("transition_event_already_emitted")
			return
		}
		l.Logger.Error().Err(err).Str("transaction_id", rec.TransactionID).Str("topic", topic).Msg("transition_event_failed")
	}
}

func (l *Ledger) emitInitiated(ctx context.Context, rec Record) {
	if l.Events == nil {
		return
	}
	if _, err := l.Events.Emit(ctx, events.TopicPaymentInitiated, rec.TransactionID, payloadFor(rec, SourceInitiate)); err != nil {
		l.Logger.Warn().Err(err).Str("transaction_id", rec.TransactionID).Msg("initiated_event_failed")
	}
}
