// Package ledger is the durable record of payment attempts and the single
// place where a payment leaves PENDING.
package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

var (
	// ErrNotFound is returned when no ledger record matches.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrDuplicate is returned when a transaction id is recorded twice.
	ErrDuplicate = errors.New("ledger: transaction already recorded")
)

// Source names the interaction that produced a provider log entry or transition.
type Source string

const (
	SourceInitiate  Source = "initiate"
	SourceVerify    Source = "verify"
	SourceWebhook   Source = "webhook"
	SourceReconcile Source = "reconcile"
)

// Record is one payment attempt as stored in payment_transactions.
type Record struct {
	TransactionID     string            `json:"transactionId"`
	Provider          string            `json:"provider"`
	ProviderReference string            `json:"providerReference,omitempty"`
	OrderID           string            `json:"orderId"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Status            payment.Status    `json:"status"`
	CheckoutURL       string            `json:"checkoutUrl,omitempty"`
	CustomerName      string            `json:"customerName,omitempty"`
	CustomerEmail     string            `json:"customerEmail"`
	CustomerPhone     string            `json:"customerPhone,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	LastReconciledAt  *time.Time        `json:"lastReconciledAt,omitempty"`
}

// LogEntry is an append-only record of a single provider interaction.
type LogEntry struct {
	ID             uuid.UUID `json:"id"`
	TransactionID  string    `json:"transactionId,omitempty"`
	Provider       string    `json:"provider"`
	Interaction    Source    `json:"interaction"`
	Request        Body      `json:"request,omitempty"`
	Response       Body      `json:"response,omitempty"`
	SignatureValid *bool     `json:"signatureValid,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Body holds interaction bytes exactly as sent or received, so a stored
// webhook can be re-verified against its signature. It renders as embedded
// JSON when the bytes are JSON and as a string otherwise.
type Body []byte

// MarshalJSON implements json.Marshaler.
func (b Body) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(b) {
		return b, nil
	}
	return json.Marshal(string(b))
}

// Result classifies what ApplyOutcome did with an update.
type Result string

const (
	// ResultApplied means the record moved from PENDING to the update's status.
	ResultApplied Result = "applied"
	// ResultDuplicate means the record already held the update's status.
	ResultDuplicate Result = "duplicate"
	// ResultConflict means the record already held a different terminal status.
	ResultConflict Result = "conflict"
	// ResultIgnored means the update carried a non-terminal status.
	ResultIgnored Result = "ignored"
)

// Outcome reports the effect of ApplyOutcome.
type Outcome struct {
	Result   Result         `json:"result"`
	Record   Record         `json:"record"`
	Previous payment.Status `json:"previous"`
}

// Update is a status observation from a webhook, verify call or reconciliation.
type Update struct {
	TransactionID  string
	Provider       string
	Status         payment.Status
	FailureReason  string
	Source         Source
	Request        json.RawMessage
	RawData        json.RawMessage
	SignatureValid *bool
}

// Filter narrows List results.
type Filter struct {
	Status   payment.Status
	Provider string
	OrderID  string
	Limit    int
	Offset   int
}

func (f Filter) normalised() Filter {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
