package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind groups adapters by the payment rail they front.
type Kind string

const (
	KindCard        Kind = "card"
	KindMobileMoney Kind = "mobile_money"
	KindCrypto      Kind = "crypto"
)

// FailureKind separates provider declines from failures to reach the provider.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureDeclined  FailureKind = "declined"
	FailureTransport FailureKind = "transport"
)

// TransportErrorMarker is placed in RawData when the provider could not be reached.
const TransportErrorMarker = "transport_error"

var (
	ErrUnknownProvider    = errors.New("payment: unknown provider")
	ErrMissingCredentials = errors.New("payment: missing provider credentials")
	ErrInvalidSignature   = errors.New("payment: invalid webhook signature")
	ErrMalformedPayload   = errors.New("payment: malformed provider payload")
	// ErrPaymentNotFound means the provider holds no payment for a transaction id.
	ErrPaymentNotFound = errors.New("payment: provider has no payment for transaction")
)

// PaymentRequest is the provider-agnostic description of a payment to collect.
type PaymentRequest struct {
	Amount        decimal.Decimal   `json:"amount" validate:"gt=0"`
	Currency      string            `json:"currency" validate:"required,len=3,alpha"`
	OrderID       string            `json:"orderId" validate:"required,max=64"`
	CustomerName  string            `json:"customerName" validate:"omitempty,max=128"`
	CustomerEmail string            `json:"customerEmail,omitempty" validate:"omitempty,email"`
	CustomerPhone string            `json:"customerPhone,omitempty" validate:"omitempty,e164"`
	CallbackURL   string            `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	ReturnURL     string            `json:"returnUrl,omitempty" validate:"omitempty,url"`
	Metadata      map[string]string `json:"metadata,omitempty" validate:"omitempty,max=20"`
}

// CurrencyCode returns the upper-cased ISO-4217 code.
func (r PaymentRequest) CurrencyCode() string {
	return strings.ToUpper(strings.TrimSpace(r.Currency))
}

// PaymentResponse is the uniform result of initiate and verify calls.
type PaymentResponse struct {
	TransactionID     string          `json:"transactionId"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Status            Status          `json:"status"`
	CheckoutURL       string          `json:"checkoutUrl,omitempty"`
	RawData           json.RawMessage `json:"rawData,omitempty"`
	Failure           FailureKind     `json:"failure,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	Amount            decimal.Decimal `json:"amount,omitempty"`
	Currency          string          `json:"currency,omitempty"`
	CustomerEmail     string          `json:"customerEmail,omitempty"`
}

// Usable reports whether the response carries an authoritative provider status.
func (r PaymentResponse) Usable() bool {
	return r.Failure != FailureTransport
}

// WebhookResult is what an adapter extracts from an authenticated notification.
type WebhookResult struct {
	TransactionID     string          `json:"transactionId,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Status            Status          `json:"status"`
	EventType         string          `json:"eventType,omitempty"`
	RawData           json.RawMessage `json:"rawData,omitempty"`
}

// Adapter is implemented once per provider. Provider-native statuses never leave it.
type Adapter interface {
	Name() string
	Kind() Kind
	InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error)
	VerifyPayment(ctx context.Context, providerReference string) (PaymentResponse, error)
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error)
	ValidateCredentials(ctx context.Context) error
}

// Finder is implemented by adapters whose provider can look a payment up by
// the transaction id sent at initiate. Reconciliation uses it for attempts
// that never learned their provider reference. Unreachable providers yield a
// transport-class response; a definite miss yields ErrPaymentNotFound.
type Finder interface {
	FindPayment(ctx context.Context, transactionID string) (PaymentResponse, error)
}

// NewTransactionID derives a provider-facing identifier from a caller order id.
// Order ids repeat across attempts so a random suffix is always appended.
func NewTransactionID(orderID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return suffix
	}
	return orderID + "-" + suffix
}
