package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	stripeName           = "stripe"
	stripeDefaultBaseURL = "https://api.stripe.com"
	stripeSignatureHdr   = "Stripe-Signature"
)

// Stripe fronts card payments through hosted Checkout Sessions.
// Amounts are sent in minor units.
type Stripe struct {
	creds    Credentials
	client   Doer
	verifier Verifier
}

// NewStripe is the registry factory for the card adapter.
func NewStripe(creds Credentials, client Doer) (Adapter, error) {
	if strings.TrimSpace(creds.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key", ErrMissingCredentials)
	}
	if creds.BaseURL == "" {
		creds.BaseURL = stripeDefaultBaseURL
	}
	return &Stripe{
		creds:  creds,
		client: client,
		verifier: Verifier{
			Header:       stripeSignatureHdr,
			Secret:       creds.WebhookSecret,
			Scheme:       SchemeTimestamped,
			SignatureKey: "v1",
			Tolerance:    5 * time.Minute,
		},
	}, nil
}

// checkout session status x payment_status, flattened as "<status>:<payment_status>"
// plus the event types that settle a session asynchronously.
var stripeStatuses = statusTable{
	"open:unpaid":                  StatusPending,
	"open:paid":                    StatusPending,
	"complete:paid":                StatusSuccess,
	"complete:no_payment_required": StatusSuccess,
	"complete:unpaid":              StatusPending,
	"expired:unpaid":               StatusCancelled,
	"expired:paid":                 StatusSuccess,
	"checkout.session.async_payment_succeeded": StatusSuccess,
	"checkout.session.async_payment_failed":    StatusFailed,
	"checkout.session.expired":                 StatusCancelled,
	"payment_intent.payment_failed":            StatusFailed,
	"payment_intent.canceled":                  StatusCancelled,
	"payment_intent.succeeded":                 StatusSuccess,
}

type stripeSession struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *stripeCustomer   `json:"customer_details"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeCustomer struct {
	Email string `json:"email"`
}

func (s stripeSession) status() Status {
	return stripeStatuses.lookup(s.Status + ":" + s.PaymentStatus)
}

type stripeError struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (a *Stripe) Name() string { return stripeName }
func (a *Stripe) Kind() Kind   { return KindCard }

func (a *Stripe) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.creds.SecretKey)
	return h
}

// InitiatePayment opens a checkout session and returns its hosted URL.
func (a *Stripe) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	txID := NewTransactionID(req.OrderID)
	currency := req.CurrencyCode()
	minor, err := MinorUnits(req.Amount, currency)
	if err != nil {
		return declined(txID, "", err.Error(), nil), nil
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", txID)
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minor, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order "+req.OrderID)
	if req.ReturnURL != "" {
		form.Set("success_url", req.ReturnURL)
		form.Set("cancel_url", req.ReturnURL)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}
	form.Set("metadata[transaction_id]", txID)
	form.Set("metadata[order_id]", req.OrderID)
	// payment_intent.* events carry the intent, not the session
	form.Set("payment_intent_data[metadata][transaction_id]", txID)
	form.Set("payment_intent_data[metadata][order_id]", req.OrderID)

	header := a.authHeader()
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Idempotency-Key", txID)
	reply, err := send(ctx, a.client, providerCall{
		provider:  stripeName,
		operation: "initiate",
		method:    http.MethodPost,
		url:       joinURL(a.creds.BaseURL, "/v1/checkout/sessions"),
		body:      []byte(form.Encode()),
		header:    header,
	})
	if err != nil {
		return transportFailure(txID, "", err), nil
	}
	if !reply.ok() {
		var e stripeError
		_ = json.Unmarshal(reply.body, &e)
		reason := e.Error.Message
		if e.Error.DeclineCode != "" {
			reason = e.Error.DeclineCode + ": " + reason
		}
		return declined(txID, "", reason, reply.body), nil
	}
	var session stripeSession
	if err := json.Unmarshal(reply.body, &session); err != nil || session.ID == "" {
		return transportFailure(txID, "", fmt.Errorf("%w: checkout session", ErrMalformedPayload)), nil
	}
	resp := PaymentResponse{
		TransactionID:     txID,
		ProviderReference: session.ID,
		Status:            session.status(),
		RawData:           rawJSON(reply.body),
		Amount:            req.Amount,
		Currency:          currency,
		CustomerEmail:     req.CustomerEmail,
	}
	if resp.Status == StatusPending {
		resp.CheckoutURL = session.URL
	}
	return resp, nil
}

// VerifyPayment retrieves a checkout session by id.
func (a *Stripe) VerifyPayment(ctx context.Context, reference string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  stripeName,
		operation: "verify",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v1/checkout/sessions/"+url.PathEscape(reference)),
		header:    a.authHeader(),
	})
	if err != nil {
		return transportFailure("", reference, err), nil
	}
	if !reply.ok() {
		return unreadable(reference, reply), nil
	}
	var session stripeSession
	if err := json.Unmarshal(reply.body, &session); err != nil {
		return unreadable(reference, reply), nil
	}
	return a.fromSession(session, reply.body), nil
}

func (a *Stripe) fromSession(session stripeSession, raw []byte) PaymentResponse {
	currency := strings.ToUpper(session.Currency)
	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	txID := session.ClientReferenceID
	if txID == "" {
		txID = session.Metadata["transaction_id"]
	}
	resp := PaymentResponse{
		TransactionID:     txID,
		ProviderReference: session.ID,
		Status:            session.status(),
		RawData:           rawJSON(raw),
		Amount:            decimal.Zero,
		Currency:          currency,
		CustomerEmail:     email,
	}
	if currency != "" {
		resp.Amount = FromMinorUnits(session.AmountTotal, currency)
	}
	if resp.Status == StatusPending {
		resp.CheckoutURL = session.URL
	}
	return resp
}

// HandleWebhook authenticates a Stripe event and reads the nested data.object,
// a checkout session or a payment intent created by one.
func (a *Stripe) HandleWebhook(_ context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if err := a.verifier.Verify(headers, payload); err != nil {
		return WebhookResult{}, err
	}
	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object stripeSession `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil || event.Type == "" {
		return WebhookResult{}, fmt.Errorf("%w: stripe event", ErrMalformedPayload)
	}
	session := event.Data.Object
	status := session.status()
	if _, ok := stripeStatuses[event.Type]; ok {
		status = stripeStatuses.lookup(event.Type)
	}
	txID := session.ClientReferenceID
	if txID == "" {
		txID = session.Metadata["transaction_id"]
	}
	reference := session.ID
	if session.Object == "payment_intent" {
		// ledger references are session ids
		reference = ""
	}
	return WebhookResult{
		TransactionID:     txID,
		ProviderReference: reference,
		Status:            status,
		EventType:         event.Type,
		RawData:           rawJSON(payload),
	}, nil
}

// ValidateCredentials reads the account balance, which any valid secret key may do.
func (a *Stripe) ValidateCredentials(ctx context.Context) error {
	reply, err := send(ctx, a.client, providerCall{
		provider:  stripeName,
		operation: "validate",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v1/balance"),
		header:    a.authHeader(),
	})
	if err != nil {
		return fmt.Errorf("stripe: validate credentials: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("stripe: credentials rejected with status %d", reply.status)
	}
	return nil
}
