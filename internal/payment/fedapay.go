package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	fedapayName           = "fedapay"
	fedapaySandboxBaseURL = "https://sandbox-api.fedapay.com"
	fedapayLiveBaseURL    = "https://api.fedapay.com"
	fedapaySignatureHdr   = "X-FEDAPAY-SIGNATURE"
)

// FedaPay fronts West African mobile-money wallets. Amounts are whole units of
// the settlement currency (XOF has no minor unit).
type FedaPay struct {
	creds    Credentials
	client   Doer
	verifier Verifier
}

// NewFedaPay is the registry factory for the mobile-money adapter.
func NewFedaPay(creds Credentials, client Doer) (Adapter, error) {
	if strings.TrimSpace(creds.SecretKey) == "" {
		return nil, fmt.Errorf("%w: fedapay secret key", ErrMissingCredentials)
	}
	if creds.BaseURL == "" {
		creds.BaseURL = fedapaySandboxBaseURL
		if creds.Mode == ModeLive {
			creds.BaseURL = fedapayLiveBaseURL
		}
	}
	return &FedaPay{
		creds:  creds,
		client: client,
		verifier: Verifier{
			Header:       fedapaySignatureHdr,
			Secret:       creds.WebhookSecret,
			Scheme:       SchemeTimestamped,
			SignatureKey: "s",
			Tolerance:    5 * time.Minute,
		},
	}, nil
}

var fedapayStatuses = statusTable{
	"pending":     StatusPending,
	"approved":    StatusSuccess,
	"transferred": StatusSuccess,
	"refunded":    StatusSuccess,
	"declined":    StatusFailed,
	"canceled":    StatusCancelled,
	"cancelled":   StatusCancelled,
	"expired":     StatusCancelled,
}

type fedapayTransaction struct {
	ID                json.Number       `json:"id"`
	Reference         string            `json:"reference"`
	Status            string            `json:"status"`
	Amount            json.Number       `json:"amount"`
	MerchantReference string            `json:"merchant_reference"`
	LastErrorCode     string            `json:"last_error_code"`
	Metadata          map[string]string `json:"custom_metadata"`
	Customer          *struct {
		Email string `json:"email"`
	} `json:"customer"`
	Currency *struct {
		ISO string `json:"iso"`
	} `json:"currency"`
}

// verify and create responses wrap the entity under its resource name.
type fedapayEnvelope struct {
	Transaction fedapayTransaction `json:"v1/transaction"`
	Message     string             `json:"message"`
	Errors      map[string]any     `json:"errors"`
}

func (a *FedaPay) Name() string { return fedapayName }
func (a *FedaPay) Kind() Kind   { return KindMobileMoney }

func (a *FedaPay) header() http.Header {
	h := jsonHeader()
	h.Set("Authorization", "Bearer "+a.creds.SecretKey)
	return h
}

// InitiatePayment creates a transaction and then a payment token carrying the checkout URL.
// FedaPay attaches every transaction to a customer identified by email.
func (a *FedaPay) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	if err := requireField("customerEmail", req.CustomerEmail); err != nil {
		return PaymentResponse{}, err
	}
	txID := NewTransactionID(req.OrderID)
	currency := req.CurrencyCode()
	amount, err := MinorUnits(req.Amount, currency)
	if err != nil {
		return declined(txID, "", err.Error(), nil), nil
	}
	firstname, lastname := splitName(req.CustomerName)
	customer := map[string]any{"email": req.CustomerEmail}
	if firstname != "" {
		customer["firstname"] = firstname
	}
	if lastname != "" {
		customer["lastname"] = lastname
	}
	if req.CustomerPhone != "" {
		customer["phone_number"] = map[string]string{"number": req.CustomerPhone}
	}
	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["transaction_id"] = txID
	metadata["order_id"] = req.OrderID
	body, _ := json.Marshal(map[string]any{
		"description":        "Order " + req.OrderID,
		"amount":             amount,
		"currency":           map[string]string{"iso": currency},
		"callback_url":       firstNonEmpty(req.ReturnURL, req.CallbackURL),
		"merchant_reference": txID,
		"customer":           customer,
		"custom_metadata":    metadata,
	})
	reply, err := send(ctx, a.client, providerCall{
		provider:  fedapayName,
		operation: "initiate",
		method:    http.MethodPost,
		url:       joinURL(a.creds.BaseURL, "/v1/transactions"),
		body:      body,
		header:    a.header(),
	})
	if err != nil {
		return transportFailure(txID, "", err), nil
	}
	if !reply.ok() {
		var env fedapayEnvelope
		_ = json.Unmarshal(reply.body, &env)
		return declined(txID, "", env.Message, reply.body), nil
	}
	var created fedapayEnvelope
	if err := json.Unmarshal(reply.body, &created); err != nil || created.Transaction.ID.String() == "" {
		return transportFailure(txID, "", fmt.Errorf("%w: fedapay transaction", ErrMalformedPayload)), nil
	}
	reference := created.Transaction.ID.String()

	tokenReply, err := send(ctx, a.client, providerCall{
		provider:  fedapayName,
		operation: "initiate_token",
		method:    http.MethodPost,
		url:       joinURL(a.creds.BaseURL, "/v1/transactions/"+url.PathEscape(reference)+"/token"),
		header:    a.header(),
	})
	if err != nil {
		return transportFailure(txID, reference, err), nil
	}
	if !tokenReply.ok() {
		var env fedapayEnvelope
		_ = json.Unmarshal(tokenReply.body, &env)
		return declined(txID, reference, env.Message, tokenReply.body), nil
	}
	var token struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(tokenReply.body, &token); err != nil || token.URL == "" {
		return transportFailure(txID, reference, fmt.Errorf("%w: fedapay token", ErrMalformedPayload)), nil
	}
	raw, _ := json.Marshal(map[string]json.RawMessage{
		"transaction": rawJSON(reply.body),
		"token":       rawJSON(tokenReply.body),
	})
	status := fedapayStatuses.lookup(created.Transaction.Status)
	resp := PaymentResponse{
		TransactionID:     txID,
		ProviderReference: reference,
		Status:            status,
		RawData:           raw,
		Amount:            req.Amount,
		Currency:          currency,
		CustomerEmail:     req.CustomerEmail,
	}
	if status == StatusPending {
		resp.CheckoutURL = token.URL
	}
	return resp, nil
}

// VerifyPayment reads the transaction by its numeric FedaPay id.
func (a *FedaPay) VerifyPayment(ctx context.Context, reference string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  fedapayName,
		operation: "verify",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v1/transactions/"+url.PathEscape(reference)),
		header:    a.header(),
	})
	if err != nil {
		return transportFailure("", reference, err), nil
	}
	if !reply.ok() {
		return unreadable(reference, reply), nil
	}
	return a.fromReply(reply, reference), nil
}

// FindPayment reads the transaction by merchant_reference, which is the transaction id.
func (a *FedaPay) FindPayment(ctx context.Context, transactionID string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  fedapayName,
		operation: "find",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v1/transactions/merchant/"+url.PathEscape(transactionID)),
		header:    a.header(),
	})
	if err != nil {
		return transportFailure(transactionID, "", err), nil
	}
	if reply.status == http.StatusNotFound {
		return PaymentResponse{}, ErrPaymentNotFound
	}
	if !reply.ok() {
		return unreadable("", reply), nil
	}
	return a.fromReply(reply, ""), nil
}

func (a *FedaPay) fromReply(reply providerReply, reference string) PaymentResponse {
	var env fedapayEnvelope
	if err := json.Unmarshal(reply.body, &env); err != nil {
		return unreadable(reference, reply)
	}
	tx := env.Transaction
	resp := PaymentResponse{
		TransactionID:     firstNonEmpty(tx.MerchantReference, tx.Metadata["transaction_id"]),
		ProviderReference: firstNonEmpty(tx.ID.String(), reference),
		Status:            fedapayStatuses.lookup(tx.Status),
		RawData:           rawJSON(reply.body),
	}
	if tx.Currency != nil {
		resp.Currency = strings.ToUpper(tx.Currency.ISO)
	}
	if n, err := strconv.ParseInt(tx.Amount.String(), 10, 64); err == nil && resp.Currency != "" {
		resp.Amount = FromMinorUnits(n, resp.Currency)
	}
	if tx.Customer != nil {
		resp.CustomerEmail = tx.Customer.Email
	}
	if resp.Status == StatusFailed {
		resp.Failure = FailureDeclined
		resp.FailureReason = firstNonEmpty(tx.LastErrorCode, "declined")
	}
	return resp
}

// HandleWebhook authenticates the event and reads the transaction from "entity".
func (a *FedaPay) HandleWebhook(_ context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if err := a.verifier.Verify(headers, payload); err != nil {
		return WebhookResult{}, err
	}
	var event struct {
		Name   string             `json:"name"`
		Entity fedapayTransaction `json:"entity"`
	}
	if err := json.Unmarshal(payload, &event); err != nil || event.Name == "" {
		return WebhookResult{}, fmt.Errorf("%w: fedapay event", ErrMalformedPayload)
	}
	status := fedapayStatuses.lookup(event.Entity.Status)
	if event.Entity.Status == "" {
		// event names look like "transaction.approved"
		status = fedapayStatuses.lookup(strings.TrimPrefix(event.Name, "transaction."))
	}
	return WebhookResult{
		TransactionID:     firstNonEmpty(event.Entity.MerchantReference, event.Entity.Metadata["transaction_id"]),
		ProviderReference: event.Entity.ID.String(),
		Status:            status,
		EventType:         event.Name,
		RawData:           rawJSON(payload),
	}, nil
}

// ValidateCredentials lists a single transaction.
func (a *FedaPay) ValidateCredentials(ctx context.Context) error {
	reply, err := send(ctx, a.client, providerCall{
		provider:  fedapayName,
		operation: "validate",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v1/transactions?per_page=1"),
		header:    a.header(),
	})
	if err != nil {
		return fmt.Errorf("fedapay: validate credentials: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("fedapay: credentials rejected with status %d", reply.status)
	}
	return nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
