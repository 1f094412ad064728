package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	xenditName           = "xendit"
	xenditDefaultBaseURL = "https://api.xendit.co"
	xenditSignatureHdr   = "x-callback-signature"
)

// Xendit implements the Adapter interface on top of hosted invoices, which
// front e-wallets and virtual accounts. Amounts are major units.
type Xendit struct {
	creds    Credentials
	client   Doer
	verifier Verifier
}

// NewXendit is the registry factory for the invoice adapter.
func NewXendit(creds Credentials, client Doer) (Adapter, error) {
	if strings.TrimSpace(creds.SecretKey) == "" {
		return nil, fmt.Errorf("%w: xendit secret key", ErrMissingCredentials)
	}
	if creds.BaseURL == "" {
		creds.BaseURL = xenditDefaultBaseURL
	}
	return &Xendit{
		creds:  creds,
		client: client,
		verifier: Verifier{
			Header: xenditSignatureHdr,
			Secret: creds.WebhookSecret,
			Scheme: SchemeHex,
		},
	}, nil
}

var xenditStatuses = statusTable{
	"pending":                           StatusPending,
	"invoice.paid_pending_verification": StatusPending,
	"paid":                              StatusSuccess,
	"settled":                           StatusSuccess,
	"expired":                           StatusCancelled,
	"failed":                            StatusFailed,
}

type xenditInvoice struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	Status      string          `json:"status"`
	InvoiceURL  string          `json:"invoice_url"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PayerEmail  string          `json:"payer_email"`
	FailureCode string          `json:"failure_code"`
}

func (a *Xendit) Name() string { return xenditName }
func (a *Xendit) Kind() Kind   { return KindMobileMoney }

func (a *Xendit) header() http.Header {
	h := jsonHeader()
	token := base64.StdEncoding.EncodeToString([]byte(a.creds.SecretKey + ":"))
	h.Set("Authorization", "Basic "+token)
	return h
}

// InitiatePayment creates an invoice keyed by the transaction id.
func (a *Xendit) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	txID := NewTransactionID(req.OrderID)
	currency := req.CurrencyCode()
	payload := map[string]any{
		"external_id": txID,
		"amount":      json.Number(MajorString(req.Amount, currency)),
		"currency":    currency,
		"description": "Order " + req.OrderID,
		"metadata":    req.Metadata,
	}
	if req.CustomerEmail != "" {
		payload["payer_email"] = req.CustomerEmail
	}
	if req.ReturnURL != "" {
		payload["success_redirect_url"] = req.ReturnURL
		payload["failure_redirect_url"] = req.ReturnURL
	}
	if req.CustomerName != "" || req.CustomerPhone != "" {
		customer := map[string]string{"given_names": req.CustomerName}
		if req.CustomerEmail != "" {
			customer["email"] = req.CustomerEmail
		}
		if req.CustomerPhone != "" {
			customer["mobile_number"] = req.CustomerPhone
		}
		payload["customer"] = customer
	}
	body, _ := json.Marshal(payload)
	header := a.header()
	header.Set("X-IDEMPOTENCY-KEY", txID)
	reply, err := send(ctx, a.client, providerCall{
		provider:  xenditName,
		operation: "initiate",
		method:    http.MethodPost,
		url:       joinURL(a.creds.BaseURL, "/v2/invoices"),
		body:      body,
		header:    header,
	})
	if err != nil {
		return transportFailure(txID, "", err), nil
	}
	if !reply.ok() {
		var e struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		}
		_ = json.Unmarshal(reply.body, &e)
		return declined(txID, "", strings.TrimSpace(e.ErrorCode+" "+e.Message), reply.body), nil
	}
	var invoice xenditInvoice
	if err := json.Unmarshal(reply.body, &invoice); err != nil || invoice.ID == "" {
		return transportFailure(txID, "", fmt.Errorf("%w: xendit invoice", ErrMalformedPayload)), nil
	}
	resp := PaymentResponse{
		TransactionID:     txID,
		ProviderReference: invoice.ID,
		Status:            xenditStatuses.lookup(invoice.Status),
		RawData:           rawJSON(reply.body),
		Amount:            req.Amount,
		Currency:          currency,
		CustomerEmail:     req.CustomerEmail,
	}
	if resp.Status == StatusPending {
		resp.CheckoutURL = invoice.InvoiceURL
	}
	return resp, nil
}

// VerifyPayment fetches the invoice by id.
func (a *Xendit) VerifyPayment(ctx context.Context, reference string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  xenditName,
		operation: "verify",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v2/invoices/"+url.PathEscape(reference)),
		header:    a.header(),
	})
	if err != nil {
		return transportFailure("", reference, err), nil
	}
	if !reply.ok() {
		return unreadable(reference, reply), nil
	}
	var invoice xenditInvoice
	if err := json.Unmarshal(reply.body, &invoice); err != nil {
		return unreadable(reference, reply), nil
	}
	return fromInvoice(invoice, reference, reply.body), nil
}

// FindPayment lists invoices by external_id, which is the transaction id.
func (a *Xendit) FindPayment(ctx context.Context, transactionID string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  xenditName,
		operation: "find",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/v2/invoices?external_id="+url.QueryEscape(transactionID)),
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
	var listed []json.RawMessage
	if err := json.Unmarshal(reply.body, &listed); err != nil {
		return unreadable("", reply), nil
	}
	if len(listed) == 0 {
		return PaymentResponse{}, ErrPaymentNotFound
	}
	var invoice xenditInvoice
	if err := json.Unmarshal(listed[0], &invoice); err != nil {
		return unreadable("", reply), nil
	}
	return fromInvoice(invoice, "", listed[0]), nil
}

func fromInvoice(invoice xenditInvoice, reference string, raw []byte) PaymentResponse {
	resp := PaymentResponse{
		TransactionID:     invoice.ExternalID,
		ProviderReference: firstNonEmpty(invoice.ID, reference),
		Status:            xenditStatuses.lookup(invoice.Status),
		RawData:           rawJSON(raw),
		Amount:            invoice.Amount,
		Currency:          strings.ToUpper(invoice.Currency),
		CustomerEmail:     invoice.PayerEmail,
	}
	switch resp.Status {
	case StatusPending:
		resp.CheckoutURL = invoice.InvoiceURL
	case StatusFailed:
		resp.Failure = FailureDeclined
		resp.FailureReason = firstNonEmpty(invoice.FailureCode, "failed")
	}
	return resp
}

// HandleWebhook validates the callback signature and normalises the flat invoice payload.
func (a *Xendit) HandleWebhook(_ context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if err := a.verifier.Verify(headers, payload); err != nil {
		return WebhookResult{}, err
	}
	var invoice xenditInvoice
	if err := json.Unmarshal(payload, &invoice); err != nil || (invoice.ID == "" && invoice.ExternalID == "") {
		return WebhookResult{}, fmt.Errorf("%w: xendit callback", ErrMalformedPayload)
	}
	return WebhookResult{
		TransactionID:     invoice.ExternalID,
		ProviderReference: invoice.ID,
		Status:            xenditStatuses.lookup(invoice.Status),
		EventType:         "invoice." + strings.ToLower(invoice.Status),
		RawData:           rawJSON(payload),
	}, nil
}

// ValidateCredentials reads the cash balance.
func (a *Xendit) ValidateCredentials(ctx context.Context) error {
	reply, err := send(ctx, a.client, providerCall{
		provider:  xenditName,
		operation: "validate",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/balance"),
		header:    a.header(),
	})
	if err != nil {
		return fmt.Errorf("xendit: validate credentials: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("xendit: credentials rejected with status %d", reply.status)
	}
	return nil
}
