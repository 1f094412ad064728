package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	coinbaseName           = "coinbase"
	coinbaseDefaultBaseURL = "https://api.commerce.coinbase.com"
	coinbaseSignatureHdr   = "X-CC-Webhook-Signature"
	coinbaseAPIVersion     = "2018-03-22"
)

// Coinbase fronts crypto checkout through Coinbase Commerce charges.
// Prices are sent as major-unit decimal strings in the local currency.
type Coinbase struct {
	creds    Credentials
	client   Doer
	verifier Verifier
}

// NewCoinbase is the registry factory for the crypto adapter.
func NewCoinbase(creds Credentials, client Doer) (Adapter, error) {
	if strings.TrimSpace(creds.SecretKey) == "" {
		return nil, fmt.Errorf("%w: coinbase api key", ErrMissingCredentials)
	}
	if creds.BaseURL == "" {
		creds.BaseURL = coinbaseDefaultBaseURL
	}
	return &Coinbase{
		creds:  creds,
		client: client,
		verifier: Verifier{
			Header: coinbaseSignatureHdr,
			Secret: creds.WebhookSecret,
			Scheme: SchemeHex,
		},
	}, nil
}

// timeline statuses and webhook event types.
var coinbaseStatuses = statusTable{
	"new":              StatusPending,
	"pending":          StatusPending,
	"unresolved":       StatusPending,
	"delayed":          StatusPending,
	"completed":        StatusSuccess,
	"confirmed":        StatusSuccess,
	"resolved":         StatusSuccess,
	"refund pending":   StatusSuccess,
	"refunded":         StatusSuccess,
	"expired":          StatusCancelled,
	"canceled":         StatusCancelled,
	"cancelled":        StatusCancelled,
	"failed":           StatusFailed,
	"charge:created":   StatusPending,
	"charge:pending":   StatusPending,
	"charge:delayed":   StatusPending,
	"charge:confirmed": StatusSuccess,
	"charge:resolved":  StatusSuccess,
	"charge:failed":    StatusFailed,
}

type coinbaseCharge struct {
	ID         string                   `json:"id"`
	Code       string                   `json:"code"`
	HostedURL  string                   `json:"hosted_url"`
	Metadata   map[string]string        `json:"metadata"`
	Timeline   []coinbaseEvent          `json:"timeline"`
	Pricing    map[string]coinbasePrice `json:"pricing"`
	LocalPrice *coinbasePrice           `json:"local_price"`
}

type coinbaseEvent struct {
	Status  string `json:"status"`
	Context string `json:"context"`
	Time    string `json:"time"`
}

type coinbasePrice struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (c coinbaseCharge) status() Status {
	if len(c.Timeline) == 0 {
		return StatusPending
	}
	latest := c.Timeline[len(c.Timeline)-1]
	return coinbaseStatuses.lookup(latest.Status)
}

func (c coinbaseCharge) local() (decimal.Decimal, string) {
	price := c.LocalPrice
	if price == nil {
		if p, ok := c.Pricing["local"]; ok {
			price = &p
		}
	}
	if price == nil {
		return decimal.Zero, ""
	}
	amount, err := decimal.NewFromString(price.Amount)
	if err != nil {
		return decimal.Zero, strings.ToUpper(price.Currency)
	}
	return amount, strings.ToUpper(price.Currency)
}

func (a *Coinbase) Name() string { return coinbaseName }
func (a *Coinbase) Kind() Kind   { return KindCrypto }

func (a *Coinbase) header() http.Header {
	h := jsonHeader()
	h.Set("X-CC-Api-Key", a.creds.SecretKey)
	h.Set("X-CC-Version", coinbaseAPIVersion)
	return h
}

// InitiatePayment creates a fixed-price charge and returns its hosted page.
func (a *Coinbase) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	txID := NewTransactionID(req.OrderID)
	currency := req.CurrencyCode()
	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["transaction_id"] = txID
	metadata["order_id"] = req.OrderID
	if req.CustomerEmail != "" {
		metadata["customer_email"] = req.CustomerEmail
	}
	if req.CustomerName != "" {
		metadata["customer_name"] = req.CustomerName
	}
	payload := map[string]any{
		"name":         "Order " + req.OrderID,
		"description":  "Payment for order " + req.OrderID,
		"pricing_type": "fixed_price",
		"local_price":  coinbasePrice{Amount: MajorString(req.Amount, currency), Currency: currency},
		"metadata":     metadata,
	}
	if req.ReturnURL != "" {
		payload["redirect_url"] = req.ReturnURL
		payload["cancel_url"] = req.ReturnURL
	}
	body, _ := json.Marshal(payload)
	reply, err := send(ctx, a.client, providerCall{
		provider:  coinbaseName,
		operation: "initiate",
		method:    http.MethodPost,
		url:       joinURL(a.creds.BaseURL, "/charges"),
		body:      body,
		header:    a.header(),
	})
	if err != nil {
		return transportFailure(txID, "", err), nil
	}
	if !reply.ok() {
		var e struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(reply.body, &e)
		return declined(txID, "", e.Error.Message, reply.body), nil
	}
	var created struct {
		Data coinbaseCharge `json:"data"`
	}
	if err := json.Unmarshal(reply.body, &created); err != nil || created.Data.ID == "" {
		return transportFailure(txID, "", fmt.Errorf("%w: coinbase charge", ErrMalformedPayload)), nil
	}
	resp := PaymentResponse{
		TransactionID:     txID,
		ProviderReference: created.Data.ID,
		Status:            created.Data.status(),
		RawData:           rawJSON(reply.body),
		Amount:            req.Amount,
		Currency:          currency,
		CustomerEmail:     req.CustomerEmail,
	}
	if resp.Status == StatusPending {
		resp.CheckoutURL = created.Data.HostedURL
	}
	return resp, nil
}

// VerifyPayment reads the charge and derives status from the last timeline entry.
func (a *Coinbase) VerifyPayment(ctx context.Context, reference string) (PaymentResponse, error) {
	reply, err := send(ctx, a.client, providerCall{
		provider:  coinbaseName,
		operation: "verify",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/charges/"+url.PathEscape(reference)),
		header:    a.header(),
	})
	if err != nil {
		return transportFailure("", reference, err), nil
	}
	if !reply.ok() {
		return unreadable(reference, reply), nil
	}
	var got struct {
		Data coinbaseCharge `json:"data"`
	}
	if err := json.Unmarshal(reply.body, &got); err != nil {
		return unreadable(reference, reply), nil
	}
	amount, currency := got.Data.local()
	resp := PaymentResponse{
		TransactionID:     got.Data.Metadata["transaction_id"],
		ProviderReference: firstNonEmpty(got.Data.ID, reference),
		Status:            got.Data.status(),
		RawData:           rawJSON(reply.body),
		Amount:            amount,
		Currency:          currency,
		CustomerEmail:     got.Data.Metadata["customer_email"],
	}
	if resp.Status == StatusPending {
		resp.CheckoutURL = got.Data.HostedURL
	}
	return resp, nil
}

// HandleWebhook authenticates the delivery and reads the charge from event.data.
func (a *Coinbase) HandleWebhook(_ context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if err := a.verifier.Verify(headers, payload); err != nil {
		return WebhookResult{}, err
	}
	var delivery struct {
		ID    string `json:"id"`
		Event struct {
			ID   string         `json:"id"`
			Type string         `json:"type"`
			Data coinbaseCharge `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &delivery); err != nil || delivery.Event.Type == "" {
		return WebhookResult{}, fmt.Errorf("%w: coinbase event", ErrMalformedPayload)
	}
	charge := delivery.Event.Data
	status := coinbaseStatuses.lookup(delivery.Event.Type)
	if _, known := coinbaseStatuses[strings.ToLower(delivery.Event.Type)]; !known {
		status = charge.status()
	}
	return WebhookResult{
		TransactionID:     charge.Metadata["transaction_id"],
		ProviderReference: charge.ID,
		Status:            status,
		EventType:         delivery.Event.Type,
		RawData:           rawJSON(payload),
	}, nil
}

// ValidateCredentials lists one charge.
func (a *Coinbase) ValidateCredentials(ctx context.Context) error {
	reply, err := send(ctx, a.client, providerCall{
		provider:  coinbaseName,
		operation: "validate",
		method:    http.MethodGet,
		url:       joinURL(a.creds.BaseURL, "/charges?limit=1"),
		header:    a.header(),
	})
	if err != nil {
		return fmt.Errorf("coinbase: validate credentials: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("coinbase: credentials rejected with status %d", reply.status)
	}
	return nil
}
