package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/payment-orchestrator/internal/obs"
)

// Doer sends a request on behalf of an adapter. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Do implements Doer.
func (f DoerFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

const maxProviderBody = 1 << 20

type providerCall struct {
	provider  string
	operation string
	method    string
	url       string
	body      []byte
	header    http.Header
}

type providerReply struct {
	status int
	body   []byte
}

func (r providerReply) ok() bool { return r.status >= 200 && r.status < 300 }

// send performs one logical provider call. A non-nil error means the provider
// could not be reached or its reply could not be read.
func send(ctx context.Context, client Doer, c providerCall) (providerReply, error) {
	if client == nil {
		return providerReply{}, errors.New("payment: http client not configured")
	}
	var body io.Reader = http.NoBody
	if len(c.body) > 0 {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return providerReply{}, err
	}
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(ctx, req)
	if err != nil {
		obs.ObserveProviderCall(c.provider, c.operation, "transport_error", time.Since(start))
		return providerReply{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	obs.ObserveProviderCall(c.provider, c.operation, statusClass(resp.StatusCode), time.Since(start))
	if err != nil {
		return providerReply{}, fmt.Errorf("read %s response: %w", c.provider, err)
	}
	return providerReply{status: resp.StatusCode, body: raw}, nil
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

// transportFailure builds the FAILED response used when the provider was unreachable.
func transportFailure(transactionID, reference string, err error) PaymentResponse {
	msg := "provider unreachable"
	if err != nil {
		msg = err.Error()
	}
	raw, _ := json.Marshal(map[string]string{"error": TransportErrorMarker, "message": msg})
	return PaymentResponse{
		TransactionID:     transactionID,
		ProviderReference: reference,
		Status:            StatusFailed,
		RawData:           raw,
		Failure:           FailureTransport,
		FailureReason:     TransportErrorMarker,
	}
}

// declined builds the FAILED response for a provider refusal, keeping the provider payload.
func declined(transactionID, reference, reason string, raw []byte) PaymentResponse {
	if reason == "" {
		reason = "declined by provider"
	}
	return PaymentResponse{
		TransactionID:     transactionID,
		ProviderReference: reference,
		Status:            StatusFailed,
		RawData:           rawJSON(raw),
		Failure:           FailureDeclined,
		FailureReason:     reason,
	}
}

// unreadable treats a non-success verify reply as a transport-class failure so it is never applied.
func unreadable(reference string, reply providerReply) PaymentResponse {
	raw, _ := json.Marshal(map[string]any{
		"error":      TransportErrorMarker,
		"httpStatus": reply.status,
		"body":       string(reply.body),
	})
	return PaymentResponse{
		ProviderReference: reference,
		Status:            StatusFailed,
		RawData:           raw,
		Failure:           FailureTransport,
		FailureReason:     fmt.Sprintf("provider responded %d", reply.status),
	}
}

// rawJSON keeps provider bytes verbatim when they are JSON, and quotes them otherwise.
func rawJSON(b []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
