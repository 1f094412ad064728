package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/events"
	"github.com/noah-isme/payment-orchestrator/internal/ledger"
	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
	"github.com/noah-isme/payment-orchestrator/internal/resilience"
)

const webhookSecret = "whsec_test"

type fakeTx struct {
	status    string
	reference string
	amount    int64
	email     string
	lastError string
}

// fakeFedaPay serves the subset of the FedaPay API the adapter calls.
type fakeFedaPay struct {
	mu          sync.Mutex
	srv         *httptest.Server
	txs         map[string]*fakeTx
	nextID      int
	decline     string
	createDelay time.Duration
	verifyCalls int
}

func newFakeFedaPay(t *testing.T) *fakeFedaPay {
	t.Helper()
	f := &fakeFedaPay{txs: map[string]*fakeTx{}, nextID: 100}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions", f.create)
	mux.HandleFunc("POST /v1/transactions/{id}/token", f.token)
	mux.HandleFunc("GET /v1/transactions/{id}", f.get)
	mux.HandleFunc("GET /v1/transactions/merchant/{ref}", f.findByMerchant)
	mux.HandleFunc("GET /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"v1/transactions": []any{}})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// create stores the transaction before any configured delay, so a caller that
// gives up early still leaves a transaction behind at the provider.
func (f *fakeFedaPay) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	decline, delay := f.decline, f.createDelay
	f.mu.Unlock()
	if decline != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": decline})
		return
	}
	var body struct {
		Amount            int64  `json:"amount"`
		MerchantReference string `json:"merchant_reference"`
		Customer          struct {
			Email string `json:"email"`
		} `json:"customer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad body"})
		return
	}
	f.mu.Lock()
	f.nextID++
	n := f.nextID
	f.txs[strconv.Itoa(n)] = &fakeTx{status: "pending", reference: body.MerchantReference, amount: body.Amount, email: body.Customer.Email}
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"v1/transaction": map[string]any{
		"id":                 n,
		"status":             "pending",
		"merchant_reference": body.MerchantReference,
	}})
}

func (f *fakeFedaPay) token(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{"token": "tok-" + id, "url": "https://checkout.fedapay.test/tok-" + id})
}

func (f *fakeFedaPay) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	f.verifyCalls++
	tx, ok := f.txs[id]
	var snapshot fakeTx
	if ok {
		snapshot = *tx
	}
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "transaction not found"})
		return
	}
	n, _ := strconv.Atoi(id)
	writeJSON(w, http.StatusOK, map[string]any{"v1/transaction": map[string]any{
		"id":                 n,
		"status":             snapshot.status,
		"amount":             snapshot.amount,
		"merchant_reference": snapshot.reference,
		"last_error_code":    snapshot.lastError,
		"currency":           map[string]string{"iso": "XOF"},
		"customer":           map[string]string{"email": snapshot.email},
	}})
}

func (f *fakeFedaPay) findByMerchant(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	f.mu.Lock()
	id := ""
	for k, tx := range f.txs {
		if tx.reference == ref {
			id = k
		}
	}
	f.mu.Unlock()
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "transaction not found"})
		return
	}
	r.SetPathValue("id", id)
	f.get(w, r)
}

// forget drops a transaction, as if the provider never received it.
func (f *fakeFedaPay) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.txs, id)
}

func (f *fakeFedaPay) setStatus(id, status, lastError string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[id]; ok {
		tx.status = status
		tx.lastError = lastError
	}
}

func (f *fakeFedaPay) declineWith(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decline = message
}

func (f *fakeFedaPay) delayCreate(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createDelay = d
}

type harness struct {
	svc      *orchestrator.Service
	ledger   *ledger.Ledger
	store    *ledger.MemoryStore
	events   *events.MemoryStore
	provider *fakeFedaPay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := newFakeFedaPay(t)
	reg := payment.NewRegistry(
		payment.StaticResolver{"fedapay": {SecretKey: "sk_sandbox_test", WebhookSecret: webhookSecret, BaseURL: fake.srv.URL}},
		payment.WithClients(func(string) payment.Doer {
			return resilience.HTTPClient{Client: fake.srv.Client(), Timeout: 2 * time.Second}
		}),
	)
	h := &harness{
		store:    ledger.NewMemoryStore(),
		events:   &events.MemoryStore{},
		provider: fake,
	}
	h.ledger = ledger.New(h.store, &events.Bus{Store: h.events}, zerolog.Nop())
	h.svc = orchestrator.NewService(reg, h.ledger, 2*time.Second, zerolog.Nop())
	return h
}

func happyRequest() payment.PaymentRequest {
	return payment.PaymentRequest{
		Amount:        decimal.NewFromInt(5000),
		Currency:      "XOF",
		OrderID:       "ORD-1",
		CustomerEmail: "a@b.com",
	}
}

func (h *harness) initiate(t *testing.T) orchestrator.InitiateResult {
	t.Helper()
	res, err := h.svc.Initiate(context.Background(), "fedapay", happyRequest())
	require.NoError(t, err)
	return res
}

func fedapayEvent(name, status, reference, txID string) []byte {
	n, _ := strconv.Atoi(reference)
	body, _ := json.Marshal(map[string]any{
		"name": name,
		"entity": map[string]any{
			"id":                 n,
			"status":             status,
			"merchant_reference": txID,
		},
	})
	return body
}

func signedHeaders(secret string, body []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := http.Header{}
	h.Set("X-FEDAPAY-SIGNATURE", "t="+ts+",s="+payment.SignTimestamped(secret, ts, body))
	return h
}

func (h *harness) logsBySource(t *testing.T, txID string, source ledger.Source) []ledger.LogEntry {
	t.Helper()
	logs, err := h.ledger.Logs(context.Background(), txID)
	require.NoError(t, err)
	var out []ledger.LogEntry
	for _, l := range logs {
		if l.Interaction == source {
			out = append(out, l)
		}
	}
	return out
}
