package secrets_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
	"github.com/noah-isme/payment-orchestrator/internal/secrets"
)

type fakeBao struct {
	mu      sync.Mutex
	secrets map[string]string
	hits    atomic.Int32
	down    atomic.Bool
}

func newFakeBao(t *testing.T, bao *fakeBao) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bao.hits.Add(1)
		if r.Header.Get("X-Vault-Token") != "root" || r.Header.Get("X-Vault-Namespace") != "payments" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if bao.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		bao.mu.Lock()
		body, ok := bao.secrets[r.URL.Path]
		bao.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (b *fakeBao) set(path, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.secrets[path] = body
}

func TestOpenBaoResolverReadsAndCaches(t *testing.T) {
	bao := &fakeBao{secrets: map[string]string{}}
	bao.set("/v1/kv/data/payments/stripe", `{"data":{"data":{"secret_key":"sk_1","webhook_secret":"whsec_1","mode":"live","account":"acct_9","retries":3}}}`)
	srv := newFakeBao(t, bao)

	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &secrets.OpenBaoResolver{
		Addr:       srv.URL + "/",
		Token:      "root",
		Mount:      "kv",
		PathPrefix: "/payments/",
		Namespace:  "payments",
		CacheTTL:   time.Minute,
		Client:     srv.Client(),
		Now:        func() time.Time { return clock },
	}
	creds, err := resolver.Resolve(context.Background(), "Stripe")
	require.NoError(t, err)
	require.Equal(t, "stripe", creds.Provider)
	require.Equal(t, "sk_1", creds.SecretKey)
	require.Equal(t, "whsec_1", creds.WebhookSecret)
	require.Equal(t, payment.ModeLive, creds.Mode)
	require.Equal(t, map[string]string{"account": "acct_9", "retries": "3"}, creds.Extra)

	_, err = resolver.Resolve(context.Background(), "stripe")
	require.NoError(t, err)
	require.EqualValues(t, 1, bao.hits.Load())

	// rotation is picked up once the cache entry expires
	bao.set("/v1/kv/data/payments/stripe", `{"data":{"data":{"secret_key":"sk_2","webhook_secret":"whsec_1"}}}`)
	clock = clock.Add(2 * time.Minute)
	rotated, err := resolver.Resolve(context.Background(), "stripe")
	require.NoError(t, err)
	require.Equal(t, "sk_2", rotated.SecretKey)
	require.NotEqual(t, creds.Fingerprint(), rotated.Fingerprint())
}

func TestOpenBaoResolverServesStaleWhenUnavailable(t *testing.T) {
	bao := &fakeBao{secrets: map[string]string{}}
	bao.set("/v1/secret/data/fedapay", `{"data":{"data":{"secret_key":"sk_f"}}}`)
	srv := newFakeBao(t, bao)

	clock := time.Now()
	resolver := &secrets.OpenBaoResolver{Addr: srv.URL, Token: "root", Namespace: "payments", Client: srv.Client(), Now: func() time.Time { return clock }}
	_, err := resolver.Resolve(context.Background(), "fedapay")
	require.NoError(t, err)

	bao.down.Store(true)
	clock = clock.Add(time.Hour)
	creds, err := resolver.Resolve(context.Background(), "fedapay")
	require.NoError(t, err)
	require.Equal(t, "sk_f", creds.SecretKey)

	resolver.Invalidate("fedapay")
	_, err = resolver.Resolve(context.Background(), "fedapay")
	require.ErrorIs(t, err, secrets.ErrOpenBaoUnavailable)
}

func TestOpenBaoResolverMissingFallsThroughChain(t *testing.T) {
	bao := &fakeBao{secrets: map[string]string{}}
	bao.set("/v1/secret/data/xendit", `{"data":{"data":{"api_key":"only-public"}}}`)
	srv := newFakeBao(t, bao)

	resolver := &secrets.OpenBaoResolver{Addr: srv.URL, Token: "root", Namespace: "payments", Client: srv.Client()}
	_, err := resolver.Resolve(context.Background(), "coinbase")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
	_, err = resolver.Resolve(context.Background(), "xendit")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)

	chain := payment.ChainResolver{resolver, payment.StaticResolver{"coinbase": {SecretKey: "cb_env"}}}
	creds, err := chain.Resolve(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Equal(t, "cb_env", creds.SecretKey)
}

func TestOpenBaoResolverDisabled(t *testing.T) {
	resolver := &secrets.OpenBaoResolver{}
	require.False(t, resolver.Enabled())
	_, err := resolver.Resolve(context.Background(), "stripe")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
}
