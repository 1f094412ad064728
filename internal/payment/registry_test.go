package payment_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

type rotatingResolver struct {
	mu    sync.Mutex
	creds map[string]payment.Credentials
}

func (r *rotatingResolver) Resolve(_ context.Context, provider string) (payment.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[provider]
	if !ok {
		return payment.Credentials{}, payment.ErrMissingCredentials
	}
	return c, nil
}

func (r *rotatingResolver) set(provider string, c payment.Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[provider] = c
}

func TestRegistryCachesPerCredentialFingerprint(t *testing.T) {
	resolver := &rotatingResolver{creds: map[string]payment.Credentials{
		"stripe": {SecretKey: "sk_test_1", WebhookSecret: "whsec_1"},
	}}
	builds := 0
	reg := payment.NewRegistry(resolver, payment.WithFactories(map[string]payment.Factory{
		"stripe": func(c payment.Credentials, d payment.Doer) (payment.Adapter, error) {
			builds++
			return payment.NewStripe(c, d)
		},
	}))

	first, err := reg.Resolve(context.Background(), "stripe")
	require.NoError(t, err)
	second, err := reg.Resolve(context.Background(), " STRIPE ")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, builds)

	resolver.set("stripe", payment.Credentials{SecretKey: "sk_test_2", WebhookSecret: "whsec_1"})
	rotated, err := reg.Resolve(context.Background(), "stripe")
	require.NoError(t, err)
	require.NotSame(t, first, rotated)
	require.Equal(t, 2, builds)
}

func TestRegistryUnknownProviderIsLoud(t *testing.T) {
	reg := payment.NewRegistry(payment.StaticResolver{})
	_, err := reg.Resolve(context.Background(), "paypal")
	require.ErrorIs(t, err, payment.ErrUnknownProvider)
}

func TestRegistryMissingCredentials(t *testing.T) {
	reg := payment.NewRegistry(payment.StaticResolver{"stripe": {APIKey: "pk"}})
	_, err := reg.Resolve(context.Background(), "stripe")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := payment.NewRegistry(payment.StaticResolver{"xendit": {SecretKey: "a"}})
	b := payment.NewRegistry(payment.StaticResolver{"xendit": {SecretKey: "a"}})
	adapterA, err := a.Resolve(context.Background(), "xendit")
	require.NoError(t, err)
	adapterB, err := b.Resolve(context.Background(), "xendit")
	require.NoError(t, err)
	require.NotSame(t, adapterA, adapterB)
	require.Equal(t, []string{"coinbase", "fedapay", "stripe", "xendit"}, a.Providers())
}

func TestRegistryPassesProviderClient(t *testing.T) {
	var seen string
	reg := payment.NewRegistry(
		payment.StaticResolver{"coinbase": {SecretKey: "k"}},
		payment.WithClients(func(provider string) payment.Doer {
			seen = provider
			return payment.DoerFunc(func(context.Context, *http.Request) (*http.Response, error) {
				return nil, http.ErrHandlerTimeout
			})
		}),
	)
	_, err := reg.Resolve(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Equal(t, "coinbase", seen)
}

func TestChainResolverFallsThrough(t *testing.T) {
	chain := payment.ChainResolver{
		payment.StaticResolver{},
		payment.StaticResolver{"fedapay": {SecretKey: "sk"}},
	}
	creds, err := chain.Resolve(context.Background(), "fedapay")
	require.NoError(t, err)
	require.Equal(t, "sk", creds.SecretKey)
	require.Equal(t, "fedapay", creds.Provider)

	_, err = chain.Resolve(context.Background(), "stripe")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
}

func TestCredentialFingerprintIgnoresExtraOrder(t *testing.T) {
	a := payment.Credentials{Provider: "x", SecretKey: "s", Extra: map[string]string{"a": "1", "b": "2"}}
	b := payment.Credentials{Provider: "x", SecretKey: "s", Extra: map[string]string{"b": "2", "a": "1"}}
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.WebhookSecret = "rotated"
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
