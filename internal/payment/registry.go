package payment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/obs"
)

// Factory builds an adapter from credentials and the outbound client for that provider.
type Factory func(creds Credentials, client Doer) (Adapter, error)

// ClientSource hands out the outbound client used for a provider.
type ClientSource func(provider string) Doer

// DefaultFactories lists the adapters shipped with the orchestrator.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		stripeName:   NewStripe,
		fedapayName:  NewFedaPay,
		coinbaseName: NewCoinbase,
		xenditName:   NewXendit,
	}
}

type cachedAdapter struct {
	fingerprint string
	adapter     Adapter
}

// Registry resolves a provider name to a configured adapter. Instances are
// cached per credential fingerprint so rotated credentials produce a fresh adapter.
type Registry struct {
	resolver  CredentialResolver
	clients   ClientSource
	logger    zerolog.Logger
	factories map[string]Factory

	mu    sync.Mutex
	cache map[string]cachedAdapter
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClients sets the outbound client source.
func WithClients(src ClientSource) RegistryOption {
	return func(r *Registry) { r.clients = src }
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithFactories replaces the adapter set.
func WithFactories(factories map[string]Factory) RegistryOption {
	return func(r *Registry) {
		r.factories = make(map[string]Factory, len(factories))
		for name, f := range factories {
			r.factories[normaliseProvider(name)] = f
		}
	}
}

// NewRegistry constructs a registry with the default adapters.
func NewRegistry(resolver CredentialResolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		resolver: resolver,
		logger:   zerolog.Nop(),
		cache:    make(map[string]cachedAdapter),
	}
	WithFactories(DefaultFactories())(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normaliseProvider(name)
	r.factories[key] = f
	delete(r.cache, key)
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the adapter for provider, constructing it when the
// credentials are new or have rotated since the cached instance was built.
func (r *Registry) Resolve(ctx context.Context, provider string) (Adapter, error) {
	name := normaliseProvider(provider)
	r.mu.Lock()
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("%w: no credential resolver", ErrMissingCredentials)
	}
	creds, err := r.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	creds.Provider = name
	fp := creds.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()
	cached, ok := r.cache[name]
	if ok && cached.fingerprint == fp {
		obs.CountInc(obs.AdapterCacheTotal, name, "hit")
		return cached.adapter, nil
	}
	var client Doer
	if r.clients != nil {
		client = r.clients(name)
	}
	adapter, err := factory(creds, client)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", name, err)
	}
	result := "miss"
	if ok {
		result = "rotated"
		r.logger.Info().Str("provider", name).Msg("provider_credentials_rotated")
	}
	obs.CountInc(obs.AdapterCacheTotal, name, result)
	r.cache[name] = cachedAdapter{fingerprint: fp, adapter: adapter}
	return adapter, nil
}

func normaliseProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
