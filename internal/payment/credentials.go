package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/payment-orchestrator/internal/common"
)

// Mode selects a provider's sandbox or production environment.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// ParseMode defaults to test for anything that is not explicitly live.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "live", "production", "prod":
		return ModeLive
	default:
		return ModeTest
	}
}

// Credentials holds everything an adapter needs to talk to one provider account.
type Credentials struct {
	Provider      string
	APIKey        string
	SecretKey     string
	WebhookSecret string
	Mode          Mode
	BaseURL       string
	Extra         map[string]string
}

// Fingerprint identifies a credential set without exposing it.
func (c Credentials) Fingerprint() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(c.Provider))
	for _, v := range []string{c.APIKey, c.SecretKey, c.WebhookSecret, string(c.Mode), c.BaseURL} {
		b.WriteByte(0)
		b.WriteString(v)
	}
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.Extra[k])
	}
	return common.Sha256Hex(b.String())
}

// CredentialResolver produces the current credentials for a provider.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider string) (Credentials, error)
}

// StaticResolver serves credentials loaded at startup.
type StaticResolver map[string]Credentials

// Resolve implements CredentialResolver.
func (s StaticResolver) Resolve(_ context.Context, provider string) (Credentials, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	creds, ok := s[name]
	if !ok || strings.TrimSpace(creds.SecretKey) == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrMissingCredentials, name)
	}
	if creds.Provider == "" {
		creds.Provider = name
	}
	return creds, nil
}

// ChainResolver asks each resolver in order; the first without ErrMissingCredentials wins.
type ChainResolver []CredentialResolver

// Resolve implements CredentialResolver.
func (c ChainResolver) Resolve(ctx context.Context, provider string) (Credentials, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		creds, err := r.Resolve(ctx, provider)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrMissingCredentials) {
			return Credentials{}, err
		}
	}
	return Credentials{}, fmt.Errorf("%w: %s", ErrMissingCredentials, provider)
}
