// Package secrets resolves provider credentials from an OpenBao KV v2 mount.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// ErrOpenBaoUnavailable wraps transport and non-404 failures.
var ErrOpenBaoUnavailable = errors.New("openbao unavailable")

// OpenBaoResolver reads <mount>/data/<prefix>/<provider> and caches the
// result for CacheTTL. A missing path reports payment.ErrMissingCredentials so
// a ChainResolver falls through to the next source.
type OpenBaoResolver struct {
	Addr       string
	Token      string
	Mount      string
	PathPrefix string
	Namespace  string
	CacheTTL   time.Duration
	Client     *http.Client
	Logger     zerolog.Logger
	Now        func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCredentials
}

type cachedCredentials struct {
	creds   payment.Credentials
	fetched time.Time
}

// Enabled reports whether enough configuration is present to call OpenBao.
func (r *OpenBaoResolver) Enabled() bool {
	return r != nil && strings.TrimSpace(r.Addr) != "" && strings.TrimSpace(r.Token) != ""
}

func (r *OpenBaoResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve implements payment.CredentialResolver.
func (r *OpenBaoResolver) Resolve(ctx context.Context, provider string) (payment.Credentials, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if !r.Enabled() {
		return payment.Credentials{}, fmt.Errorf("%w: openbao not configured", payment.ErrMissingCredentials)
	}
	ttl := r.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	r.mu.Lock()
	entry, cached := r.cache[name]
	r.mu.Unlock()
	if cached && r.now().Sub(entry.fetched) < ttl {
		return entry.creds, nil
	}

	creds, err := r.read(ctx, name)
	if err != nil {
		if cached && errors.Is(err, ErrOpenBaoUnavailable) {
			r.Logger.Warn().Err(err).Str("provider", name).Msg("openbao_serving_stale_credentials")
			return entry.creds, nil
		}
		return payment.Credentials{}, err
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = map[string]cachedCredentials{}
	}
	r.cache[name] = cachedCredentials{creds: creds, fetched: r.now()}
	r.mu.Unlock()
	return creds, nil
}

// Invalidate drops a cached entry so the next Resolve reads OpenBao again.
func (r *OpenBaoResolver) Invalidate(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, strings.ToLower(strings.TrimSpace(provider)))
}

func (r *OpenBaoResolver) path(provider string) string {
	mount := strings.Trim(strings.TrimSpace(r.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	parts := []string{mount, "data"}
	if prefix := strings.Trim(strings.TrimSpace(r.PathPrefix), "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, provider)
	return strings.Join(parts, "/")
}

func (r *OpenBaoResolver) read(ctx context.Context, provider string) (payment.Credentials, error) {
	url := fmt.Sprintf("%s/v1/%s", strings.TrimRight(strings.TrimSpace(r.Addr), "/"), r.path(provider))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payment.Credentials{}, fmt.Errorf("create openbao request: %w", err)
	}
	req.Header.Set("X-Vault-Token", r.Token)
	if ns := strings.TrimSpace(r.Namespace); ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return payment.Credentials{}, fmt.Errorf("%w: %v", ErrOpenBaoUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return payment.Credentials{}, fmt.Errorf("%w: %s not in openbao", payment.ErrMissingCredentials, provider)
	default:
		return payment.Credentials{}, fmt.Errorf("%w: status=%d", ErrOpenBaoUnavailable, resp.StatusCode)
	}

	var body struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return payment.Credentials{}, fmt.Errorf("decode openbao response: %w", err)
	}
	return credentialsFrom(provider, body.Data.Data)
}

func credentialsFrom(provider string, data map[string]any) (payment.Credentials, error) {
	values := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			values[strings.ToLower(k)] = val
		case json.Number:
			values[strings.ToLower(k)] = val.String()
		case bool:
			values[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	creds := payment.Credentials{Provider: provider}
	extra := map[string]string{}
	for k, v := range values {
		switch k {
		case "api_key":
			creds.APIKey = v
		case "secret_key":
			creds.SecretKey = v
		case "webhook_secret":
			creds.WebhookSecret = v
		case "mode":
			creds.Mode = payment.ParseMode(v)
		case "base_url":
			creds.BaseURL = v
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		creds.Extra = extra
	}
	if strings.TrimSpace(creds.SecretKey) == "" {
		return payment.Credentials{}, fmt.Errorf("%w: %s secret_key missing in openbao", payment.ErrMissingCredentials, provider)
	}
	if creds.Mode == "" {
		creds.Mode = payment.ModeTest
	}
	return creds, nil
}
