package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	IdempotencyTTL     time.Duration
	RateLimit          string

	OperatorJWTSecret string
	OperatorJWTIssuer string

	// Providers holds env-sourced credentials keyed by lower-case provider name.
	Providers           map[string]payment.Credentials
	ProviderCallTimeout time.Duration
	OutboundTimeout     time.Duration
	OutboundMaxAttempts int
	OutboundBackoff     time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration

	OpenBao OpenBaoConfig

	ReconcileMinAge    time.Duration
	ReconcileBatchSize int
	ReconcileSchedule  string
	ReconcileLockTTL   time.Duration
	// ReconcileUnknownTTL bounds how long a transaction with no provider
	// reference may stay PENDING before it is cancelled.
	ReconcileUnknownTTL time.Duration

	QueuePrefix       string
	QueueConcurrency  int
	QueueMaxAttempts  int
	QueueVisibility   time.Duration
	QueueDedupTTL     time.Duration
	AsynqConcurrency  int
	KafkaBrokers      []string
	EventsTopic       string
	NotifyEndpoints   string
	NotifyReplayTTL   time.Duration
	NotifyMaxAttempts int
	NotifyTimeout     time.Duration
}

// OpenBaoConfig locates provider credentials in an OpenBao KV v2 mount.
type OpenBaoConfig struct {
	Addr       string
	Token      string
	Mount      string
	PathPrefix string
	Namespace  string
	CacheTTL   time.Duration
}

// Enabled reports whether OpenBao should be consulted.
func (o OpenBaoConfig) Enabled() bool {
	return o.Addr != "" && o.Token != ""
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimit:          valueOrDefault(k.String("RATE_LIMIT"), "120-M"),

		OperatorJWTSecret: k.String("OPERATOR_JWT_SECRET"),
		OperatorJWTIssuer: valueOrDefault(k.String("OPERATOR_JWT_ISSUER"), "payment-orchestrator"),

		ProviderCallTimeout: parseDuration(k.String("PROVIDER_CALL_TIMEOUT"), "20s"),
		OutboundTimeout:     parseDuration(k.String("OUTBOUND_TIMEOUT"), "8s"),
		OutboundMaxAttempts: parseInt(k.String("OUTBOUND_MAX_ATTEMPTS"), 1),
		OutboundBackoff:     parseDuration(k.String("OUTBOUND_BACKOFF"), "200ms"),
		BreakerMinRequests:  parseInt(k.String("BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		OpenBao: OpenBaoConfig{
			Addr:       strings.TrimSpace(k.String("OPENBAO_ADDR")),
			Token:      strings.TrimSpace(k.String("OPENBAO_TOKEN")),
			Mount:      valueOrDefault(k.String("OPENBAO_MOUNT"), "secret"),
			PathPrefix: valueOrDefault(k.String("OPENBAO_PATH_PREFIX"), "payments"),
			Namespace:  strings.TrimSpace(k.String("OPENBAO_NAMESPACE")),
			CacheTTL:   parseDuration(k.String("OPENBAO_CACHE_TTL"), "5m"),
		},

		ReconcileMinAge:     parseDuration(k.String("RECONCILE_MIN_AGE"), "15m"),
		ReconcileBatchSize:  parseInt(k.String("RECONCILE_BATCH_SIZE"), 100),
		ReconcileSchedule:   valueOrDefault(k.String("RECONCILE_SCHEDULE"), "@every 5m"),
		ReconcileLockTTL:    parseDuration(k.String("RECONCILE_LOCK_TTL"), "5m"),
		ReconcileUnknownTTL: parseDuration(k.String("RECONCILE_UNKNOWN_TTL"), "24h"),

		QueuePrefix:       valueOrDefault(k.String("QUEUE_PREFIX"), "payq"),
		QueueConcurrency:  parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueMaxAttempts:  parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueVisibility:   parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueDedupTTL:     parseDuration(k.String("QUEUE_DEDUP_TTL"), "10m"),
		AsynqConcurrency:  parseInt(k.String("ASYNQ_CONCURRENCY"), 2),
		KafkaBrokers:      splitAndTrim(k.String("KAFKA_BROKERS")),
		EventsTopic:       valueOrDefault(k.String("PAYMENT_EVENTS_TOPIC"), "payment-events"),
		NotifyEndpoints:   strings.TrimSpace(k.String("NOTIFY_ENDPOINTS")),
		NotifyReplayTTL:   parseDuration(k.String("NOTIFY_REPLAY_TTL"), "24h"),
		NotifyMaxAttempts: parseInt(k.String("NOTIFY_MAX_ATTEMPTS"), 6),
		NotifyTimeout:     parseDuration(k.String("NOTIFY_TIMEOUT"), "5s"),
	}
	cfg.Providers = loadProviders(k)

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.OperatorJWTSecret == "" {
		return nil, errors.New("OPERATOR_JWT_SECRET is required")
	}
	if len(cfg.Providers) == 0 && !cfg.OpenBao.Enabled() {
		return nil, errors.New("no payment provider configured: set PAYMENT_PROVIDERS or OPENBAO_ADDR")
	}

	return cfg, nil
}

// loadProviders reads PAYMENT_<NAME>_* for every name in PAYMENT_PROVIDERS.
// Names without a secret key are skipped so OpenBao can supply them.
func loadProviders(k *koanf.Koanf) map[string]payment.Credentials {
	out := map[string]payment.Credentials{}
	for _, name := range splitAndTrim(k.String("PAYMENT_PROVIDERS")) {
		name = strings.ToLower(name)
		prefix := "PAYMENT_" + strings.ToUpper(name) + "_"
		creds := payment.Credentials{
			Provider:      name,
			APIKey:        k.String(prefix + "API_KEY"),
			SecretKey:     k.String(prefix + "SECRET_KEY"),
			WebhookSecret: k.String(prefix + "WEBHOOK_SECRET"),
			Mode:          payment.ParseMode(k.String(prefix + "MODE")),
			BaseURL:       strings.TrimSpace(k.String(prefix + "BASE_URL")),
		}
		if strings.TrimSpace(creds.SecretKey) == "" {
			continue
		}
		out[name] = creds
	}
	return out
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
