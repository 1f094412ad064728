package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/payment-orchestrator/internal/app"
	"github.com/noah-isme/payment-orchestrator/internal/audit"
	"github.com/noah-isme/payment-orchestrator/internal/auth"
	"github.com/noah-isme/payment-orchestrator/internal/common"
	"github.com/noah-isme/payment-orchestrator/internal/config"
	"github.com/noah-isme/payment-orchestrator/internal/health"
	"github.com/noah-isme/payment-orchestrator/internal/migrations"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
	"github.com/noah-isme/payment-orchestrator/internal/queue"
	"github.com/noah-isme/payment-orchestrator/internal/ratelimit"
	"github.com/noah-isme/payment-orchestrator/internal/resilience"
	"github.com/noah-isme/payment-orchestrator/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "payments")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	queue.MustRegisterMetrics(nil)
	resilience.MustRegisterMetrics(nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "payment-orchestrator-api",
			ServiceVersion: envOrDefault("APP_VERSION", "dev"),
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  sampling,
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if envBool("MIGRATE_ON_START", false) {
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.Build(startCtx, cfg, app.Options{ApplicationName: "payment-orchestrator-api", RedisMetrics: metricsEnabled}, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	verifier, err := auth.NewVerifier(cfg.OperatorJWTSecret, cfg.OperatorJWTIssuer, 30*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise operator auth")
	}
	operatorAuth := auth.Middleware{Verifier: verifier}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	initiateLimiter := ratelimit.Handler{OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_unavailable") }}
	if rate, err := ratelimit.ParseRate(cfg.RateLimit); err != nil {
		logger.Error().Err(err).Str("rate", cfg.RateLimit).Msg("invalid RATE_LIMIT, initiate limiting disabled")
	} else if store, err := ratelimit.NewFixedWindow(deps.Redis, "rl:initiate"); err != nil {
		logger.Error().Err(err).Msg("initiate rate limit store")
	} else {
		rate.Key = ratelimit.ByClientIP("initiate")
		initiateLimiter.Limiter = store
		initiateLimiter.Config = rate
	}
	webhookLimiter := ratelimit.Handler{
		Limiter: ratelimit.SlidingWindow{Client: deps.Redis, Prefix: "rl:webhook:"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByRouteParam("webhook", "provider"),
			Window: time.Minute,
			Max:    envInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600),
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_unavailable") },
	}

	paymentHandler := &orchestrator.Handler{Svc: deps.Service, Reconciler: deps.Reconciler, Logger: logger}
	queueAdmin := &queue.AdminHandler{
		Store:             queue.NewStore(deps.DB),
		Queue:             deps.Queue,
		Logger:            logger,
		VisibilityTimeout: cfg.QueueVisibility,
	}

	auditStore := audit.PGStore{Pool: deps.DB}
	auditRecorder := audit.HTTPRecorder{
		Service: &audit.Service{
			Store:        auditStore,
			Enabled:      envBool("AUDIT_ENABLED", true),
			SamplingRate: envFloat("AUDIT_SAMPLING_RATE", 1.0),
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("audit_record_failed") },
	}
	auditHandler := audit.Handler{Store: auditStore}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:              true,
		EnableHSTS:          cfg.AppEnv == "production",
		TrustForwardedProto: envBool("TRUST_FORWARDED_PROTO", false),
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker: readinessChecker{db: deps.DB, redis: deps.Redis},
		Extra: map[string]health.CheckFunc{
			"providers": providersCheck(deps.Service),
		},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.With(webhookLimiter.Middleware, security.BodyLimit{Max: 256 << 10}.Middleware).
		Post("/webhooks/payment/{provider}", paymentHandler.Webhook)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(operatorAuth.RequireOperator)
		v.Use(security.BodyLimit{Max: 64 << 10}.Middleware)

		v.Route("/payments", func(p chi.Router) {
			p.Get("/", paymentHandler.List)
			p.Get("/{id}", paymentHandler.Get)
			p.Get("/{id}/logs", paymentHandler.Logs)
			p.With(
				auditRecorder.Middleware(audit.HTTPConfig{Action: "payment.initiate", ResourceType: "payment", ResourceIDParam: "provider"}),
				initiateLimiter.Middleware,
				idem.Middleware,
			).Post("/{provider}", paymentHandler.Initiate)
		})
		v.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "reconcile.trigger", ResourceType: "reconcile"})).
			Post("/reconcile", paymentHandler.Reconcile)
		v.Get("/providers", paymentHandler.Providers)
		v.Get("/audit", auditHandler.List)

		v.Route("/admin/queue", func(q chi.Router) {
			q.Get("/dlq", queueAdmin.ListDLQ)
			q.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "queue.dlq.replay", ResourceType: "queue"})).
				Post("/dlq/replay", queueAdmin.ReplayDLQ)
			q.Get("/stats", queueAdmin.Stats)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Strs("providers", deps.Registry.Providers()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// providersCheck fails readiness only when no provider resolves credentials.
// It does not call the providers.
func providersCheck(svc *orchestrator.Service) health.CheckFunc {
	return func(ctx context.Context) error {
		for _, name := range svc.Adapters.Providers() {
			if _, err := svc.Adapters.Resolve(ctx, name); err == nil {
				return nil
			}
		}
		return errors.New("no payment provider has usable credentials")
	}
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
