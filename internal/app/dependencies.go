// Package app assembles the dependency graph shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-orchestrator/internal/config"
	"github.com/noah-isme/payment-orchestrator/internal/events"
	"github.com/noah-isme/payment-orchestrator/internal/ledger"
	"github.com/noah-isme/payment-orchestrator/internal/lock"
	"github.com/noah-isme/payment-orchestrator/internal/notify"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
	"github.com/noah-isme/payment-orchestrator/internal/orchestrator"
	"github.com/noah-isme/payment-orchestrator/internal/payment"
	"github.com/noah-isme/payment-orchestrator/internal/queue"
	"github.com/noah-isme/payment-orchestrator/internal/resilience"
	"github.com/noah-isme/payment-orchestrator/internal/secrets"
)

// Dependencies enumerates the services shared across binaries.
type Dependencies struct {
	DB         *pgxpool.Pool
	Redis      *redis.Client
	AsynqRedis asynq.RedisConnOpt
	Registry   *payment.Registry
	OpenBao    *secrets.OpenBaoResolver
	Ledger     *ledger.Ledger
	Bus        *events.Bus
	Dispatcher *notify.Dispatcher
	Queue      queue.Enqueuer
	Locker     lock.Locker
	Service    *orchestrator.Service
	Reconciler *orchestrator.Reconciler

	closers []func() error
}

// Options tunes Build per binary.
type Options struct {
	ApplicationName string
	RedisMetrics    bool
}

// Build connects to Postgres and Redis and wires the payment core.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	pool, err := NewPool(ctx, cfg.DatabaseURL, opts.ApplicationName)
	if err != nil {
		return nil, err
	}
	deps.DB = pool
	deps.closers = append(deps.closers, func() error { pool.Close(); return nil })

	rdb, err := NewRedis(ctx, cfg.RedisURL, opts.RedisMetrics, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Redis = rdb
	deps.closers = append(deps.closers, rdb.Close)

	deps.AsynqRedis, err = asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("parse redis uri for asynq: %w", err)
	}

	resolver := payment.ChainResolver{payment.StaticResolver(cfg.Providers)}
	if cfg.OpenBao.Enabled() {
		deps.OpenBao = &secrets.OpenBaoResolver{
			Addr:       cfg.OpenBao.Addr,
			Token:      cfg.OpenBao.Token,
			Mount:      cfg.OpenBao.Mount,
			PathPrefix: cfg.OpenBao.PathPrefix,
			Namespace:  cfg.OpenBao.Namespace,
			CacheTTL:   cfg.OpenBao.CacheTTL,
			Logger:     logger,
		}
		resolver = append(resolver, deps.OpenBao)
	}
	deps.Registry = payment.NewRegistry(resolver,
		payment.WithClients(ProviderClients(cfg, logger)),
		payment.WithLogger(logger),
	)

	deps.Queue = queue.Enqueuer{R: rdb, Prefix: cfg.QueuePrefix, DedupTTL: cfg.QueueDedupTTL, MaxAttempts: cfg.QueueMaxAttempts}
	deps.Locker = lock.Locker{R: rdb}

	endpoints, err := notify.ParseEndpoints(cfg.NotifyEndpoints)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Dispatcher = &notify.Dispatcher{
		Endpoints: endpoints,
		HTTP: &resilience.HTTPClient{
			Client:      notify.HttpClient(int(cfg.NotifyTimeout.Milliseconds()), false),
			Breaker:     resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).WithTarget("notify").WithLogger(logger),
			Target:      "notify",
			Logger:      logger,
			BaseBackoff: cfg.OutboundBackoff,
			MaxAttempts: 1,
			Timeout:     cfg.NotifyTimeout,
		},
		Queue:       deps.Queue,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Enabled:     len(endpoints) > 0,
		Marks:       notify.RedisDeliveryMarks{Client: rdb},
		MarkTTL:     cfg.NotifyReplayTTL,
		Logger:      logger.With().Str("component", "notify").Logger(),
	}

	deps.Bus = &events.Bus{Store: events.PGStore{Pool: pool}, Scheduler: deps.Dispatcher}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		deps.Bus.Notifiers = append(deps.Bus.Notifiers, publisher)
		deps.closers = append(deps.closers, publisher.Close)
	}

	deps.Ledger = ledger.New(ledger.NewPGStore(pool), deps.Bus, logger)
	deps.Service = orchestrator.NewService(deps.Registry, deps.Ledger, cfg.ProviderCallTimeout, logger)
	deps.Service.UnknownOutcomeTTL = cfg.ReconcileUnknownTTL
	deps.Reconciler = &orchestrator.Reconciler{
		Service:   deps.Service,
		MinAge:    cfg.ReconcileMinAge,
		BatchSize: cfg.ReconcileBatchSize,
		Scheduler: orchestrator.QueueScheduler{Queue: deps.Queue, MaxAttempts: cfg.QueueMaxAttempts},
		Lock:      deps.Locker,
		LockTTL:   cfg.ReconcileLockTTL,
		Logger:    logger.With().Str("component", "reconcile").Logger(),
	}
	return deps, nil
}

// Close releases connections in reverse order of acquisition.
func (d *Dependencies) Close() error {
	var joined error
	for i := len(d.closers) - 1; i >= 0; i-- {
		joined = errors.Join(joined, d.closers[i]())
	}
	d.closers = nil
	return joined
}

// NewPool opens a traced pgx pool.
func NewPool(ctx context.Context, databaseURL, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if applicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens a traced Redis client.
func NewRedis(ctx context.Context, redisURL string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ProviderClients hands each provider its own retrying client and breaker so
// one failing provider cannot trip calls to the others.
func ProviderClients(cfg *config.Config, logger zerolog.Logger) payment.ClientSource {
	var (
		mu      sync.Mutex
		clients = map[string]*resilience.HTTPClient{}
	)
	breakers := &resilience.Breakers{
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       logger,
	}
	base := notify.HttpClient(int(cfg.OutboundTimeout.Milliseconds()), false)
	return func(provider string) payment.Doer {
		name := strings.ToLower(strings.TrimSpace(provider))
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[name]; ok {
			return c
		}
		target := "provider:" + name
		c := &resilience.HTTPClient{
			Client:      base,
			Breaker:     breakers.For(target),
			Target:      target,
			Logger:      logger,
			BaseBackoff: cfg.OutboundBackoff,
			MaxAttempts: cfg.OutboundMaxAttempts,
			Jitter:      0.2,
			Timeout:     cfg.OutboundTimeout,
		}
		clients[name] = c
		return c
	}
}
