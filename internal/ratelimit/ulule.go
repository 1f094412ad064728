package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow adapts a ulule limiter store to Allower. It is cheaper than
// the sliding window and suits the high-volume initiate route.
type FixedWindow struct {
	Store limiter.Store
}

// NewFixedWindow wires a ulule store backed by Redis.
func NewFixedWindow(rdb *redis.Client, prefix string) (FixedWindow, error) {
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return FixedWindow{Store: store}, nil
}

// Allow implements Allower.
func (f FixedWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	if f.Store == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: max, Remaining: max, ResetAt: time.Now().Add(window)}, nil
	}
	lim := limiter.New(f.Store, limiter.Rate{Period: window, Limit: int64(max)})
	res, err := lim.Get(ctx, key)
	if err != nil {
		return Decision{Limit: max, ResetAt: time.Now().Add(window)}, fmt.Errorf("ratelimit: fixed window: %w", err)
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}

// ParseRate reads the "<limit>-<S|M|H|D>" format, e.g. "120-M".
func ParseRate(formatted string) (Config, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return Config{}, fmt.Errorf("ratelimit: %w", err)
	}
	return Config{Window: rate.Period, Max: int(rate.Limit)}, nil
}
