package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims events older than the window and records a new one
// only while the window has room, so rejected calls do not extend a ban.
// Scores are unix microseconds, passed as strings so Lua number
// formatting cannot round them.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[6])
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, ARGV[5])
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// SlidingWindow counts events per key in a Redis sorted set. It is exact
// at window boundaries, unlike FixedWindow, and backs the webhook routes
// where providers burst retries.
type SlidingWindow struct {
	Client redis.Scripter
	Prefix string
	Now    func() time.Time
}

// Allow implements Allower.
func (s SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if s.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: max, Remaining: max, ResetAt: now.Add(window)}, nil
	}

	ttl := window.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := slidingScript.Run(ctx, s.Client, []string{s.Prefix + key},
		now.UnixMicro(), window.Microseconds(), max, uuid.NewString(), ttl, now.Add(-window).UnixMicro(),
	).Int64Slice()
	if err != nil {
		return Decision{Limit: max, ResetAt: now.Add(window)}, fmt.Errorf("ratelimit: sliding window: %w", err)
	}
	if len(res) != 3 {
		return Decision{Limit: max, ResetAt: now.Add(window)}, fmt.Errorf("ratelimit: sliding window: unexpected reply %v", res)
	}
	remaining := max - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res[0] == 1,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   time.UnixMicro(res[2]),
	}, nil
}
