package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DeliveryMarks remembers which deliveries reached their endpoint so queue
// retries and DLQ replays do not post the same event twice.
type DeliveryMarks interface {
	// Claim marks key as in flight for hold. False means it is in flight
	// elsewhere or already delivered.
	Claim(ctx context.Context, key string, hold time.Duration) (bool, error)
	// Confirm records a successful delivery for keep.
	Confirm(ctx context.Context, key string, keep time.Duration) error
	// Abandon drops an in-flight claim after a failed attempt.
	Abandon(ctx context.Context, key string) error
}

const (
	markSending   = "sending"
	markDelivered = "delivered"
)

var abandonScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisDeliveryMarks stores marks as short-lived Redis strings.
type RedisDeliveryMarks struct {
	Client *redis.Client
	Prefix string
}

func (m RedisDeliveryMarks) key(k string) string {
	prefix := m.Prefix
	if prefix == "" {
		prefix = "notify:mark"
	}
	return prefix + ":" + k
}

// Claim implements DeliveryMarks.
func (m RedisDeliveryMarks) Claim(ctx context.Context, key string, hold time.Duration) (bool, error) {
	if m.Client == nil {
		return true, nil
	}
	return m.Client.SetNX(ctx, m.key(key), markSending, hold).Result()
}

// Confirm implements DeliveryMarks.
func (m RedisDeliveryMarks) Confirm(ctx context.Context, key string, keep time.Duration) error {
	if m.Client == nil {
		return nil
	}
	return m.Client.Set(ctx, m.key(key), markDelivered, keep).Err()
}

// Abandon implements DeliveryMarks. A confirmed mark is left in place.
func (m RedisDeliveryMarks) Abandon(ctx context.Context, key string) error {
	if m.Client == nil {
		return nil
	}
	return abandonScript.Run(ctx, m.Client, []string{m.key(key)}, markSending).Err()
}
