package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomic increment-and-expire so concurrent admissions for the same key
// never double-count past the threshold.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter counts in Redis. When the backing store is unreachable it
// returns an error instead of guessing: the endpoints this limiter guards
// are mutations, and the caller must fail closed rather than fail open.
type RedisLimiter struct {
	Client  *redis.Client
	Window  time.Duration
	Prefix  string
	Timeout time.Duration
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:  client,
		Window:  window,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return Decision{}, fmt.Errorf("ratelimit: redis client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func (l *RedisLimiter) timeout() time.Duration {
	if l.Timeout <= 0 {
		return 2 * time.Second
	}
	return l.Timeout
}
