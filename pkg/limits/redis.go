package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket update atomically inside Redis so
// replicas share one budget per agent.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second, already reputation-scaled)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// Scripter is the slice of the Redis client the limiter needs; *redis.Client
// satisfies it, and tests substitute a fake.
type Scripter interface {
	redis.Scripter
}

// RedisLimiter shares one token bucket per agent across replicas. Any
// Redis failure, including a timeout, surfaces as ErrRateLimited: an
// unanswerable limit check never lets a request through.
type RedisLimiter struct {
	client  Scripter
	rps     float64
	burst   int
	timeout time.Duration
}

// NewRedisLimiter dials addr and returns a limiter granting rps tokens per
// second with the given burst.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisLimiterWithClient(client, rps, burst)
}

// NewRedisLimiterWithClient wraps an existing client (or a test fake).
func NewRedisLimiterWithClient(client Scripter, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		rps:     rps,
		burst:   burst,
		timeout: time.Second,
	}
}

// Allow consumes one token from the agent's shared bucket.
func (l *RedisLimiter) Allow(ctx context.Context, agent string, multiplier float64) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := fmt.Sprintf("archon:limiter:%s", agent)
	scaled := l.rps * clampMultiplier(multiplier)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, scaled, l.burst, 1, now).Result()
	if err != nil {
		return fmt.Errorf("%w: redis unavailable: %v", ErrRateLimited, err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return fmt.Errorf("%w: unexpected script result %T", ErrRateLimited, res)
	}
	if allowed != 1 {
		return fmt.Errorf("%w: agent %s", ErrRateLimited, agent)
	}
	return nil
}
