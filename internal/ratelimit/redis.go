package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (seconds, microsecond precision)
// ARGV[5] = key ttl (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets across every server instance.
type RedisLimiter struct {
	client   redis.Scripter
	policies Policies
	prefix   string
	now      func() time.Time
}

func NewRedisLimiter(client redis.Scripter, policies Policies) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		policies: policies,
		prefix:   "fieldsync:ratelimit",
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, deviceID string, class Class) (bool, error) {
	policy, ok := l.policies[class]
	if !ok || policy.PerMinute <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, class, deviceID)
	ratePerSec := float64(policy.PerMinute) / 60.0
	now := float64(l.now().UnixMicro()) / 1e6
	// Long enough for an idle bucket to refill completely.
	ttl := int(float64(policy.burst())/ratePerSec) + 1

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, ratePerSec, policy.burst(), 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from token bucket script")
	}

	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
