package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one token atomically.
// KEYS[1] bucket key; ARGV[1] refill rate per second; ARGV[2] capacity;
// ARGV[3] current unix time in float seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

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
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// Redis is a distributed token-bucket limiter shared across gateway
// replicas. On Redis failure it denies: the transport limit follows the
// same fail-closed posture as the rest of the gateway.
type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, rps float64, burst int) *Redis {
	return &Redis{client: client, rps: rps, burst: burst}
}

func (l *Redis) Allow(key string) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"ratelimit:" + key}, l.rps, l.burst, now).Int()
	if err != nil || res != 1 {
		return false, time.Duration(float64(time.Second) / l.rps)
	}
	return true, 0
}
