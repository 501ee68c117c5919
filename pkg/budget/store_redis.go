package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript performs the conditional increment atomically in Redis.
// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = TTL seconds.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
    return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisStore backs the counters with Redis for multi-node deployments.
// Counter keys expire two days after last touch; a daily bucket is never
// read again after that.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: 48 * time.Hour}
}

func (s *RedisStore) key(k Key) string {
	return "budget:" + k.String()
}

func (s *RedisStore) Reserve(ctx context.Context, key Key, limit int64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.key(key)}, limit, int(s.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: redis reserve: %v", ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Count(ctx context.Context, key Key) (int64, error) {
	res, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: redis count: %v", ErrUnavailable, err)
	}
	return res, nil
}
