package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript increments a counter, attaching the TTL only on
// creation so the window does not slide with every submission.
var incrWithTTLScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore is a Redis-backed Store. INCR via Lua keeps the
// increment-or-create atomic; AddNX maps to SET NX PX. Errors are
// returned to the caller — the fail-open/fail-closed policy lives with
// the consumers, not here.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore creates a Redis-backed store. Every call carries a short
// timeout so a slow Redis degrades latency instead of hanging requests.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		timeout: 100 * time.Millisecond,
	}
}

// IncrWithTTL implements Store.
func (rs *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	return incrWithTTLScript.Run(ctx, rs.client,
		[]string{rs.prefix + key},
		ttl.Milliseconds(),
	).Int64()
}

// AddNX implements Store.
func (rs *RedisStore) AddNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	return rs.client.SetNX(ctx, rs.prefix+key, "1", ttl).Result()
}

// Size returns -1 because counting keys in Redis is expensive.
func (rs *RedisStore) Size() int {
	return -1
}

// Close is a no-op — the Redis client is shared and managed externally.
func (rs *RedisStore) Close() {}
