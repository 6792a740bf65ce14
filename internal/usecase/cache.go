package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// ResultCache keeps serialized verification records by request id. A miss
// is reported as redis.Nil.
type ResultCache interface {
	Put(ctx context.Context, requestID string, record []byte) error
	Lookup(ctx context.Context, requestID string) ([]byte, error)
}

const resultKeyPrefix = "verification:"

// RedisResultCache stores records under verification:<request id> with a
// fixed TTL.
type RedisResultCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisResultCache constructs the cache. A non-positive ttl keeps
// records for five minutes.
func NewRedisResultCache(client redis.Cmdable, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisResultCache{client: client, ttl: ttl}
}

func (c *RedisResultCache) Put(ctx context.Context, requestID string, record []byte) error {
	return c.client.Set(ctx, resultKey(requestID), record, c.ttl).Err()
}

func (c *RedisResultCache) Lookup(ctx context.Context, requestID string) ([]byte, error) {
	return c.client.Get(ctx, resultKey(requestID)).Bytes()
}

func resultKey(requestID string) string {
	return resultKeyPrefix + requestID
}
