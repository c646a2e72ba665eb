package results

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares result payloads across processes so any replica can
// serve chunk reads for a completion another replica produced.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed result cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: rdb, ttl: ttl}
}

func (c *RedisCache) key(requestID string) string {
	return "result:" + requestID
}

func (c *RedisCache) Get(ctx context.Context, requestID string) ([]byte, string, bool) {
	vals, err := c.client.HMGet(ctx, c.key(requestID), "data", "mime").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil {
		return nil, "", false
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, "", false
	}
	mime, _ := vals[1].(string)
	return []byte(data), mime, true
}

func (c *RedisCache) Put(ctx context.Context, requestID string, data []byte, mime string) {
	key := c.key(requestID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "mime", mime)
	pipe.Expire(ctx, key, c.ttl)
	// Cache writes are best effort; the instance row remains authoritative.
	_, _ = pipe.Exec(ctx)
}
