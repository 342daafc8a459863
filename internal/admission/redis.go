package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a Counter backed by a shared Redis instance, for
// deployments running more than one service instance. INCR plus a
// first-writer EXPIRE gives a fixed window identical to the in-memory
// counter's, but shared across processes.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a counter using the given client. Keys are
// namespaced under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "intake:rate"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := c.prefix + ":" + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	pttl := pipe.PTTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis counter incr: %w", err)
	}

	resetIn := pttl.Val()
	if resetIn < 0 {
		resetIn = window
	}
	return incr.Val(), resetIn, nil
}
