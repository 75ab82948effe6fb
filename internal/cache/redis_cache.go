package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokoledger/backend/internal/domain"
)

const (
	statsKeyPrefix     = "pos:stats:"
	statsGenerationKey = "pos:stats:generation"
)

// RedisStatsCache namespaces entries under a generation counter. Invalidate
// bumps the counter so older entries become unreachable and age out by TTL.
type RedisStatsCache struct {
	client *redis.Client
}

func NewRedisStatsCache(addr string, password string, db int) *RedisStatsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStatsCache{client: client}
}

func (c *RedisStatsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatsCache) Close() error {
	return c.client.Close()
}

// Version returns the current generation. Entries written under an older
// generation are unreachable once Invalidate has bumped it.
func (c *RedisStatsCache) Version(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, statsGenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func namespaced(version int64, key string) string {
	return fmt.Sprintf("%s%d:%s", statsKeyPrefix, version, key)
}

func (c *RedisStatsCache) Get(ctx context.Context, version int64, key string) (*domain.SalesStats, bool, error) {
	val, err := c.client.Get(ctx, namespaced(version, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stats domain.SalesStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		return nil, false, err
	}
	return &stats, true, nil
}

// Set writes under the caller's generation, never the current one, so a
// rollup computed before an invalidation lands in a dead namespace.
func (c *RedisStatsCache) Set(ctx context.Context, version int64, key string, value *domain.SalesStats, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	current, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if current != version {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, namespaced(version, key), payload, ttl).Err()
}

func (c *RedisStatsCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, statsGenerationKey).Err()
}
