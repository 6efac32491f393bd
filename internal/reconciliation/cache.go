package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletrecon/internal/cache"
)

const reportCachePrefix = "reconciliation:report:v1:"

// Cache stores finished reports of closed dates.
type Cache interface {
	Get(ctx context.Context, date string) (Report, bool, error)
	Set(ctx context.Context, report Report) error
}

// RedisCache keeps reports as JSON in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed report cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, date string) (Report, bool, error) {
	raw, err := c.client.Get(ctx, reportCachePrefix+date).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, fmt.Errorf("read cached report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, false, fmt.Errorf("decode cached report: %w", err)
	}
	return report, true, nil
}

func (c *RedisCache) Set(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := c.client.Set(ctx, reportCachePrefix+report.Date, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	return nil
}

// MemoryCache keeps reports in process memory.
type MemoryCache struct {
	items *cache.InMemory[Report]
}

// NewMemoryCache creates an in-memory report cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{items: cache.New[Report](ttl)}
}

func (c *MemoryCache) Get(_ context.Context, date string) (Report, bool, error) {
	report, ok := c.items.Get(date)
	return report, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, report Report) error {
	c.items.Set(report.Date, report)
	return nil
}

// Close stops background eviction.
func (c *MemoryCache) Close() {
	c.items.Close()
}
