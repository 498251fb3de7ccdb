package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dumontcloud/control-plane/internal/config"
	"github.com/go-redis/redis/v8"
)

// Cache wraps the Redis client used for idle/activity counters (the
// Serverless Scheduler's scale-down bookkeeping) and short-lived
// per-instance wake locks. Mirrors the teacher's pkg/cache.Cache.
type Cache struct {
	Client *redis.Client
}

// NewCache dials Redis and verifies connectivity.
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return &Cache{Client: client}, nil
}

func (c *Cache) Close() error { return c.Client.Close() }

func (c *Cache) Health(ctx context.Context) error { return c.Client.Ping(ctx).Err() }

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Client.Set(ctx, key, value, expiration).Err()
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

// GetInt64 reads key and parses it as an integer, returning 0 on a missing
// key rather than an error, since a never-incremented counter is simply 0.
func (c *Cache) GetInt64(ctx context.Context, key string) (int64, error) {
	v, err := c.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.Client.Incr(ctx, key).Result()
}

func (c *Cache) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return c.Client.IncrBy(ctx, key, value).Result()
}

func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, key, expiration).Err()
}

func (c *Cache) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.Client.Exists(ctx, keys...).Result()
}

// SetNX acquires a short-lived distributed marker, used as a secondary
// (cross-process) guard around Wake in addition to the in-process keyed
// mutex in internal/lockmap.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}
