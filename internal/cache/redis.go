package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisCache implements Cache on a single redis instance. Keys expire
// server-side after ttl plus retention.
type RedisCache struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisCache(opts RedisOptions, retention time.Duration) *RedisCache {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	return &RedisCache{client: client, retention: retention, now: time.Now}
}

func (c *RedisCache) load(ctx context.Context, key string) (entry, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry{}, false, nil
		}
		return entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.DayForecast, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || !e.fresh(c.now()) {
		return models.DayForecast{}, false, err
	}
	return e.Value, true, nil
}

func (c *RedisCache) GetStale(ctx context.Context, key string, maxAge time.Duration) (models.DayForecast, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().Sub(e.StoredAt) > maxAge {
		return models.DayForecast{}, false, err
	}
	return e.Value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value models.DayForecast, ttl time.Duration) error {
	raw, err := encodeEntry(newEntry(value, c.now(), ttl))
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+key, raw, ttl+c.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks if redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
