package cache

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

const keyPrefix = "forecast:"

// maxRelativeExp is the largest expiration memcached treats as relative.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client    *memcache.Client
	retention time.Duration
	now       func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use client defaults when zero. retention is how long entries outlive their
// TTL for stale reads.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, retention: retention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key escapes k so place names with spaces are legal memcached keys.
func (c *MemcachedCache) key(k string) string {
	return keyPrefix + url.QueryEscape(k)
}

func (c *MemcachedCache) load(ctx context.Context, key string) (entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return entry{}, false, err
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return entry{}, false, nil
		}
		return entry{}, false, err
	}
	e, err := decodeEntry(item.Value)
	if err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.DayForecast, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || !e.fresh(c.now()) {
		return models.DayForecast{}, false, err
	}
	return e.Value, true, nil
}

func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxAge time.Duration) (models.DayForecast, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().Sub(e.StoredAt) > maxAge {
		return models.DayForecast{}, false, err
	}
	return e.Value, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value models.DayForecast, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeEntry(newEntry(value, c.now(), ttl))
	if err != nil {
		return err
	}
	expSec := int32((ttl + c.retention).Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
