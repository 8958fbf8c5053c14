package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

// Cache stores grouped day forecasts by query key.
// Get returns only fresh entries. GetStale returns an entry that has expired
// but is still retained, as long as it was stored no more than maxAge ago.
type Cache interface {
	Get(ctx context.Context, key string) (models.DayForecast, bool, error)
	GetStale(ctx context.Context, key string, maxAge time.Duration) (models.DayForecast, bool, error)
	Set(ctx context.Context, key string, value models.DayForecast, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Entries stay
// readable through GetStale for retention after they expire, then are
// dropped on the next access.
type InMemoryCache struct {
	mu        sync.Mutex
	data      map[string]entry
	retention time.Duration
	now       func() time.Time
}

// NewInMemoryCache creates an in-memory cache that keeps expired entries for
// retention (0 disables stale reads).
func NewInMemoryCache(retention time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:      make(map[string]entry),
		retention: retention,
		now:       time.Now,
	}
}

// Get returns (value, true, nil) on a fresh hit and (zero, false, nil) otherwise.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.DayForecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookupLocked(key)
	if !ok || !e.fresh(c.now()) {
		return models.DayForecast{}, false, nil
	}
	return e.Value, true, nil
}

func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxAge time.Duration) (models.DayForecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookupLocked(key)
	if !ok || c.now().Sub(e.StoredAt) > maxAge {
		return models.DayForecast{}, false, nil
	}
	return e.Value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value models.DayForecast, ttl time.Duration) error {
	now := c.now()
	c.mu.Lock()
	c.data[key] = newEntry(value, now, ttl)
	c.mu.Unlock()
	return nil
}

// Len returns the number of retained entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// lookupLocked returns the entry for key, deleting it when it is past retention.
func (c *InMemoryCache) lookupLocked(key string) (entry, bool) {
	e, ok := c.data[key]
	if !ok {
		return entry{}, false
	}
	if c.now().After(e.ExpiresAt.Add(c.retention)) {
		delete(c.data, key)
		return entry{}, false
	}
	return e, true
}
