//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

// backendsUnderTest returns the remote caches reachable in this environment.
func backendsUnderTest(t *testing.T) map[string]Cache {
	t.Helper()
	out := map[string]Cache{}
	ctx := context.Background()

	memAddr := os.Getenv("MEMCACHED_ADDRS")
	if memAddr == "" {
		memAddr = "localhost:11211"
	}
	mc, _ := NewMemcachedCache(memAddr, 500*time.Millisecond, 2, time.Minute)
	if mc.Ping(ctx) == nil {
		out["memcached"] = mc
		t.Cleanup(func() { _ = mc.Close() })
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := NewRedisCache(RedisOptions{Addr: redisAddr}, time.Minute)
	if rc.Ping(ctx) == nil {
		out["redis"] = rc
		t.Cleanup(func() { _ = rc.Close() })
	}

	if len(out) == 0 {
		t.Skip("no memcached or redis reachable, skipping integration test")
	}
	return out
}

func TestRemoteCache_SetGetStale_Integration(t *testing.T) {
	for name, c := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "integration test " + name
			val := sampleForecast(key)

			if err := c.Set(ctx, key, val, time.Second); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, ok, err := c.Get(ctx, key)
			if err != nil || !ok {
				t.Fatalf("Get() = _, %v, %v; want hit", ok, err)
			}
			if len(got.Groups) != len(val.Groups) {
				t.Errorf("Get() groups = %d, want %d", len(got.Groups), len(val.Groups))
			}

			time.Sleep(1100 * time.Millisecond)
			if _, ok, _ := c.Get(ctx, key); ok {
				t.Error("Get() hit after TTL, want miss")
			}
			if _, ok, err := c.GetStale(ctx, key, time.Minute); err != nil || !ok {
				t.Errorf("GetStale() = _, %v, %v; want stale hit", ok, err)
			}
		})
	}
}
