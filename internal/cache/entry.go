package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

// entry wraps a cached forecast with its freshness window. Remote backends
// store it msgpack-encoded and rely on server-side expiry for retention.
type entry struct {
	Value     models.DayForecast `msgpack:"v"`
	StoredAt  time.Time          `msgpack:"s"`
	ExpiresAt time.Time          `msgpack:"e"`
}

func newEntry(value models.DayForecast, now time.Time, ttl time.Duration) entry {
	return entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
}

func (e entry) fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

func encodeEntry(e entry) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (entry, error) {
	var e entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, nil
}
