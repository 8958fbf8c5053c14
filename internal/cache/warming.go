package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
)

// ForecastFetcher is implemented by the service layer. Fetching through it
// populates the cache, so CacheWarmer never writes entries itself.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, query string) (models.DayForecast, error)
}

// CacheWarmer prefetches forecasts for a fixed list of locations.
type CacheWarmer struct {
	fetcher ForecastFetcher
	logger  *zap.Logger
}

func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every location concurrently. It returns the joined errors of
// the locations that failed, or nil.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, loc := range locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.GetForecast(ctx, loc); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Schedule runs Warm immediately and then every interval on a gocron
// scheduler. A run that is still going when the next is due is skipped.
// Each run gets its own context bounded by interval. Callers stop the
// returned scheduler during shutdown.
func (w *CacheWarmer) Schedule(locations []string, interval time.Duration) (*gocron.Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("schedule cache warming: interval must be positive, got %s", interval)
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := w.Warm(ctx, locations); err != nil {
			w.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cache warming: %w", err)
	}

	s.StartAsync()
	return s, nil
}
