package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oneday-weather/internal/cache"
	"github.com/kjstillabower/oneday-weather/internal/client"
	"github.com/kjstillabower/oneday-weather/internal/grouping"
	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
)

// ErrEmptyQuery is returned for a query that normalizes to nothing.
var ErrEmptyQuery = errors.New("empty location query")

// Options configures a ForecastService.
type Options struct {
	TTL time.Duration
	// StaleTTL is how long past TTL an entry may still be served when the
	// upstream fails. Zero disables stale fallback.
	StaleTTL        time.Duration
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
	Grouper         grouping.Grouper
}

// ForecastService serves grouped day forecasts cache-aside over the upstream client.
type ForecastService struct {
	client          client.ForecastClient
	cache           cache.Cache
	ttl             time.Duration
	staleTTL        time.Duration
	grouper         grouping.Grouper
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer[models.DayForecast] // nil when disabled
	now             func() time.Time
}

func NewForecastService(c client.ForecastClient, fc cache.Cache, opts Options) *ForecastService {
	var coalescer *requestCoalescer[models.DayForecast]
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer[models.DayForecast](opts.CoalesceTimeout)
	}
	g := opts.Grouper
	if g.SpreadThreshold <= 0 {
		g.SpreadThreshold = grouping.DefaultSpreadThreshold
	}
	return &ForecastService{
		client:          c,
		cache:           fc,
		ttl:             opts.TTL,
		staleTTL:        opts.StaleTTL,
		grouper:         g,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
		now:             time.Now,
	}
}

// GetForecast returns the grouped forecast for query. A fresh cache entry is
// returned as is. On a miss the upstream is fetched (once per key across
// concurrent callers when coalescing is on), grouped, and cached. When the
// upstream fails, a retained entry no older than TTL+StaleTTL is returned
// with Stale set.
func (s *ForecastService) GetForecast(ctx context.Context, query string) (models.DayForecast, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return models.DayForecast{}, ErrEmptyQuery
	}
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	if logger == nil {
		logger = zap.NewNop()
	}
	observability.RecordForecastQuery(key)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("query", key), zap.Error(err))
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("forecast").Inc()
		logger.Debug("forecast served", zap.String("query", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return cached, nil
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(getDuration)
		observability.CacheMissesTotal.WithLabelValues("forecast").Inc()
	}

	concurrentMisses, missDone := s.stampedeTracker.begin(key)
	defer missDone()
	locLabel := observability.MetricLocationLabel(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	logger.Debug("cache miss, fetching upstream", zap.String("query", key))

	var forecast models.DayForecast
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		var shared bool
		forecast, shared, upstreamErr = s.coalescer.GetOrDo(ctx, key, func(fetchCtx context.Context) (models.DayForecast, error) {
			return s.fetchAndStore(fetchCtx, key)
		})
		if shared && upstreamErr == nil {
			observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
		}
	} else {
		forecast, upstreamErr = s.fetchAndStore(ctx, key)
	}

	if upstreamErr != nil {
		if stale, ok := s.staleFallback(ctx, key, upstreamErr, logger); ok {
			return stale, nil
		}
		return models.DayForecast{}, fmt.Errorf("fetch forecast for %s: %w", key, upstreamErr)
	}

	logger.Debug("forecast served",
		zap.String("query", key),
		zap.Bool("cached", false),
		zap.Int("groups", len(forecast.Groups)),
		zap.Duration("duration", time.Since(start)),
	)
	return forecast, nil
}

// fetchAndStore fetches one day upstream, groups it, and writes it to the
// cache. A failed cache write is logged but does not fail the request.
func (s *ForecastService) fetchAndStore(ctx context.Context, key string) (models.DayForecast, error) {
	raw, err := s.client.GetDayForecast(ctx, key)
	if err != nil {
		return models.DayForecast{}, err
	}

	groups := s.grouper.Group(raw.Hours)
	observability.ForecastGroupsPerDay.Observe(float64(len(groups)))

	forecast := models.DayForecast{
		Query:     key,
		Location:  raw.Location,
		Date:      raw.Date,
		TimeZone:  raw.TimeZone,
		LocalTime: raw.LocalTime,
		Groups:    groups,
		FetchedAt: s.now(),
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, forecast, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger := observability.LoggerFromContext(ctx); logger != nil {
			logger.Warn("cache set failed", zap.String("query", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return forecast, nil
}

// staleFallback looks up a retained entry after an upstream failure. Unknown
// locations never fall back: the upstream answered, and the answer is "no".
func (s *ForecastService) staleFallback(ctx context.Context, key string, upstreamErr error, logger *zap.Logger) (models.DayForecast, bool) {
	if s.staleTTL <= 0 || errors.Is(upstreamErr, client.ErrLocationNotFound) {
		return models.DayForecast{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key, s.ttl+s.staleTTL)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get_stale", categorizeCacheError(err)).Inc()
		return models.DayForecast{}, false
	}
	if !ok {
		return models.DayForecast{}, false
	}

	age := s.now().Sub(stale.FetchedAt)
	observability.StaleCacheServesTotal.WithLabelValues(observability.MetricLocationLabel(key)).Inc()
	observability.StaleCacheAgeSeconds.Observe(age.Seconds())
	logger.Info("serving stale forecast",
		zap.String("query", key),
		zap.Duration("age", age),
		zap.Error(upstreamErr),
	)
	stale.Stale = true
	return stale, true
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"):
		return "connection"
	case strings.Contains(errStr, "decode"), strings.Contains(errStr, "encode"):
		return "codec"
	}
	return "unknown"
}
