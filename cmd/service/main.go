package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/oneday-weather/internal/cache"
	"github.com/kjstillabower/oneday-weather/internal/circuitbreaker"
	"github.com/kjstillabower/oneday-weather/internal/client"
	"github.com/kjstillabower/oneday-weather/internal/config"
	"github.com/kjstillabower/oneday-weather/internal/grouping"
	httphandler "github.com/kjstillabower/oneday-weather/internal/http"
	"github.com/kjstillabower/oneday-weather/internal/lifecycle"
	"github.com/kjstillabower/oneday-weather/internal/observability"
	"github.com/kjstillabower/oneday-weather/internal/service"
)

const breakerComponent = "weather_api"

// remoteCache is a cache backend with a connection to check and release.
type remoteCache interface {
	cache.Cache
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	lifecycle.MarkStarted(time.Now())

	weatherClient, err := client.NewWeatherAPIClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(breakerComponent, float64(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge(breakerComponent, float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	forecastCache, remote, err := buildCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	forecastService := service.NewForecastService(weatherClient, forecastCache, service.Options{
		TTL:             cfg.CacheTTL,
		StaleTTL:        cfg.CacheStaleTTL,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Grouper: grouping.Grouper{
			SpreadThreshold:      cfg.SpreadThreshold,
			TruncateTemperatures: cfg.TruncateTemperatures,
		},
	})

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		ReadyDelay:           cfg.ReadyDelay,
	}
	if remote != nil {
		healthConfig.CachePing = remote.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(forecastService, weatherClient, healthConfig, httphandler.RequestConfig{
		LocationMinLength: cfg.LocationMinLength,
		LocationMaxLength: cfg.LocationMaxLength,
	}, logger)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	var scheduler *gocron.Scheduler
	if cfg.WarmingEnabled && len(cfg.WarmingLocations) > 0 {
		warmer := cache.NewCacheWarmer(forecastService, logger)
		scheduler, err = warmer.Schedule(cfg.WarmingLocations, cfg.WarmingInterval)
		if err != nil {
			logger.Fatal("cache warming", zap.Error(err))
		}
		logger.Info("cache warming scheduled",
			zap.Strings("locations", cfg.WarmingLocations),
			zap.Duration("interval", cfg.WarmingInterval))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(handler, logger, limiter, cfg.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if remote != nil {
		if err := remote.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// buildCache returns the configured backend. remote is nil for in_memory.
// Every backend retains entries for the stale window past their TTL.
func buildCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, remoteCache, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.CacheStaleTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	case config.CacheBackendRedis:
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
			PoolSize:     cfg.RedisPoolSize,
		}, cfg.CacheStaleTTL)
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return rc, rc, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(cfg.CacheStaleTTL), nil, nil
	}
}

// newRouter mounts /health and /metrics at the root and the rate-limited,
// time-bounded forecast routes under /weather.
func newRouter(handler *httphandler.Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(httphandler.RateLimitMiddleware(limiter))
	weatherRouter.Use(httphandler.TimeoutMiddleware(requestTimeout))
	weatherRouter.HandleFunc("", handler.GetForecastByCoordinates).Methods("GET")
	weatherRouter.HandleFunc("/{location}", handler.GetForecastByLocation).Methods("GET")
	return router
}
