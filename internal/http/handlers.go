package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/oneday-weather/internal/client"
	"github.com/kjstillabower/oneday-weather/internal/lifecycle"
	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
	"github.com/kjstillabower/oneday-weather/internal/service"
	"github.com/kjstillabower/oneday-weather/internal/traffic"
	"github.com/kjstillabower/oneday-weather/internal/validation"
)

const serviceName = "oneday-weather"

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "dev"

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	ReadyDelay           time.Duration
	// CachePing, when set, checks the remote cache backend.
	CachePing func(ctx context.Context) error
}

// RequestConfig bounds named-location input.
type RequestConfig struct {
	LocationMinLength int
	LocationMaxLength int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecastService  *service.ForecastService
	client           client.ForecastClient
	healthConfig     *HealthConfig
	requestConfig    RequestConfig
	logger           *zap.Logger
	now              func() time.Time
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil, in which case
// /health only checks shutdown and the API key.
func NewHandler(
	forecastService *service.ForecastService,
	c client.ForecastClient,
	healthConfig *HealthConfig,
	requestConfig RequestConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecastService: forecastService,
		client:          c,
		healthConfig:    healthConfig,
		requestConfig:   requestConfig,
		logger:          logger,
		now:             time.Now,
	}
}

// GetForecastByCoordinates handles GET /weather?lat=..&lon=..[&hour=..].
func (h *Handler) GetForecastByCoordinates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lon, err := validation.ValidateCoordinates(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	h.serveForecast(w, r, service.CoordinatesQuery(lat, lon))
}

// GetForecastByLocation handles GET /weather/{location}[?hour=..].
func (h *Handler) GetForecastByLocation(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], h.requestConfig.LocationMinLength, h.requestConfig.LocationMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	h.serveForecast(w, r, location)
}

func (h *Handler) serveForecast(w http.ResponseWriter, r *http.Request, query string) {
	hour, explicit, err := validation.ValidateHour(r.URL.Query().Get("hour"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HOUR", err.Error())
		return
	}

	forecast, err := h.forecastService.GetForecast(r.Context(), query)
	if err != nil {
		h.writeForecastError(w, r, query, err)
		return
	}
	traffic.RecordSuccess()

	if !explicit {
		hour = h.currentHour(forecast)
	}
	writeResponse(w, r, http.StatusOK, newForecastResponse(forecast, hour))
}

func (h *Handler) currentHour(f models.DayForecast) int {
	return locationHour(f, h.now())
}

// writeForecastError maps service errors onto the envelope. An unknown
// location is the caller's problem and does not count toward degraded.
func (h *Handler) writeForecastError(w http.ResponseWriter, r *http.Request, query string, err error) {
	logger := observability.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	switch {
	case errors.Is(err, service.ErrEmptyQuery):
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "location is required")
	case errors.Is(err, client.ErrLocationNotFound):
		traffic.RecordSuccess()
		logger.Debug("location not found", zap.String("query", query))
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "No forecast for that location")
	default:
		traffic.RecordError()
		logger.Warn("forecast unavailable",
			zap.String("query", query),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast")
	}
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

type healthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	switch result.reason {
	case "api_key_invalid", "error_rate_breach":
		checks["weatherApi"] = "unhealthy"
	case "upstream_unreachable":
		checks["weatherApi"] = "unreachable"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.healthConfig.CachePing(r.Context()); err != nil {
			checks["cache"] = "unhealthy"
			h.logger.Debug("cache ping failed", zap.Error(err))
		}
	}

	now := h.now()
	writeJSON(w, result.statusCode, healthResponse{
		Status:    result.status,
		Service:   serviceName,
		Version:   Version,
		Uptime:    lifecycle.Uptime(now).Truncate(time.Second).String(),
		Checks:    checks,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > API key invalid or upstream unreachable >
// overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && !lifecycle.IsReady(h.now(), h.healthConfig.ReadyDelay) {
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if err := h.client.ValidateAPIKey(ctx); err != nil {
		if errors.Is(err, client.ErrInvalidAPIKey) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unreachable"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	cfg := h.healthConfig
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}
