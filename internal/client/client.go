package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oneday-weather/internal/circuitbreaker"
	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
)

// ForecastClient fetches a single day of hourly forecast for a query
// (a place name or "lat,lon").
type ForecastClient interface {
	GetDayForecast(ctx context.Context, query string) (models.RawForecast, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// validationQuery is a location that always resolves, used to probe the key.
const validationQuery = "London"

// maxBodyBytes caps the forecast body; a one-day forecast is well under this.
const maxBodyBytes = 2 << 20

// WeatherAPIClient talks to the WeatherAPI.com forecast endpoint.
type WeatherAPIClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewWeatherAPIClient(apiKey, apiURL string, timeout time.Duration) (*WeatherAPIClient, error) {
	return NewWeatherAPIClientWithRetry(apiKey, apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewWeatherAPIClientWithRetry builds a client with explicit retry settings.
// retryAttempts counts the first call, so 1 disables retries.
func NewWeatherAPIClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*WeatherAPIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &WeatherAPIClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every upstream attempt through cb. Nil disables it.
func (c *WeatherAPIClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// GetDayForecast returns today's hourly forecast for query. Retryable errors
// (rate limits, 5xx, timeouts) are retried with exponential backoff.
func (c *WeatherAPIClient) GetDayForecast(ctx context.Context, query string) (models.RawForecast, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			if logger := observability.LoggerFromContext(ctx); logger != nil {
				logger.Debug("retrying forecast request",
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay),
					zap.Error(lastErr),
				)
			}
			select {
			case <-ctx.Done():
				return models.RawForecast{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.guardedCall(ctx, query)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return models.RawForecast{}, err
		}
	}

	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return models.RawForecast{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// guardedCall runs one attempt through the circuit breaker when configured.
// Client-side outcomes (unknown location, bad key, malformed body) are not
// upstream health problems and do not count against the breaker.
func (c *WeatherAPIClient) guardedCall(ctx context.Context, query string) (models.RawForecast, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, query)
	}

	var result models.RawForecast
	var callErr error
	err := c.breaker.Call(ctx, func() error {
		result, callErr = c.callAPI(ctx, query)
		if callErr != nil && countsAgainstBreaker(callErr) {
			return callErr
		}
		return nil
	})
	if err != nil {
		return models.RawForecast{}, err
	}
	return result, callErr
}

func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, ErrLocationNotFound) &&
		!errors.Is(err, ErrInvalidAPIKey) &&
		!errors.Is(err, ErrMalformedPayload)
}

func (c *WeatherAPIClient) callAPI(ctx context.Context, query string) (models.RawForecast, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, query)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.RawForecast{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.RawForecast{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.RawForecast{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := classifyResponse(resp.StatusCode, body); err != nil {
		return models.RawForecast{}, err
	}
	if readErr != nil {
		return models.RawForecast{}, fmt.Errorf("read response body: %w", readErr)
	}

	var apiResp forecastResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.RawForecast{}, fmt.Errorf("%w: parse response: %v", ErrMalformedPayload, err)
	}

	return mapForecast(apiResp)
}

func (c *WeatherAPIClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "http request failed")
}

func (c *WeatherAPIClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *WeatherAPIClient) buildRequest(ctx context.Context, query string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("q", query)
	params.Set("days", "1")
	params.Set("aqi", "no")
	params.Set("alerts", "no")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

// classifyResponse maps a non-2xx status (and WeatherAPI error code, when the
// body carries one) to a sentinel error.
func classifyResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	code, msg := apiErr.Error.Code, apiErr.Error.Message

	switch {
	case statusCode == http.StatusTooManyRequests, code == apiCodeQuotaExceeded:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, statusCode)
	case statusCode == http.StatusUnauthorized, code == apiCodeKeyInvalid, code == apiCodeKeyDisabled:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, msg)
	case code == apiCodeLocationNotFound, statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLocationNotFound, msg)
	case statusCode == http.StatusBadRequest:
		// Other 400s are about the query string the user supplied.
		return fmt.Errorf("%w: code %d: %s", ErrLocationNotFound, code, msg)
	case statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, msg)
	}

	return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues one forecast request for a known location and reports
// whether the key is accepted. It bypasses retries and the circuit breaker.
func (c *WeatherAPIClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, validationQuery)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := classifyResponse(resp.StatusCode, body); err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}
