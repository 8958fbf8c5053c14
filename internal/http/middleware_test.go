package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/oneday-weather/internal/observability"
	"github.com/kjstillabower/oneday-weather/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesAndEchoes(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
		if observability.LoggerFromContext(r.Context()) == nil {
			t.Error("request logger missing from context")
		}
	})

	w := serve(t, router, "/x")
	got := w.Header().Get("X-Correlation-ID")
	if got == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if seen != got {
		t.Errorf("context id = %q, header id = %q", seen, got)
	}
}

func TestCorrelationIDMiddleware_ReusesIncoming(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "abc-1" {
		t.Errorf("X-Correlation-ID = %q, want abc-1", got)
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte("ok"))
	})

	done := make(chan struct{})
	go func() {
		serve(t, router, "/slow")
		close(done)
	}()

	<-entered
	if got := InFlightCount(); got < 1 {
		t.Errorf("InFlightCount() = %d during request, want >= 1", got)
	}
	close(release)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() = %v, want nil after request finished", err)
	}
}

func TestResponseRecorder_CountsBytesAndStatus(t *testing.T) {
	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusNotFound)
	_, _ = rec.Write([]byte("hello"))
	_, _ = rec.Write([]byte(" world"))

	if rec.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want 404", rec.statusCode)
	}
	if rec.bytes != 11 {
		t.Errorf("bytes = %d, want 11", rec.bytes)
	}
}

func TestGetRoute(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/weather", "/weather"},
		{"/weather/London", "/weather/{location}"},
		{"/weather/New%20York", "/weather/{location}"},
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/favicon.ico", "other"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if got := getRoute(req); got != tt.want {
			t.Errorf("getRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 404: "4xx", 429: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTimeoutMiddleware_UpstreamTimeoutIs503(t *testing.T) {
	c := &mockForecastClient{raw: londonDay(), block: make(chan struct{})}
	defer close(c.block)
	h := newTestHandler(c, nil, nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/weather/{location}", h.GetForecastByLocation)

	assertErrorEnvelope(t, serve(t, router, "/weather/Seattle"), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE")
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	c := &mockForecastClient{raw: londonDay()}
	h := newTestHandler(c, nil, nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(rate.NewLimiter(1, 2)))
	router.HandleFunc("/weather/{location}", h.GetForecastByLocation)

	for i := 0; i < 2; i++ {
		if w := serve(t, router, "/weather/London"); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
	}
	resp := assertErrorEnvelope(t, serve(t, router, "/weather/London"), http.StatusTooManyRequests, "RATE_LIMITED")
	if resp.Error.RequestID == "" {
		t.Error("requestId empty on 429")
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	if w := serve(t, router, "/x"); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestMiddleware_MetricsEndpoint(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Handle("/metrics", observability.MetricsHandler())

	if w := serve(t, router, "/metrics"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSubrouter_WeatherRoutesWithTimeoutAndRateLimit(t *testing.T) {
	c := &mockForecastClient{raw: londonDay()}
	h := newTestHandler(c, nil, nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(rate.NewLimiter(10, 10)))
	weatherRouter.Use(TimeoutMiddleware(5 * time.Second))
	weatherRouter.HandleFunc("", h.GetForecastByCoordinates).Methods("GET")
	weatherRouter.HandleFunc("/{location}", h.GetForecastByLocation).Methods("GET")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")

	for _, path := range []string{"/weather?lat=51.5&lon=-0.12", "/weather/London"} {
		w := serve(t, router, path)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
			continue
		}
		var resp forecastResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if len(resp.Groups) == 0 {
			t.Errorf("%s: no groups", path)
		}
	}
}
