package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/oneday-weather/internal/cache"
	"github.com/kjstillabower/oneday-weather/internal/client"
	"github.com/kjstillabower/oneday-weather/internal/grouping"
	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
)

type mockForecastClient struct {
	mu      sync.Mutex
	raw     models.RawForecast
	err     error
	delay   time.Duration
	calls   int32
	queries []string
}

func (m *mockForecastClient) GetDayForecast(ctx context.Context, query string) (models.RawForecast, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.queries = append(m.queries, query)
	raw, err := m.raw, m.err
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return raw, err
}

func (m *mockForecastClient) ValidateAPIKey(ctx context.Context) error { return nil }

func (m *mockForecastClient) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// failingCache wraps a cache and fails the configured operations.
type failingCache struct {
	cache.Cache
	getErr error
	setErr error
}

func (f *failingCache) Get(ctx context.Context, key string) (models.DayForecast, bool, error) {
	if f.getErr != nil {
		return models.DayForecast{}, false, f.getErr
	}
	return f.Cache.Get(ctx, key)
}

func (f *failingCache) Set(ctx context.Context, key string, v models.DayForecast, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Cache.Set(ctx, key, v, ttl)
}

func hours(temps []float64, conds []string) []models.HourlySample {
	out := make([]models.HourlySample, len(temps))
	for i := range temps {
		out[i] = models.HourlySample{Hour: i, TemperatureC: temps[i], Condition: conds[i], IconRef: "//icons/" + conds[i]}
	}
	return out
}

func londonRaw() models.RawForecast {
	return models.RawForecast{
		Location:  "London",
		TimeZone:  "Europe/London",
		LocalTime: "2024-05-01 13:05",
		Date:      "2024-05-01",
		Hours:     hours([]float64{10, 12, 14, 14}, []string{"Sunny", "Sunny", "Sunny", "Rain"}),
	}
}

func newTestService(c client.ForecastClient, fc cache.Cache, opts Options) *ForecastService {
	if opts.TTL == 0 {
		opts.TTL = 5 * time.Minute
	}
	return NewForecastService(c, fc, opts)
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" London ", "london"},
		{"new   York", "new york"},
		{"SeAtTlE", "seattle"},
		{"51.51,-0.13", "51.51,-0.13"},
		{"  \t ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForecastService_GetForecast_MissGroupsAndCaches(t *testing.T) {
	mc := &mockForecastClient{raw: londonRaw()}
	fc := cache.NewInMemoryCache(0)
	svc := newTestService(mc, fc, Options{})

	got, err := svc.GetForecast(context.Background(), " London ")
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if got.Query != "london" || got.Location != "London" || got.TimeZone != "Europe/London" {
		t.Errorf("GetForecast() metadata = %+v", got)
	}
	want := []models.WeatherGroup{
		{StartHour: 0, EndHour: 3, MinTempC: 10, MaxTempC: 14, Condition: "sunny", IconRef: "//icons/Sunny"},
		{StartHour: 3, EndHour: 4, MinTempC: 14, MaxTempC: 14, Condition: "rain", IconRef: "//icons/Rain"},
	}
	if fmt.Sprint(got.Groups) != fmt.Sprint(want) {
		t.Errorf("Groups = %+v, want %+v", got.Groups, want)
	}
	if mc.queries[0] != "london" {
		t.Errorf("upstream query = %q, want normalized london", mc.queries[0])
	}

	if _, ok, _ := fc.Get(context.Background(), "london"); !ok {
		t.Error("forecast not cached after miss")
	}
	if _, err := svc.GetForecast(context.Background(), "LONDON"); err != nil {
		t.Fatalf("second GetForecast() error = %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (second call should hit cache)", mc.calls)
	}
}

func TestForecastService_GetForecast_EmptyQuery(t *testing.T) {
	mc := &mockForecastClient{}
	svc := newTestService(mc, cache.NewInMemoryCache(0), Options{})
	if _, err := svc.GetForecast(context.Background(), "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("GetForecast() error = %v, want ErrEmptyQuery", err)
	}
	if mc.calls != 0 {
		t.Errorf("upstream calls = %d, want 0", mc.calls)
	}
}

func TestForecastService_GetForecast_UsesConfiguredGrouper(t *testing.T) {
	raw := londonRaw()
	raw.Hours = hours([]float64{10, 12}, []string{"Sunny", "Sunny"})
	svc := newTestService(&mockForecastClient{raw: raw}, cache.NewInMemoryCache(0), Options{
		Grouper: grouping.Grouper{SpreadThreshold: 1},
	})

	got, err := svc.GetForecast(context.Background(), "london")
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if len(got.Groups) != 2 {
		t.Errorf("len(Groups) = %d, want 2 with a 1 degree threshold", len(got.Groups))
	}
}

func TestForecastService_GetForecast_UpstreamError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"not found", fmt.Errorf("lookup: %w", client.ErrLocationNotFound), client.ErrLocationNotFound},
		{"upstream failure", fmt.Errorf("exhausted retries: %w", client.ErrUpstreamFailure), client.ErrUpstreamFailure},
		{"malformed", fmt.Errorf("%w: empty hour list", client.ErrMalformedPayload), client.ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := cache.NewInMemoryCache(0)
			svc := newTestService(&mockForecastClient{err: tt.err}, fc, Options{})
			_, err := svc.GetForecast(context.Background(), "london")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetForecast() error = %v, want %v", err, tt.wantErr)
			}
			if _, ok, _ := fc.Get(context.Background(), "london"); ok {
				t.Error("failed fetch was cached")
			}
		})
	}
}

func TestForecastService_GetForecast_StaleFallback(t *testing.T) {
	mc := &mockForecastClient{raw: londonRaw()}
	fc := cache.NewInMemoryCache(time.Hour)
	svc := newTestService(mc, fc, Options{TTL: time.Millisecond, StaleTTL: time.Hour})

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	fresh, err := svc.GetForecast(ctx, "london")
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if fresh.Stale {
		t.Error("fresh forecast marked stale")
	}

	time.Sleep(5 * time.Millisecond)
	mc.setErr(client.ErrUpstreamFailure)

	got, err := svc.GetForecast(ctx, "london")
	if err != nil {
		t.Fatalf("GetForecast() with stale entry error = %v", err)
	}
	if !got.Stale {
		t.Error("Stale = false, want true")
	}
	if len(got.Groups) != len(fresh.Groups) {
		t.Errorf("stale groups = %d, want %d", len(got.Groups), len(fresh.Groups))
	}
	if logs.FilterMessage("serving stale forecast").Len() != 1 {
		t.Error("stale serve not logged")
	}
}

func TestForecastService_GetForecast_NoStaleForUnknownLocation(t *testing.T) {
	mc := &mockForecastClient{raw: londonRaw()}
	fc := cache.NewInMemoryCache(time.Hour)
	svc := newTestService(mc, fc, Options{TTL: time.Millisecond, StaleTTL: time.Hour})

	if _, err := svc.GetForecast(context.Background(), "london"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	mc.setErr(client.ErrLocationNotFound)

	if _, err := svc.GetForecast(context.Background(), "london"); !errors.Is(err, client.ErrLocationNotFound) {
		t.Errorf("GetForecast() error = %v, want ErrLocationNotFound", err)
	}
}

func TestForecastService_GetForecast_StaleDisabled(t *testing.T) {
	mc := &mockForecastClient{raw: londonRaw()}
	svc := newTestService(mc, cache.NewInMemoryCache(time.Hour), Options{TTL: time.Millisecond})

	if _, err := svc.GetForecast(context.Background(), "london"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	mc.setErr(client.ErrUpstreamFailure)

	if _, err := svc.GetForecast(context.Background(), "london"); !errors.Is(err, client.ErrUpstreamFailure) {
		t.Errorf("GetForecast() error = %v, want ErrUpstreamFailure", err)
	}
}

func TestForecastService_GetForecast_CacheErrorsDoNotFail(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	fc := &failingCache{
		Cache:  cache.NewInMemoryCache(0),
		getErr: errors.New("connection refused"),
		setErr: errors.New("connection refused"),
	}
	svc := newTestService(&mockForecastClient{raw: londonRaw()}, fc, Options{})

	got, err := svc.GetForecast(ctx, "london")
	if err != nil {
		t.Fatalf("GetForecast() error = %v, want success despite cache errors", err)
	}
	if len(got.Groups) == 0 {
		t.Error("no groups returned")
	}
	if logs.FilterMessage("cache get failed").Len() != 1 || logs.FilterMessage("cache set failed").Len() != 1 {
		t.Errorf("cache failures not logged: %v", logs.All())
	}
}

func TestForecastService_GetForecast_Coalesces(t *testing.T) {
	mc := &mockForecastClient{raw: londonRaw(), delay: 50 * time.Millisecond}
	svc := newTestService(mc, cache.NewInMemoryCache(0), Options{CoalesceEnabled: true, CoalesceTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.GetForecast(context.Background(), "london")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&mc.calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if n := svc.stampedeTracker.open("london"); n != 0 {
		t.Errorf("active misses after completion = %d, want 0", n)
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("dial tcp: connection refused"), "connection"},
		{errors.New("decode cache entry: bad"), "codec"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
