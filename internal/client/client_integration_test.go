//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

const liveForecastURL = "https://api.weatherapi.com/v1/forecast.json"

func liveClient(t *testing.T) *WeatherAPIClient {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	c, err := NewWeatherAPIClient(apiKey, liveForecastURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewWeatherAPIClient() error = %v", err)
	}
	return c
}

func TestWeatherAPIClient_ValidateAPIKey_Integration(t *testing.T) {
	if err := liveClient(t).ValidateAPIKey(context.Background()); err != nil {
		t.Errorf("ValidateAPIKey() error = %v, want nil (API key may not be activated yet)", err)
	}
}

func TestWeatherAPIClient_GetDayForecast_Integration(t *testing.T) {
	got, err := liveClient(t).GetDayForecast(context.Background(), "51.51,-0.13")
	if err != nil {
		t.Fatalf("GetDayForecast() error = %v", err)
	}
	if got.Location == "" || got.TimeZone == "" {
		t.Errorf("GetDayForecast() missing location fields: %+v", got)
	}
	if len(got.Hours) != 24 || got.Hours[0].Hour != 0 {
		t.Errorf("GetDayForecast() returned %d hours starting at %d, want 24 from 0", len(got.Hours), got.Hours[0].Hour)
	}
}
