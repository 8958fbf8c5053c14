package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/oneday-weather/internal/circuitbreaker"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"invalid API key", ErrInvalidAPIKey, ErrorCategoryInvalidAPIKey},
		{"wrapped invalid API key", fmt.Errorf("auth: %w", ErrInvalidAPIKey), ErrorCategoryInvalidAPIKey},
		{"location not found", ErrLocationNotFound, ErrorCategoryLocationNotFound},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"upstream failure", ErrUpstreamFailure, ErrorCategoryUpstream5xx},
		{"exhausted retries", fmt.Errorf("exhausted retries: %w", ErrUpstreamFailure), ErrorCategoryUpstream5xx},
		{"malformed payload", fmt.Errorf("%w: empty hour list", ErrMalformedPayload), ErrorCategoryParsing},
		{"circuit open", fmt.Errorf("%w: weather_api", circuitbreaker.ErrOpen), ErrorCategoryCircuitOpen},
		{"timeout in message", fmt.Errorf("request timeout: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{"network in message", errors.New("connection refused"), ErrorCategoryNetwork},
		{"parse in message", errors.New("parse response: invalid json"), ErrorCategoryParsing},
		{"validation in message", errors.New("invalid location"), ErrorCategoryValidation},
		{"cache in message", errors.New("cache get failed"), ErrorCategoryCache},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}
