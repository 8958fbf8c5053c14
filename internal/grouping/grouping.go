// Package grouping folds an hourly forecast into display groups: contiguous
// hour ranges that share a condition and stay within a temperature spread.
package grouping

import (
	"math"
	"strings"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

// DefaultSpreadThreshold is the largest distance, in degrees, a sample may be
// from either bound of the current group and still join it.
const DefaultSpreadThreshold = 5.0

// Grouper holds the grouping policy. The zero value is not useful; use Default
// or set SpreadThreshold explicitly.
type Grouper struct {
	SpreadThreshold float64
	// TruncateTemperatures drops the fractional part of every sample before
	// comparison and storage, matching the older integer display behaviour.
	TruncateTemperatures bool
}

// Default is the policy used by Group.
var Default = Grouper{SpreadThreshold: DefaultSpreadThreshold}

// Group runs the default policy over samples.
func Group(samples []models.HourlySample) []models.WeatherGroup {
	return Default.Group(samples)
}

// Group makes a single left-to-right pass over samples and returns the groups
// in hour order. Samples must be ordered by hour with no gaps. An empty input
// yields nil.
func (g Grouper) Group(samples []models.HourlySample) []models.WeatherGroup {
	if len(samples) == 0 {
		return nil
	}
	out := make([]models.WeatherGroup, 0, len(samples))
	acc := g.startGroup(samples[0])
	for _, s := range samples[1:] {
		next, ok := g.admit(acc, s)
		if !ok {
			out = append(out, acc)
			next = g.startGroup(s)
		}
		acc = next
	}
	return append(out, acc)
}

// startGroup opens a one-hour group from s.
func (g Grouper) startGroup(s models.HourlySample) models.WeatherGroup {
	t := g.temperature(s)
	return models.WeatherGroup{
		StartHour: s.Hour,
		EndHour:   s.Hour + 1,
		MinTempC:  t,
		MaxTempC:  t,
		Condition: NormalizeCondition(s.Condition),
		IconRef:   s.IconRef,
	}
}

// admit returns acc widened by s, or false when s does not fit. acc itself is
// never modified.
func (g Grouper) admit(acc models.WeatherGroup, s models.HourlySample) (models.WeatherGroup, bool) {
	t := g.temperature(s)
	if NormalizeCondition(s.Condition) != acc.Condition {
		return acc, false
	}
	if math.Abs(t-acc.MinTempC) > g.SpreadThreshold || math.Abs(t-acc.MaxTempC) > g.SpreadThreshold {
		return acc, false
	}
	acc.MinTempC = math.Min(acc.MinTempC, t)
	acc.MaxTempC = math.Max(acc.MaxTempC, t)
	acc.EndHour = s.Hour + 1
	return acc, true
}

func (g Grouper) temperature(s models.HourlySample) float64 {
	if g.TruncateTemperatures {
		return math.Trunc(s.TemperatureC)
	}
	return s.TemperatureC
}

// NormalizeCondition trims and lowercases a condition label. Every stored
// group label and every comparison goes through it.
func NormalizeCondition(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
