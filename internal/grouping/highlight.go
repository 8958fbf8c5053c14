package grouping

import "github.com/kjstillabower/oneday-weather/internal/models"

// Active reports whether hour falls inside g's [StartHour, EndHour) range.
func Active(g models.WeatherGroup, hour int) bool {
	return g.StartHour <= hour && hour < g.EndHour
}

// ActiveIndex returns the index of the group containing hour, or -1 when hour
// is outside the grouped range. Groups from Group never overlap, so at most
// one index matches.
func ActiveIndex(groups []models.WeatherGroup, hour int) int {
	for i, g := range groups {
		if Active(g, hour) {
			return i
		}
	}
	return -1
}
