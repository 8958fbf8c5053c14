package service

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeQuery lowercases a location query and collapses its whitespace so
// equivalent inputs share one cache key and one upstream request.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

// CoordinatesQuery formats a coordinate pair as the upstream "lat,lon" query.
// Both values are rounded to two decimals (about 1 km), which keeps nearby
// requests on the same cache entry.
func CoordinatesQuery(lat, lon float64) string {
	return formatCoordinate(lat) + "," + formatCoordinate(lon)
}

func formatCoordinate(v float64) string {
	r := math.Round(v*100) / 100
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', 2, 64)
}
