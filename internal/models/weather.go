package models

import "time"

// HourlySample is one hour of the upstream forecast, in the order received.
type HourlySample struct {
	Hour         int     `json:"hour" msgpack:"hour"`
	TemperatureC float64 `json:"tempC" msgpack:"temp_c"`
	Condition    string  `json:"condition" msgpack:"condition"`
	IconRef      string  `json:"icon" msgpack:"icon"`
}

// WeatherGroup is a contiguous run of hours sharing a condition.
// EndHour is exclusive.
type WeatherGroup struct {
	StartHour int     `json:"startHour" msgpack:"start_hour"`
	EndHour   int     `json:"endHour" msgpack:"end_hour"`
	MinTempC  float64 `json:"minTemp" msgpack:"min_temp"`
	MaxTempC  float64 `json:"maxTemp" msgpack:"max_temp"`
	Condition string  `json:"weather" msgpack:"weather"`
	IconRef   string  `json:"icon" msgpack:"icon"`
}

// RawForecast is the upstream day forecast after payload mapping, before grouping.
type RawForecast struct {
	Location  string
	TimeZone  string
	LocalTime string
	Date      string
	Hours     []HourlySample
}

// DayForecast is what the service caches and serves for one query.
type DayForecast struct {
	Query     string         `json:"query" msgpack:"query"`
	Location  string         `json:"location" msgpack:"location"`
	Date      string         `json:"date" msgpack:"date"`
	TimeZone  string         `json:"timezone" msgpack:"timezone"`
	LocalTime string         `json:"localTime" msgpack:"local_time"`
	Groups    []WeatherGroup `json:"groups" msgpack:"groups"`
	FetchedAt time.Time      `json:"fetchedAt" msgpack:"fetched_at"`
	Stale     bool           `json:"stale,omitempty" msgpack:"-"` // served from stale cache
}
