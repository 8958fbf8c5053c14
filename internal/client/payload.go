package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/oneday-weather/internal/models"
)

// ErrMalformedPayload means the upstream answered 200 but the body cannot be
// turned into an ordered hourly sequence. It is checked before grouping.
var ErrMalformedPayload = errors.New("malformed forecast payload")

// hourTimeLayout is the layout of forecastday.hour[].time ("2024-05-01 13:00").
const hourTimeLayout = "2006-01-02 15:04"

type forecastResponse struct {
	Location struct {
		Name      string `json:"name"`
		Region    string `json:"region"`
		Country   string `json:"country"`
		TzID      string `json:"tz_id"`
		LocalTime string `json:"localtime"`
	} `json:"location"`
	Forecast *struct {
		ForecastDay []forecastDay `json:"forecastday"`
	} `json:"forecast"`
}

type forecastDay struct {
	Date string      `json:"date"`
	Hour []HourEntry `json:"hour"`
}

// HourEntry is one element of forecastday.hour in the upstream payload.
type HourEntry struct {
	Time      string  `json:"time"`
	TempC     float64 `json:"temp_c"`
	Condition struct {
		Text string `json:"text"`
		Icon string `json:"icon"`
	} `json:"condition"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WeatherAPI.com error codes that change how a 4xx is classified.
const (
	apiCodeLocationNotFound = 1006
	apiCodeKeyInvalid       = 2006
	apiCodeQuotaExceeded    = 2007
	apiCodeKeyDisabled      = 2008
)

// mapForecast converts the decoded body into a RawForecast.
func mapForecast(resp forecastResponse) (models.RawForecast, error) {
	if resp.Forecast == nil || len(resp.Forecast.ForecastDay) == 0 {
		return models.RawForecast{}, fmt.Errorf("%w: missing forecastday", ErrMalformedPayload)
	}
	day := resp.Forecast.ForecastDay[0]
	hours, err := MapHourly(day.Hour)
	if err != nil {
		return models.RawForecast{}, err
	}
	return models.RawForecast{
		Location:  resp.Location.Name,
		TimeZone:  resp.Location.TzID,
		LocalTime: resp.Location.LocalTime,
		Date:      day.Date,
		Hours:     hours,
	}, nil
}

// MapHourly converts upstream hour entries into samples, keeping their order.
// Entries must be consecutive ascending hours; anything else is malformed.
func MapHourly(hours []HourEntry) ([]models.HourlySample, error) {
	if len(hours) == 0 {
		return nil, fmt.Errorf("%w: empty hour list", ErrMalformedPayload)
	}
	out := make([]models.HourlySample, 0, len(hours))
	for i, h := range hours {
		ts, err := time.Parse(hourTimeLayout, h.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: hour[%d] time %q: %v", ErrMalformedPayload, i, h.Time, err)
		}
		hour := ts.Hour()
		if i > 0 && hour != out[i-1].Hour+1 {
			return nil, fmt.Errorf("%w: hour[%d] is %d after %d", ErrMalformedPayload, i, hour, out[i-1].Hour)
		}
		out = append(out, models.HourlySample{
			Hour:         hour,
			TemperatureC: h.TempC,
			Condition:    h.Condition.Text,
			IconRef:      h.Condition.Icon,
		})
	}
	return out, nil
}
