package http

import (
	"encoding/json"
	"net/http"
	"time"
	_ "time/tzdata" // tz_id lookups in minimal images

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kjstillabower/oneday-weather/internal/grouping"
	"github.com/kjstillabower/oneday-weather/internal/models"
	"github.com/kjstillabower/oneday-weather/internal/observability"
)

// formatMsgpack selects a MessagePack body via ?format=msgpack. JSON otherwise.
const formatMsgpack = "msgpack"

// localTimeLayout is WeatherAPI's location.localtime. The hour may be a single digit.
const localTimeLayout = "2006-01-02 15:04"

type forecastResponse struct {
	Location    string          `json:"location"`
	Date        string          `json:"date"`
	TimeZone    string          `json:"timezone"`
	CurrentHour int             `json:"currentHour"`
	ActiveIndex int             `json:"activeIndex"`
	Stale       bool            `json:"stale"`
	Groups      []groupResponse `json:"groups"`
}

type groupResponse struct {
	StartHour int     `json:"startHour"`
	EndHour   int     `json:"endHour"`
	MinTemp   float64 `json:"minTemp"`
	MaxTemp   float64 `json:"maxTemp"`
	Weather   string  `json:"weather"`
	Icon      string  `json:"icon"`
	Active    bool    `json:"active"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// errorResponse always carries an empty group list so renderers can draw nothing.
type errorResponse struct {
	Error  errorBody       `json:"error"`
	Groups []groupResponse `json:"groups"`
}

// newForecastResponse marks the group containing currentHour active.
// newForecastResponse marks the group containing currentHour; activeIndex is -1
// when no group covers it.
func newForecastResponse(f models.DayForecast, currentHour int) forecastResponse {
	active := grouping.ActiveIndex(f.Groups, currentHour)
	groups := make([]groupResponse, 0, len(f.Groups))
	for i, g := range f.Groups {
		groups = append(groups, groupResponse{
			StartHour: g.StartHour,
			EndHour:   g.EndHour,
			MinTemp:   g.MinTempC,
			MaxTemp:   g.MaxTempC,
			Weather:   g.Condition,
			Icon:      g.IconRef,
			Active:    i == active,
		})
	}
	return forecastResponse{
		Location:    f.Location,
		Date:        f.Date,
		TimeZone:    f.TimeZone,
		CurrentHour: currentHour,
		ActiveIndex: active,
		Stale:       f.Stale,
		Groups:      groups,
	}
}

// locationHour is the hour of now at the forecast location: the tz_id zone
// when it loads, else the hour of the upstream localtime, else now as given.
func locationHour(f models.DayForecast, now time.Time) int {
	if f.TimeZone != "" {
		if loc, err := time.LoadLocation(f.TimeZone); err == nil {
			return now.In(loc).Hour()
		}
	}
	if t, err := time.Parse(localTimeLayout, f.LocalTime); err == nil {
		return t.Hour()
	}
	return now.Hour()
}

// writeResponse encodes v as JSON, or as MessagePack keyed by the json tags
// when the request asks for it.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	if r.URL.Query().Get("format") == formatMsgpack {
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		_ = enc.Encode(v)
		return
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeResponse(w, r, status, errorResponse{
		Error: errorBody{
			Code:      code,
			Message:   message,
			RequestID: observability.CorrelationIDFromContext(r.Context()),
		},
		Groups: []groupResponse{},
	})
}
