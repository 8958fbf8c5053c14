// Package validation checks request input before any upstream call is made.
// Every error here maps to 400 INVALID_LOCATION (or an invalid hour) at the
// HTTP layer.
package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	ErrLocationEmpty        = errors.New("location is required")
	ErrLocationTooShort     = errors.New("location too short")
	ErrLocationTooLong      = errors.New("location too long")
	ErrLocationInvalidChars = errors.New("location contains invalid characters")

	// ErrCoordinatesMissing means no position was supplied at all, the
	// equivalent of a denied location permission on a device.
	ErrCoordinatesMissing = errors.New("lat and lon are required")
	ErrLatitudeInvalid    = errors.New("lat must be a number between -90 and 90")
	ErrLongitudeInvalid   = errors.New("lon must be a number between -180 and 180")

	ErrHourInvalid = errors.New("hour must be an integer between 0 and 23")
)

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in
// runes, 0 to skip), and allows letters, digits, space, comma, hyphen,
// apostrophe and period. Returns the trimmed string.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrLocationEmpty
	}
	// validator counts string length in runes.
	if minLen > 0 && validate.Var(s, "min="+strconv.Itoa(minLen)) != nil {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && validate.Var(s, "max="+strconv.Itoa(maxLen)) != nil {
		return "", ErrLocationTooLong
	}
	for _, c := range s {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}

type coordinatesInput struct {
	Lat string `validate:"required,latitude"`
	Lon string `validate:"required,longitude"`
}

// ValidateCoordinates parses raw lat/lon query values. Both missing yields
// ErrCoordinatesMissing; one missing or out of range yields the error for
// that axis.
func ValidateCoordinates(lat, lon string) (float64, float64, error) {
	in := coordinatesInput{Lat: strings.TrimSpace(lat), Lon: strings.TrimSpace(lon)}
	if in.Lat == "" && in.Lon == "" {
		return 0, 0, ErrCoordinatesMissing
	}

	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Lon" {
			return 0, 0, ErrLongitudeInvalid
		}
		return 0, 0, ErrLatitudeInvalid
	}

	latF, err := strconv.ParseFloat(in.Lat, 64)
	if err != nil {
		return 0, 0, ErrLatitudeInvalid
	}
	lonF, err := strconv.ParseFloat(in.Lon, 64)
	if err != nil {
		return 0, 0, ErrLongitudeInvalid
	}
	return latF, lonF, nil
}

// ValidateHour parses the optional hour override. ok is false when raw is empty.
func ValidateHour(raw string) (hour int, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	if validate.Var(raw, "number") != nil {
		return 0, false, ErrHourInvalid
	}
	h, err := strconv.Atoi(raw)
	if err != nil || validate.Var(h, "gte=0,lte=23") != nil {
		return 0, false, ErrHourInvalid
	}
	return h, true, nil
}
