// Package validation checks inbound prediction requests and catalog entries
// before they reach the simulation engine.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

// Error describes a single rejected field. Missing is true when the field was absent.
type Error struct {
	Field   string
	Missing bool
	Reason  string
}

func (e *Error) Error() string {
	if e.Missing {
		return "Missing required field: " + e.Field
	}
	return fmt.Sprintf("Invalid field %s: %s", e.Field, e.Reason)
}

func missing(field string) *Error { return &Error{Field: field, Missing: true} }

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidatePrediction converts a decoded request into a prediction context.
// Required fields are checked in the order lat, lon, hour, dayOfWeek, so the
// first missing one is reported. Weather defaults to CLEAR and history to 0.
func ValidatePrediction(req models.PredictionRequest) (models.PredictionContext, error) {
	switch {
	case req.Lat == nil:
		return models.PredictionContext{}, missing("lat")
	case req.Lon == nil:
		return models.PredictionContext{}, missing("lon")
	case req.Hour == nil:
		return models.PredictionContext{}, missing("hour")
	case req.DayOfWeek == nil:
		return models.PredictionContext{}, missing("dayOfWeek")
	}

	pc := models.PredictionContext{
		Latitude:  *req.Lat,
		Longitude: *req.Lon,
		Hour:      *req.Hour,
		Weather:   models.WeatherClear,
	}
	if pc.Latitude < -90 || pc.Latitude > 90 {
		return models.PredictionContext{}, invalid("lat", "must be between -90 and 90")
	}
	if pc.Longitude < -180 || pc.Longitude > 180 {
		return models.PredictionContext{}, invalid("lon", "must be between -180 and 180")
	}
	if pc.Hour < 0 || pc.Hour > 23 {
		return models.PredictionContext{}, invalid("hour", "must be between 0 and 23")
	}

	day, err := models.ParseDayOfWeek(*req.DayOfWeek)
	if err != nil {
		return models.PredictionContext{}, invalid("dayOfWeek", "unknown day %q", *req.DayOfWeek)
	}
	pc.DayOfWeek = day

	if req.Weather != nil {
		w, err := models.ParseWeatherCondition(*req.Weather)
		if err != nil {
			return models.PredictionContext{}, invalid("weather", "unknown condition %q", *req.Weather)
		}
		pc.Weather = w
	}
	if req.HistoricalDataPoints != nil {
		if *req.HistoricalDataPoints < 0 {
			return models.PredictionContext{}, invalid("historicalDataPoints", "must not be negative")
		}
		pc.HistoricalSampleCount = *req.HistoricalDataPoints
	}
	return pc, nil
}

// ErrLocationEmpty is returned when a location name is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location name is required")

// ErrLocationTooShort is returned when a location name is below the minimum length.
var ErrLocationTooShort = errors.New("location name too short")

// ErrLocationTooLong is returned when a location name exceeds the maximum length.
var ErrLocationTooLong = errors.New("location name too long")

// ErrLocationInvalidChars is returned when a location name contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location name contains invalid characters")

// ValidateLocationName trims the input and enforces length bounds (in runes; 0 disables
// a bound). Allowed characters are Unicode letters and digits, space, comma, hyphen,
// period and apostrophe. Returns the trimmed name.
func ValidateLocationName(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
