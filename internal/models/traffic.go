package models

import (
	"fmt"
	"strings"
	"time"
)

// ObservationTimeLayout is the second-precision layout used on the ingestion wire.
const ObservationTimeLayout = "2006-01-02T15:04:05"

// TrafficDensity is the categorical congestion level, ordered by severity.
type TrafficDensity string

const (
	DensityLow      TrafficDensity = "LOW"
	DensityModerate TrafficDensity = "MODERATE"
	DensityHigh     TrafficDensity = "HIGH"
	DensityCritical TrafficDensity = "CRITICAL"
)

// Densities lists every density from least to most severe.
var Densities = []TrafficDensity{DensityLow, DensityModerate, DensityHigh, DensityCritical}

// Severity returns the position of d in the severity order, or -1 for an unknown value.
func (d TrafficDensity) Severity() int {
	for i, v := range Densities {
		if v == d {
			return i
		}
	}
	return -1
}

// Valid reports whether d is one of the four known densities.
func (d TrafficDensity) Valid() bool {
	return d.Severity() >= 0
}

// Escalate returns the next more severe density; CRITICAL stays CRITICAL.
func (d TrafficDensity) Escalate() TrafficDensity {
	i := d.Severity()
	if i < 0 || i == len(Densities)-1 {
		return d
	}
	return Densities[i+1]
}

// Deescalate returns the next less severe density; LOW stays LOW.
func (d TrafficDensity) Deescalate() TrafficDensity {
	i := d.Severity()
	if i <= 0 {
		return d
	}
	return Densities[i-1]
}

// ParseTrafficDensity parses a density name, ignoring case and surrounding space.
func ParseTrafficDensity(s string) (TrafficDensity, error) {
	d := TrafficDensity(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown traffic density %q", s)
	}
	return d, nil
}

// WeatherCondition is the weather reported alongside a prediction or observation.
type WeatherCondition string

const (
	WeatherClear  WeatherCondition = "CLEAR"
	WeatherRain   WeatherCondition = "RAIN"
	WeatherSnow   WeatherCondition = "SNOW"
	WeatherFog    WeatherCondition = "FOG"
	WeatherCloudy WeatherCondition = "CLOUDY"
)

// WeatherConditions lists every known weather condition.
var WeatherConditions = []WeatherCondition{WeatherClear, WeatherRain, WeatherSnow, WeatherFog, WeatherCloudy}

// IsAdverse reports whether w slows traffic (RAIN, SNOW, FOG).
func (w WeatherCondition) IsAdverse() bool {
	switch w {
	case WeatherRain, WeatherSnow, WeatherFog:
		return true
	}
	return false
}

// ParseWeatherCondition parses a weather name, ignoring case and surrounding space.
func ParseWeatherCondition(s string) (WeatherCondition, error) {
	w := WeatherCondition(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range WeatherConditions {
		if w == known {
			return w, nil
		}
	}
	return "", fmt.Errorf("unknown weather condition %q", s)
}

// DayOfWeek is an English weekday name in Title case.
type DayOfWeek string

const (
	Monday    DayOfWeek = "Monday"
	Tuesday   DayOfWeek = "Tuesday"
	Wednesday DayOfWeek = "Wednesday"
	Thursday  DayOfWeek = "Thursday"
	Friday    DayOfWeek = "Friday"
	Saturday  DayOfWeek = "Saturday"
	Sunday    DayOfWeek = "Sunday"
)

// IsWeekend reports whether d is Saturday or Sunday.
func (d DayOfWeek) IsWeekend() bool {
	return d == Saturday || d == Sunday
}

// DayOfWeekFromTime returns the weekday of t in t's own location.
func DayOfWeekFromTime(t time.Time) DayOfWeek {
	return DayOfWeek(t.Weekday().String())
}

// ParseDayOfWeek accepts any casing of a weekday name and returns the canonical form.
func ParseDayOfWeek(s string) (DayOfWeek, error) {
	s = strings.TrimSpace(s)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(s, wd.String()) {
			return DayOfWeek(wd.String()), nil
		}
	}
	return "", fmt.Errorf("unknown day of week %q", s)
}

// PredictionContext is the validated input of a density classification.
type PredictionContext struct {
	Latitude              float64
	Longitude             float64
	Hour                  int // 0-23
	DayOfWeek             DayOfWeek
	Weather               WeatherCondition
	HistoricalSampleCount int
}

// PredictionResult is the classifier output. Confidence is always within [0.5, 0.95].
type PredictionResult struct {
	Density    TrafficDensity `json:"prediction"`
	Confidence float64        `json:"confidence"`
}

// Location is a named point that observations are generated for.
type Location struct {
	Name      string  `json:"name" mapstructure:"name" yaml:"name"`
	Latitude  float64 `json:"lat" mapstructure:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" mapstructure:"lon" yaml:"lon"`
}

// TrafficObservation is one synthesized sample, shaped for the ingestion API.
type TrafficObservation struct {
	Location         string           `json:"location"`
	Latitude         float64          `json:"latitude"`
	Longitude        float64          `json:"longitude"`
	TrafficDensity   TrafficDensity   `json:"trafficDensity"`
	Timestamp        string           `json:"timestamp"`
	VehicleCount     int              `json:"vehicleCount"`
	AverageSpeed     float64          `json:"averageSpeed"`
	WeatherCondition WeatherCondition `json:"weatherCondition"`
}
