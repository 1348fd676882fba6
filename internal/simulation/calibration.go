// Package simulation implements the traffic-condition engine: the density
// classifier behind /predict, the magnitude synthesizer and the observation
// builder used for bulk data generation.
//
// All calibration data is passed in at construction and copied, so callers may
// substitute alternate tables (tests do) without touching package state.
package simulation

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

// HourRange is an inclusive range of hours of day.
type HourRange struct {
	From int
	To   int
}

func (r HourRange) contains(hour int) bool {
	return hour >= r.From && hour <= r.To
}

func inAnyRange(hour int, ranges []HourRange) bool {
	for _, r := range ranges {
		if r.contains(hour) {
			return true
		}
	}
	return false
}

func rushHours() []HourRange  { return []HourRange{{7, 9}, {17, 19}} }
func nightHours() []HourRange { return []HourRange{{22, 23}, {0, 6}} }

// DensityBand assigns a base density and confidence to a set of hours.
type DensityBand struct {
	Name       string
	Hours      []HourRange
	Density    models.TrafficDensity
	Confidence float64
}

// ClassifierCalibration parameterizes the density classifier.
type ClassifierCalibration struct {
	// Bands are matched in order; the first band containing the hour wins.
	Bands []DensityBand
	// Fallback applies when no band matches. Its Hours are ignored.
	Fallback DensityBand

	WeekendConfidencePenalty float64
	WeatherConfidencePenalty float64

	RichHistoryThreshold   int // strictly above: bonus
	RichHistoryBonus       float64
	SparseHistoryThreshold int // strictly below: penalty
	SparseHistoryPenalty   float64

	JitterAmplitude float64
	MinConfidence   float64
	MaxConfidence   float64

	ReclassifyProbability float64
	DownshiftProbability  float64
}

// DefaultClassifierCalibration returns the production classifier calibration.
func DefaultClassifierCalibration() ClassifierCalibration {
	return ClassifierCalibration{
		Bands: []DensityBand{
			{Name: "rush", Hours: rushHours(), Density: models.DensityHigh, Confidence: 0.85},
			{Name: "night", Hours: nightHours(), Density: models.DensityLow, Confidence: 0.80},
		},
		Fallback:                 DensityBand{Name: "regular", Density: models.DensityModerate, Confidence: 0.75},
		WeekendConfidencePenalty: 0.05,
		WeatherConfidencePenalty: 0.10,
		RichHistoryThreshold:     10,
		RichHistoryBonus:         0.05,
		SparseHistoryThreshold:   3,
		SparseHistoryPenalty:     0.10,
		JitterAmplitude:          0.05,
		MinConfidence:            0.5,
		MaxConfidence:            0.95,
		ReclassifyProbability:    0.20,
		DownshiftProbability:     0.5,
	}
}

func (c ClassifierCalibration) validate() error {
	for _, b := range append([]DensityBand{c.Fallback}, c.Bands...) {
		if !b.Density.Valid() {
			return fmt.Errorf("band %q: unknown density %q", b.Name, b.Density)
		}
	}
	if c.MinConfidence > c.MaxConfidence {
		return fmt.Errorf("min confidence %.2f above max %.2f", c.MinConfidence, c.MaxConfidence)
	}
	if c.JitterAmplitude < 0 {
		return errors.New("jitter amplitude must not be negative")
	}
	if !isProbability(c.ReclassifyProbability) || !isProbability(c.DownshiftProbability) {
		return errors.New("re-classification probabilities must be within [0, 1]")
	}
	return nil
}

// clone copies the band slices so later edits by the caller are not observed.
func (c ClassifierCalibration) clone() ClassifierCalibration {
	bands := make([]DensityBand, len(c.Bands))
	for i, b := range c.Bands {
		b.Hours = append([]HourRange(nil), b.Hours...)
		bands[i] = b
	}
	c.Bands = bands
	return c
}

// WeightBand assigns a density weight vector (over models.Densities) to a set of hours.
type WeightBand struct {
	Name    string
	Hours   []HourRange
	Weights []float64
}

// BuilderCalibration parameterizes the observation builder. It is intentionally
// independent from ClassifierCalibration.
type BuilderCalibration struct {
	Bands           []WeightBand
	FallbackWeights []float64

	// WeekendHighDampening is the chance a weekend HIGH drops to MODERATE.
	WeekendHighDampening float64
	// WeatherPalette is sampled uniformly for every observation.
	WeatherPalette []models.WeatherCondition
	// AdverseModerateEscalation is the chance adverse weather lifts MODERATE to HIGH.
	AdverseModerateEscalation float64
	// CoordinateJitter is the maximum offset, in degrees, applied to each coordinate.
	CoordinateJitter float64
}

// DefaultBuilderCalibration returns the production bulk-synthesis calibration.
func DefaultBuilderCalibration() BuilderCalibration {
	return BuilderCalibration{
		Bands: []WeightBand{
			{Name: "rush", Hours: rushHours(), Weights: []float64{5, 15, 50, 30}},
			{Name: "night", Hours: nightHours(), Weights: []float64{70, 25, 5, 0}},
		},
		FallbackWeights:           []float64{20, 50, 25, 5},
		WeekendHighDampening:      0.5,
		WeatherPalette:            []models.WeatherCondition{models.WeatherClear, models.WeatherRain, models.WeatherFog, models.WeatherCloudy},
		AdverseModerateEscalation: 0.3,
		CoordinateJitter:          0.001,
	}
}

func (c BuilderCalibration) validate() error {
	check := func(name string, w []float64) error {
		if len(w) != len(models.Densities) {
			return fmt.Errorf("band %q: want %d weights, got %d", name, len(models.Densities), len(w))
		}
		total := 0.0
		for _, v := range w {
			if v < 0 {
				return fmt.Errorf("band %q: negative weight", name)
			}
			total += v
		}
		if total <= 0 {
			return fmt.Errorf("band %q: weights sum to zero", name)
		}
		return nil
	}
	for _, b := range c.Bands {
		if err := check(b.Name, b.Weights); err != nil {
			return err
		}
	}
	if err := check("fallback", c.FallbackWeights); err != nil {
		return err
	}
	if len(c.WeatherPalette) == 0 {
		return errors.New("weather palette is empty")
	}
	if !isProbability(c.WeekendHighDampening) || !isProbability(c.AdverseModerateEscalation) {
		return errors.New("builder probabilities must be within [0, 1]")
	}
	if c.CoordinateJitter < 0 {
		return errors.New("coordinate jitter must not be negative")
	}
	return nil
}

func (c BuilderCalibration) clone() BuilderCalibration {
	bands := make([]WeightBand, len(c.Bands))
	for i, b := range c.Bands {
		b.Hours = append([]HourRange(nil), b.Hours...)
		b.Weights = append([]float64(nil), b.Weights...)
		bands[i] = b
	}
	c.Bands = bands
	c.FallbackWeights = append([]float64(nil), c.FallbackWeights...)
	c.WeatherPalette = append([]models.WeatherCondition(nil), c.WeatherPalette...)
	return c
}

func isProbability(p float64) bool {
	return p >= 0 && p <= 1
}
