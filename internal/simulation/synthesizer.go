package simulation

import (
	"fmt"
	"math"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
)

// MagnitudeRange bounds the vehicle count (inclusive integers) and average speed
// in km/h (inclusive reals) sampled for one density.
type MagnitudeRange struct {
	MinCount int
	MaxCount int
	MinSpeed float64
	MaxSpeed float64
}

// MagnitudeTable holds a range for every density.
type MagnitudeTable map[models.TrafficDensity]MagnitudeRange

// DefaultMagnitudeTable returns the production count/speed table.
func DefaultMagnitudeTable() MagnitudeTable {
	return MagnitudeTable{
		models.DensityLow:      {MinCount: 5, MaxCount: 20, MinSpeed: 40, MaxSpeed: 60},
		models.DensityModerate: {MinCount: 21, MaxCount: 50, MinSpeed: 20, MaxSpeed: 40},
		models.DensityHigh:     {MinCount: 51, MaxCount: 80, MinSpeed: 10, MaxSpeed: 25},
		models.DensityCritical: {MinCount: 81, MaxCount: 120, MinSpeed: 2, MaxSpeed: 15},
	}
}

// Validate checks that every density has a well-formed range and that higher
// density never means fewer vehicles or faster traffic: the count lower bound
// strictly increases and the speed upper bound strictly decreases with severity.
func (t MagnitudeTable) Validate() error {
	var prev *MagnitudeRange
	for _, d := range models.Densities {
		r, ok := t[d]
		if !ok {
			return fmt.Errorf("magnitude table: missing %s", d)
		}
		if r.MinCount < 0 || r.MinCount > r.MaxCount {
			return fmt.Errorf("magnitude table: %s count range [%d, %d] invalid", d, r.MinCount, r.MaxCount)
		}
		if r.MinSpeed < 0 || r.MinSpeed > r.MaxSpeed {
			return fmt.Errorf("magnitude table: %s speed range [%.1f, %.1f] invalid", d, r.MinSpeed, r.MaxSpeed)
		}
		if prev != nil {
			if r.MinCount <= prev.MinCount {
				return fmt.Errorf("magnitude table: %s count lower bound %d not above %d", d, r.MinCount, prev.MinCount)
			}
			if r.MaxSpeed >= prev.MaxSpeed {
				return fmt.Errorf("magnitude table: %s speed upper bound %.1f not below %.1f", d, r.MaxSpeed, prev.MaxSpeed)
			}
		}
		prev = &r
	}
	return nil
}

// Magnitude is a sampled vehicle count and average speed.
type Magnitude struct {
	VehicleCount int
	AverageSpeed float64
}

// Synthesizer samples magnitudes for a density.
type Synthesizer struct {
	table MagnitudeTable
	src   randengine.Source
}

// NewSynthesizer validates and copies table.
func NewSynthesizer(table MagnitudeTable, src randengine.Source) (*Synthesizer, error) {
	if src == nil {
		return nil, fmt.Errorf("synthesizer: randomness source is required")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	own := make(MagnitudeTable, len(table))
	for d, r := range table {
		own[d] = r
	}
	return &Synthesizer{table: own, src: src}, nil
}

// Synthesize draws the vehicle count first, then the speed rounded to one decimal.
// Panics on a density outside the table, which validated callers never pass.
func (s *Synthesizer) Synthesize(d models.TrafficDensity) Magnitude {
	r, ok := s.table[d]
	if !ok {
		panic(fmt.Sprintf("simulation: no magnitude range for density %q", d))
	}
	count := randengine.IntBetween(s.src, r.MinCount, r.MaxCount)
	speed := roundTenth(randengine.Uniform(s.src, r.MinSpeed, r.MaxSpeed))
	return Magnitude{VehicleCount: count, AverageSpeed: speed}
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
