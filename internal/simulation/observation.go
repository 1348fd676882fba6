package simulation

import (
	"fmt"
	"time"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
)

// ObservationBuilder composes complete, timestamped observations for a location.
type ObservationBuilder struct {
	cal   BuilderCalibration
	synth *Synthesizer
	src   randengine.Source
}

// NewObservationBuilder validates and copies cal. synth supplies vehicle counts and speeds.
func NewObservationBuilder(cal BuilderCalibration, synth *Synthesizer, src randengine.Source) (*ObservationBuilder, error) {
	if synth == nil || src == nil {
		return nil, fmt.Errorf("observation builder: synthesizer and randomness source are required")
	}
	if err := cal.validate(); err != nil {
		return nil, fmt.Errorf("builder calibration: %w", err)
	}
	return &ObservationBuilder{cal: cal.clone(), synth: synth, src: src}, nil
}

// Build synthesizes one observation for loc at ts. Hour and weekday are read in
// ts's own time zone; the emitted timestamp is truncated to the second.
//
// Draw order: density, weekend dampening, weather, weather escalation,
// latitude, longitude, vehicle count, speed. Conditional draws are skipped when
// their condition does not hold.
func (b *ObservationBuilder) Build(loc models.Location, ts time.Time) models.TrafficObservation {
	density := b.drawDensity(ts.Hour())

	if models.DayOfWeekFromTime(ts).IsWeekend() {
		switch density {
		case models.DensityCritical:
			density = models.DensityHigh
		case models.DensityHigh:
			if randengine.PTrue(b.src, b.cal.WeekendHighDampening) {
				density = models.DensityModerate
			}
		}
	}

	weather := b.cal.WeatherPalette[b.src.Intn(len(b.cal.WeatherPalette))]
	if weather.IsAdverse() {
		switch density {
		case models.DensityLow:
			density = models.DensityModerate
		case models.DensityModerate:
			if randengine.PTrue(b.src, b.cal.AdverseModerateEscalation) {
				density = models.DensityHigh
			}
		}
	}

	j := b.cal.CoordinateJitter
	lat := loc.Latitude + randengine.Uniform(b.src, -j, j)
	lon := loc.Longitude + randengine.Uniform(b.src, -j, j)

	m := b.synth.Synthesize(density)
	return models.TrafficObservation{
		Location:         loc.Name,
		Latitude:         lat,
		Longitude:        lon,
		TrafficDensity:   density,
		Timestamp:        ts.Truncate(time.Second).Format(models.ObservationTimeLayout),
		VehicleCount:     m.VehicleCount,
		AverageSpeed:     m.AverageSpeed,
		WeatherCondition: weather,
	}
}

func (b *ObservationBuilder) drawDensity(hour int) models.TrafficDensity {
	weights := b.cal.FallbackWeights
	for _, band := range b.cal.Bands {
		if inAnyRange(hour, band.Hours) {
			weights = band.Weights
			break
		}
	}
	return models.Densities[randengine.DiscreteDistribution(b.src, weights)]
}
