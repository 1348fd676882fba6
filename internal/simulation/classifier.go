package simulation

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
)

// Rule is one deterministic step of the classification pipeline. It receives the
// density produced by the previous step and returns the updated density together
// with the confidence delta it contributes.
type Rule func(pc models.PredictionContext, d models.TrafficDensity) (models.TrafficDensity, float64)

// BaseByHourRule seeds the pipeline: the first band containing the hour sets the
// density, and its confidence is the starting delta.
func BaseByHourRule(cal ClassifierCalibration) Rule {
	return func(pc models.PredictionContext, _ models.TrafficDensity) (models.TrafficDensity, float64) {
		for _, b := range cal.Bands {
			if inAnyRange(pc.Hour, b.Hours) {
				return b.Density, b.Confidence
			}
		}
		return cal.Fallback.Density, cal.Fallback.Confidence
	}
}

// WeekendRule drops HIGH to MODERATE on weekends. The confidence penalty applies
// on every weekend, whether or not the density changed.
func WeekendRule(cal ClassifierCalibration) Rule {
	return func(pc models.PredictionContext, d models.TrafficDensity) (models.TrafficDensity, float64) {
		if !pc.DayOfWeek.IsWeekend() {
			return d, 0
		}
		if d == models.DensityHigh {
			d = models.DensityModerate
		}
		return d, -cal.WeekendConfidencePenalty
	}
}

// WeatherRule lifts LOW and MODERATE one level in adverse weather and lowers confidence.
// HIGH and CRITICAL are left unchanged.
func WeatherRule(cal ClassifierCalibration) Rule {
	return func(pc models.PredictionContext, d models.TrafficDensity) (models.TrafficDensity, float64) {
		if !pc.Weather.IsAdverse() {
			return d, 0
		}
		switch d {
		case models.DensityLow, models.DensityModerate:
			d = d.Escalate()
		}
		return d, -cal.WeatherConfidencePenalty
	}
}

// HistoryRule rewards rich history and penalizes sparse history.
func HistoryRule(cal ClassifierCalibration) Rule {
	return func(pc models.PredictionContext, d models.TrafficDensity) (models.TrafficDensity, float64) {
		switch {
		case pc.HistoricalSampleCount > cal.RichHistoryThreshold:
			return d, cal.RichHistoryBonus
		case pc.HistoricalSampleCount < cal.SparseHistoryThreshold:
			return d, -cal.SparseHistoryPenalty
		}
		return d, 0
	}
}

// Classifier maps a prediction context to a density and confidence.
// It holds no mutable state besides its randomness source and is safe for
// concurrent use when the source is.
type Classifier struct {
	cal   ClassifierCalibration
	rules []Rule
	src   randengine.Source
}

// NewClassifier builds a classifier from cal, drawing jitter and re-classification from src.
func NewClassifier(cal ClassifierCalibration, src randengine.Source) (*Classifier, error) {
	if src == nil {
		return nil, fmt.Errorf("classifier: randomness source is required")
	}
	if err := cal.validate(); err != nil {
		return nil, fmt.Errorf("classifier calibration: %w", err)
	}
	cal = cal.clone()
	return &Classifier{
		cal: cal,
		rules: []Rule{
			BaseByHourRule(cal),
			WeekendRule(cal),
			WeatherRule(cal),
			HistoryRule(cal),
		},
		src: src,
	}, nil
}

// Assess runs only the deterministic rules. The confidence is not yet clamped.
func (c *Classifier) Assess(pc models.PredictionContext) models.PredictionResult {
	var density models.TrafficDensity
	confidence := 0.0
	for _, rule := range c.rules {
		var delta float64
		density, delta = rule(pc, density)
		confidence += delta
	}
	return models.PredictionResult{Density: density, Confidence: confidence}
}

// Classify runs the rule pipeline, jitters and clamps the confidence, then
// occasionally shifts the density one level.
func (c *Classifier) Classify(pc models.PredictionContext) models.PredictionResult {
	res := c.Assess(pc)

	amp := c.cal.JitterAmplitude
	res.Confidence = lo.Clamp(res.Confidence+randengine.Uniform(c.src, -amp, amp), c.cal.MinConfidence, c.cal.MaxConfidence)
	res.Density = c.reclassify(res.Density)
	return res
}

// reclassify moves d one step with probability ReclassifyProbability. The direction
// is down with probability DownshiftProbability; a move past either end is a no-op.
func (c *Classifier) reclassify(d models.TrafficDensity) models.TrafficDensity {
	if !randengine.PTrue(c.src, c.cal.ReclassifyProbability) {
		return d
	}
	if randengine.PTrue(c.src, c.cal.DownshiftProbability) {
		return d.Deescalate()
	}
	return d.Escalate()
}
