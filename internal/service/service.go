package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/modelstore"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
	"github.com/kjstillabower/traffic-mock-service/internal/validation"
)

var (
	// ErrInternal reports a failure inside classification. No partial result accompanies it.
	ErrInternal = errors.New("internal prediction error")
	// ErrTrainingFailed reports a retrain that did not produce a new version.
	ErrTrainingFailed = errors.New("training failed")
)

// TimestampLayout is the local, zone-less layout of response timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000"

const (
	retrainKey = "retrain"

	modeSingle = "single"
	modeBatch  = "batch"
)

// Classifier assigns a density and confidence; *simulation.Classifier implements it.
type Classifier interface {
	Classify(pc models.PredictionContext) models.PredictionResult
}

// Options configures the simulated model behaviour. Zero latencies or retrain
// duration disable the corresponding delay.
type Options struct {
	DefaultModelVersion string
	MinLatency          time.Duration
	MaxLatency          time.Duration
	RetrainDuration     time.Duration
}

// PredictionService serves predictions and model metadata on top of a classifier.
// The simulated inference latency lives here; the classifier itself never waits.
type PredictionService struct {
	classifier Classifier
	store      modelstore.Store
	src        randengine.Source
	opts       Options
	retrains   *requestCoalescer
	now        func() time.Time

	mu          sync.Mutex
	lastTrained string
}

// NewPredictionService wires the service. opts.DefaultModelVersion defaults to v1.2.3.
func NewPredictionService(classifier Classifier, store modelstore.Store, src randengine.Source, opts Options) *PredictionService {
	if opts.DefaultModelVersion == "" {
		opts.DefaultModelVersion = "v1.2.3"
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	return &PredictionService{
		classifier:  classifier,
		store:       store,
		src:         src,
		opts:        opts,
		retrains:    newRequestCoalescer(),
		now:         time.Now,
		lastTrained: "2024-01-15T10:30:00Z",
	}
}

// Predict waits the simulated inference latency, then classifies pc. A done ctx
// during the wait returns ctx's error.
func (s *PredictionService) Predict(ctx context.Context, pc models.PredictionContext) (models.Prediction, error) {
	logger := observability.LoggerFrom(ctx)
	logger.Info("prediction request",
		zap.Float64("lat", pc.Latitude),
		zap.Float64("lon", pc.Longitude),
		zap.Int("hour", pc.Hour),
		zap.String("day", string(pc.DayOfWeek)))

	if err := s.simulateLatency(ctx); err != nil {
		observability.PredictionFailuresTotal.WithLabelValues("timeout").Inc()
		return models.Prediction{}, fmt.Errorf("predict: %w", err)
	}
	res, err := s.classify(pc)
	if err != nil {
		observability.PredictionFailuresTotal.WithLabelValues("internal").Inc()
		logger.Error("prediction failed", zap.Error(err))
		return models.Prediction{}, err
	}
	observability.RecordPrediction(res.Density, res.Confidence, modeSingle)
	logger.Info("prediction result",
		zap.String("prediction", string(res.Density)),
		zap.Float64("confidence", res.Confidence))

	return models.Prediction{
		Density:      res.Density,
		Confidence:   res.Confidence,
		ModelVersion: s.currentVersion(ctx),
		Timestamp:    s.now().Format(TimestampLayout),
		FeaturesUsed: models.FeaturesUsed{
			Coordinates:          [2]float64{pc.Latitude, pc.Longitude},
			Temporal:             models.TemporalFeatures{Hour: pc.Hour, DayOfWeek: pc.DayOfWeek},
			Weather:              pc.Weather,
			HistoricalDataPoints: pc.HistoricalSampleCount,
		},
	}, nil
}

// BatchItem is one batch input. DecodeErr marks an item the transport could not parse.
type BatchItem struct {
	Request   models.PredictionRequest
	DecodeErr error
}

// Batch item error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMissingField   = "MISSING_FIELD"
	CodeInvalidField   = "INVALID_FIELD"
	CodeInternalError  = "INTERNAL_ERROR"
)

// PredictBatch classifies each item independently and returns one result per
// item in input order. A failing item carries its own error and never affects
// its siblings. Items without an id get their position. There is no simulated
// latency; a done ctx stops the batch between items.
func (s *PredictionService) PredictBatch(ctx context.Context, items []BatchItem) ([]models.BatchPredictionResult, error) {
	results := make([]models.BatchPredictionResult, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			observability.PredictionFailuresTotal.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("batch predict: %w", err)
		}
		r := models.BatchPredictionResult{ID: item.Request.ID}
		if r.ID == nil {
			r.ID = i
		}
		if item.DecodeErr != nil {
			r.Error = &models.BatchItemError{Code: CodeInvalidRequest, Message: item.DecodeErr.Error()}
			observability.PredictionFailuresTotal.WithLabelValues("validation").Inc()
			results = append(results, r)
			continue
		}
		pc, err := validation.ValidatePrediction(item.Request)
		if err != nil {
			r.Error = itemError(err)
			observability.PredictionFailuresTotal.WithLabelValues("validation").Inc()
			results = append(results, r)
			continue
		}
		res, err := s.classify(pc)
		if err != nil {
			r.Error = &models.BatchItemError{Code: CodeInternalError, Message: err.Error()}
			observability.PredictionFailuresTotal.WithLabelValues("internal").Inc()
			results = append(results, r)
			continue
		}
		r.Density, r.Confidence = res.Density, res.Confidence
		observability.RecordPrediction(res.Density, res.Confidence, modeBatch)
		results = append(results, r)
	}
	return results, nil
}

func itemError(err error) *models.BatchItemError {
	var verr *validation.Error
	if errors.As(err, &verr) {
		code := CodeInvalidField
		if verr.Missing {
			code = CodeMissingField
		}
		return &models.BatchItemError{Code: code, Message: verr.Error(), Field: verr.Field}
	}
	return &models.BatchItemError{Code: CodeInvalidField, Message: err.Error()}
}

// ModelInfo returns the model metadata with the active version.
func (s *PredictionService) ModelInfo(ctx context.Context) models.ModelInfo {
	s.mu.Lock()
	lastTrained := s.lastTrained
	s.mu.Unlock()
	return models.ModelInfo{
		ModelName:        "Traffic Prediction Model",
		Version:          s.currentVersion(ctx),
		Algorithm:        "Random Forest + LSTM",
		TrainingDataSize: "1M+ traffic records",
		Accuracy:         "87.5%",
		LastTrained:      lastTrained,
		SupportedFeatures: []string{
			"coordinates",
			"time_of_day",
			"day_of_week",
			"weather_conditions",
			"historical_patterns",
		},
	}
}

// Retrain simulates a training run and activates a new version in the store.
// Concurrent calls share one run.
func (s *PredictionService) Retrain(ctx context.Context) (models.RetrainResult, error) {
	logger := observability.LoggerFrom(ctx)
	res, shared, err := s.retrains.GetOrDo(ctx, retrainKey, func() (models.RetrainResult, error) {
		return s.train(ctx)
	})
	if err != nil {
		observability.ModelRetrainsTotal.WithLabelValues("failed").Inc()
		logger.Error("retrain failed", zap.Error(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.RetrainResult{}, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
		}
		return models.RetrainResult{}, err
	}
	if !shared {
		observability.ModelRetrainsTotal.WithLabelValues("success").Inc()
	}
	logger.Info("retrain complete", zap.String("new_version", res.NewVersion), zap.Bool("shared", shared))
	return res, nil
}

func (s *PredictionService) train(ctx context.Context) (models.RetrainResult, error) {
	start := s.now()
	if s.opts.RetrainDuration > 0 {
		if err := sleepCtx(ctx, s.opts.RetrainDuration); err != nil {
			return models.RetrainResult{}, err
		}
	}
	version := fmt.Sprintf("v1.2.%d", randengine.IntBetween(s.src, 4, 10))
	improvement := randengine.Uniform(s.src, 0.5, 2.0)

	if err := s.store.Set(ctx, version); err != nil {
		observability.ModelStoreErrorsTotal.WithLabelValues("set").Inc()
		return models.RetrainResult{}, fmt.Errorf("%w: persist version %s: %w", ErrTrainingFailed, version, err)
	}
	finished := s.now()
	s.mu.Lock()
	s.lastTrained = finished.UTC().Format(time.RFC3339)
	s.mu.Unlock()

	return models.RetrainResult{
		Status:              "Training completed",
		NewVersion:          version,
		TrainingTime:        fmt.Sprintf("%.1f seconds (simulated)", finished.Sub(start).Seconds()),
		AccuracyImprovement: fmt.Sprintf("+%.1f%%", improvement),
		Timestamp:           finished.Format(TimestampLayout),
	}, nil
}

// currentVersion reads the active version, falling back to the default when
// none is stored or the store fails.
func (s *PredictionService) currentVersion(ctx context.Context) string {
	version, ok, err := s.store.Get(ctx)
	if err != nil {
		observability.ModelStoreErrorsTotal.WithLabelValues("get").Inc()
		observability.LoggerFrom(ctx).Warn("model store read failed, using default version", zap.Error(err))
		return s.opts.DefaultModelVersion
	}
	if !ok {
		return s.opts.DefaultModelVersion
	}
	return version
}

// classify runs the classifier, converting a panic into ErrInternal.
func (s *PredictionService) classify(pc models.PredictionContext) (res models.PredictionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = models.PredictionResult{}, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return s.classifier.Classify(pc), nil
}

func (s *PredictionService) simulateLatency(ctx context.Context) error {
	if s.opts.MaxLatency <= 0 {
		return ctx.Err()
	}
	d := time.Duration(randengine.Uniform(s.src, float64(s.opts.MinLatency), float64(s.opts.MaxLatency)))
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
