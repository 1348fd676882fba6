package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency, simulated inference delay included. Watch for: p99 above the configured max latency.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, slow drains on shutdown.
	HTTPRequestsInFlight prometheus.Gauge

	// Predictions served by density and mode (single, batch). Watch for: distribution drift after calibration changes.
	PredictionsTotal *prometheus.CounterVec

	// Reported confidence. Should stay inside [0.5, 0.95].
	PredictionConfidence prometheus.Histogram

	// Failed predictions by reason (validation, internal, timeout).
	PredictionFailuresTotal *prometheus.CounterVec

	// Retrain requests by status (success, failed).
	ModelRetrainsTotal *prometheus.CounterVec

	// Model store errors by operation (get, set). Watch for: memcached outages.
	ModelStoreErrorsTotal *prometheus.CounterVec

	// Ingestion API calls by outcome category. Watch for: error vs success ratio.
	IngestCallsTotal *prometheus.CounterVec

	// Ingestion API latency per call. Watch for: p95 > 1s (platform saturation).
	IngestDuration *prometheus.HistogramVec

	// Retry attempts against the ingestion API. Watch for: high retries = unstable platform.
	IngestRetriesTotal prometheus.Counter

	// Circuit breaker transitions by component. Watch for: flapping.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state by component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Observations synthesized by the generator, by mode (backfill, stream).
	ObservationsGeneratedTotal *prometheus.CounterVec

	// Observations delivered by sink and status (success, error).
	ObservationsSentTotal *prometheus.CounterVec

	// Observations per location (allow-list; others go to "other").
	ObservationsByLocationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	// trackedLocations is built from the catalog; used to resolve location labels.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictionsTotal",
			Help: "Total number of density predictions served",
		},
		[]string{"density", "mode"},
	)
	PredictionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "predictionConfidence",
			Help:    "Confidence reported with each prediction",
			Buckets: []float64{.5, .55, .6, .65, .7, .75, .8, .85, .9, .95},
		},
	)
	PredictionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictionFailuresTotal",
			Help: "Total number of predictions that produced no result",
		},
		[]string{"reason"},
	)
	ModelRetrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelRetrainsTotal",
			Help: "Total number of simulated retrains",
		},
		[]string{"status"},
	)
	ModelStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelStoreErrorsTotal",
			Help: "Total number of model store failures",
		},
		[]string{"op"},
	)
	IngestCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestCallsTotal",
			Help: "Total number of platform ingestion API calls",
		},
		[]string{"status"},
	)
	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestDurationSeconds",
			Help:    "Platform ingestion API latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)
	IngestRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestRetriesTotal",
			Help: "Total number of retry attempts for ingestion API calls",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	ObservationsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationsGeneratedTotal",
			Help: "Total number of synthesized traffic observations",
		},
		[]string{"mode"},
	)
	ObservationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationsSentTotal",
			Help: "Total number of observations handed to a sink",
		},
		[]string{"sink", "status"},
	)
	ObservationsByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationsByLocationTotal",
			Help: "Observations by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		PredictionsTotal, PredictionConfidence, PredictionFailuresTotal,
		ModelRetrainsTotal, ModelStoreErrorsTotal,
		IngestCallsTotal, IngestDuration, IngestRetriesTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		ObservationsGeneratedTotal, ObservationsSentTotal, ObservationsByLocationTotal,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// WindowCounter reports sliding-window request and denial counts.
type WindowCounter interface {
	RequestCount(window time.Duration) int
	DenialCount(window time.Duration) int
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the overload window. Only the first call registers.
func RegisterRateLimitGauges(counter WindowCounter, window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(counter.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(counter.DenialCount(window)) },
			),
		)
	})
}

// RecordPrediction records one served prediction.
func RecordPrediction(density models.TrafficDensity, confidence float64, mode string) {
	PredictionsTotal.WithLabelValues(string(density), mode).Inc()
	PredictionConfidence.Observe(confidence)
}

// RecordCircuitBreakerTransition counts a state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the exported state of a breaker.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordShutdownInFlight records the in-flight count when shutdown started.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordObservation records one synthesized observation and the outcome of handing
// it to sink. Only delivered observations count toward the per-location series.
func RecordObservation(mode, sink, location string, err error) {
	ObservationsGeneratedTotal.WithLabelValues(mode).Inc()
	if err != nil {
		ObservationsSentTotal.WithLabelValues(sink, "error").Inc()
		return
	}
	ObservationsSentTotal.WithLabelValues(sink, "success").Inc()
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		ObservationsByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		ObservationsByLocationTotal.WithLabelValues("other").Inc()
	}
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
