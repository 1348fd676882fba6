package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/outcome"
)

// RouterConfig holds the cross-cutting settings applied by NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter throttles the prediction and model routes; nil disables rate limiting.
	Limiter *rate.Limiter
	Tracker *outcome.Tracker
	// RequestTimeout bounds prediction and model routes; 0 disables it.
	RequestTimeout time.Duration
}

// NewRouter mounts the facade routes. /health and /metrics bypass rate
// limiting and timeouts so they stay observable under load.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/predict", h.Predict).Methods(http.MethodPost)
	api.HandleFunc("/batch/predict", h.BatchPredict).Methods(http.MethodPost)
	api.HandleFunc("/model/info", h.ModelInfo).Methods(http.MethodGet)
	api.HandleFunc("/model/retrain", h.Retrain).Methods(http.MethodPost)
	return router
}
