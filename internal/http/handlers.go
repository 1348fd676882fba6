package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/lifecycle"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/outcome"
	"github.com/kjstillabower/traffic-mock-service/internal/service"
	"github.com/kjstillabower/traffic-mock-service/internal/validation"
)

// maxBodyBytes bounds request bodies; a full batch of maximum size fits well within it.
const maxBodyBytes = 1 << 20

// HealthConfig holds health thresholds and optional dependency checks.
type HealthConfig struct {
	Thresholds outcome.Thresholds
	Version    string
	// ModelStorePing, when set, reports model store reachability. Used when backend is memcached.
	ModelStorePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc          *service.PredictionService
	tracker      *outcome.Tracker
	healthConfig *HealthConfig
	logger       *zap.Logger
	maxBatchSize int

	healthStatusMu   sync.Mutex
	healthStatusPrev outcome.Status
}

// NewHandler returns a new Handler. maxBatchSize <= 0 disables the batch size limit.
func NewHandler(svc *service.PredictionService, tracker *outcome.Tracker, healthConfig *HealthConfig, logger *zap.Logger, maxBatchSize int) *Handler {
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:          svc,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
		maxBatchSize: maxBatchSize,
	}
}

// Predict handles POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req models.PredictionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	pc, err := validation.ValidatePrediction(req)
	if err != nil {
		observability.PredictionFailuresTotal.WithLabelValues("validation").Inc()
		writeValidationError(w, r, err)
		return
	}

	pred, err := h.svc.Predict(r.Context(), pc)
	if err != nil {
		h.tracker.RecordError()
		writeServiceError(w, r, err, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, pred)
}

type batchRequest struct {
	Requests []json.RawMessage `json:"requests"`
}

type batchResponse struct {
	Results          []models.BatchPredictionResult `json:"results"`
	TotalPredictions int                            `json:"total_predictions"`
	Timestamp        string                         `json:"timestamp"`
}

// BatchPredict handles POST /batch/predict. Items are decoded one by one so a
// malformed item is reported in its own result.
func (h *Handler) BatchPredict(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, r, http.StatusBadRequest, "NO_REQUESTS", "No prediction requests provided")
		return
	}
	if h.maxBatchSize > 0 && len(body.Requests) > h.maxBatchSize {
		writeError(w, r, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("Batch of %d requests exceeds the limit of %d", len(body.Requests), h.maxBatchSize))
		return
	}

	items := make([]service.BatchItem, len(body.Requests))
	for i, raw := range body.Requests {
		if err := json.Unmarshal(raw, &items[i].Request); err != nil {
			items[i].DecodeErr = errors.New(decodeErrorMessage(err))
		}
	}

	results, err := h.svc.PredictBatch(r.Context(), items)
	if err != nil {
		h.tracker.RecordError()
		writeServiceError(w, r, err, http.StatusInternalServerError, "INTERNAL_ERROR", "Batch prediction failed")
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, batchResponse{
		Results:          results,
		TotalPredictions: len(results),
		Timestamp:        time.Now().Format(service.TimestampLayout),
	})
}

// ModelInfo handles GET /model/info.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ModelInfo(r.Context()))
}

// Retrain handles POST /model/retrain.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Retrain(r.Context())
	if err != nil {
		h.tracker.RecordError()
		writeServiceError(w, r, err, http.StatusInternalServerError, "TRAINING_FAILED", "Training failed")
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, res)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status, reason := h.tracker.Evaluate(h.healthConfig.Thresholds, lifecycle.IsShuttingDown())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", string(prev)),
			zap.String("current_status", string(status)),
			zap.String("reason", reason))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"model": "healthy"}
	if status == outcome.StatusDegraded {
		checks["model"] = "unhealthy"
	}
	if h.healthConfig.ModelStorePing != nil {
		if h.healthConfig.ModelStorePing() == nil {
			checks["modelStore"] = "healthy"
		} else {
			checks["modelStore"] = "unhealthy"
		}
	}
	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	statusCode := http.StatusOK
	if status != outcome.StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"service":   "Traffic ML Service",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().Format(service.TimestampLayout),
	})
}

// decodeBody decodes a single JSON value from the size-limited request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeDecodeError maps a body decoding failure: a wrongly typed field becomes
// INVALID_FIELD naming the field, anything else INVALID_REQUEST.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		writeFieldError(w, r, http.StatusBadRequest, "INVALID_FIELD", decodeErrorMessage(err), typeErr.Field)
		return
	}
	writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", decodeErrorMessage(err))
}

func decodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Sprintf("Invalid field %s: expected %s", typeErr.Field, typeErr.Type)
	case errors.As(err, &maxErr):
		return "Request body too large"
	default:
		return "Request body must be a JSON object"
	}
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	code := "INVALID_FIELD"
	if verr.Missing {
		code = "MISSING_FIELD"
	}
	writeFieldError(w, r, http.StatusBadRequest, code, verr.Error(), verr.Field)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeFieldError(w, r, status, code, message, "")
}

func writeFieldError(w http.ResponseWriter, r *http.Request, status int, code, message, field string) {
	body := map[string]string{
		"code":      code,
		"message":   message,
		"requestId": observability.CorrelationIDFrom(r.Context()),
	}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// writeServiceError maps a service failure to a response. A deadline or
// cancellation becomes 503 TIMEOUT; anything else the given status and code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, status int, code, message string) {
	logger := observability.LoggerFrom(r.Context())
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warn("request timed out", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "TIMEOUT", "Request timed out")
		return
	}
	logger.Error("request failed", zap.String("code", code), zap.Error(err))
	writeError(w, r, status, code, message)
}
