package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/outcome"
)

// TestCorrelationIDMiddleware_GeneratesID verifies that a missing header gets a fresh ID
// that is visible to the handler and echoed on the response.
func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	h := CorrelationIDMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFrom(r.Context())
	}))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/predict", nil))

	if seen == "" {
		t.Fatal("handler saw no correlation ID")
	}
	if got := w.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}
}

// TestCorrelationIDMiddleware_ReusesHeader verifies that a caller-supplied ID is kept.
func TestCorrelationIDMiddleware_ReusesHeader(t *testing.T) {
	var seen string
	h := CorrelationIDMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")

	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "abc-123" {
		t.Errorf("correlation ID = %q, want abc-123", seen)
	}
}

// TestTimeoutMiddleware verifies the deadline is set, and that zero disables it.
func TestTimeoutMiddleware(t *testing.T) {
	var hasDeadline bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	TimeoutMiddleware(time.Second)(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("expected a deadline")
	}

	TimeoutMiddleware(0)(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if hasDeadline {
		t.Error("timeout 0 must not set a deadline")
	}
}

// TestRateLimitMiddleware verifies denials return 429 and are recorded, and
// that /health stays reachable through the router.
func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, envOptions{router: RouterConfig{Limiter: rate.NewLimiter(0, 1)}})

	if w := env.do(http.MethodGet, "/model/info", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := env.do(http.MethodGet, "/model/info", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", code)
	}
	if n := env.tracker.DenialCount(time.Minute); n != 1 {
		t.Errorf("denials = %d, want 1", n)
	}
	if w := env.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
}

// TestRateLimitMiddleware_NilLimiter verifies that a nil limiter passes everything through.
func TestRateLimitMiddleware_NilLimiter(t *testing.T) {
	tracker := outcome.NewTracker()
	h := RateLimitMiddleware(nil, tracker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d", w.Code)
		}
	}
	if tracker.DenialCount(time.Minute) != 0 {
		t.Error("unexpected denial")
	}
}

// TestMetricsMiddleware_UnmatchedRoute verifies unknown paths get the fallback label.
func TestMetricsMiddleware_UnmatchedRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	if got := getRoute(req); got != "unmatched" {
		t.Errorf("getRoute = %q, want unmatched", got)
	}
	if got := statusCodeString(http.StatusServiceUnavailable); got != "5xx" {
		t.Errorf("statusCodeString = %q", got)
	}
}

// TestMetricsMiddleware_TracksInFlight verifies the in-flight counter covers the handler.
func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	var during int64
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during < 1 {
		t.Errorf("in-flight during request = %d, want >= 1", during)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight: %v", err)
	}
}
