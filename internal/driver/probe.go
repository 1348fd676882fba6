package driver

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/ingest"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

// PlatformAPI is the authorized surface the probe calls; *ingest.Client implements it.
type PlatformAPI interface {
	Get(ctx context.Context, path string, query url.Values) (*ingest.Response, error)
	PostJSON(ctx context.Context, path string, v interface{}) (*ingest.Response, error)
}

// ProbeResult is the outcome of one endpoint check.
type ProbeResult struct {
	Name       string
	Method     string
	Path       string
	StatusCode int // 0 when no response was received
	Duration   time.Duration
	Body       []byte
	Err        error
}

// OK reports whether the endpoint answered 200.
func (r ProbeResult) OK() bool {
	return r.Err == nil && r.StatusCode == http.StatusOK
}

type signalOptimizeRequest struct {
	IntersectionID string `json:"intersectionId"`
	North          int    `json:"north"`
	South          int    `json:"south"`
	East           int    `json:"east"`
	West           int    `json:"west"`
}

// Probe exercises the platform's prediction, routing, signal and trend
// endpoints once each with fixed sample inputs. Every endpoint is attempted
// regardless of earlier failures.
func Probe(ctx context.Context, api PlatformAPI, now time.Time, logger *zap.Logger) []ProbeResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	checks := []struct {
		name, method, path string
		call               func() (*ingest.Response, error)
	}{
		{"prediction", http.MethodGet, "/traffic/predict", func() (*ingest.Response, error) {
			return api.Get(ctx, "/traffic/predict", url.Values{
				"lat":       {"16.5062"},
				"lon":       {"80.6480"},
				"timestamp": {now.Format(models.ObservationTimeLayout)},
			})
		}},
		{"route", http.MethodGet, "/traffic/route", func() (*ingest.Response, error) {
			return api.Get(ctx, "/traffic/route", url.Values{
				"source":      {"Vijayawada Junction"},
				"destination": {"PNBS Bus Stand"},
				"eco":         {"true"},
			})
		}},
		{"signal optimization", http.MethodPost, "/traffic/signal/optimize", func() (*ingest.Response, error) {
			return api.PostJSON(ctx, "/traffic/signal/optimize", signalOptimizeRequest{
				IntersectionID: "INT-TEST-001", North: 45, South: 35, East: 25, West: 30,
			})
		}},
		{"trends", http.MethodGet, "/traffic/trends", func() (*ingest.Response, error) {
			return api.Get(ctx, "/traffic/trends", url.Values{
				"location": {"Vijayawada"},
				"period":   {"daily"},
			})
		}},
	}

	results := make([]ProbeResult, 0, len(checks))
	for _, c := range checks {
		start := time.Now()
		resp, err := c.call()
		r := ProbeResult{Name: c.name, Method: c.method, Path: c.path, Duration: time.Since(start), Err: err}
		if resp != nil {
			r.StatusCode = resp.StatusCode
			r.Body = resp.Body
		}
		if r.OK() {
			logger.Info("probe ok", zap.String("endpoint", c.path), zap.Duration("duration", r.Duration))
		} else {
			logger.Warn("probe failed", zap.String("endpoint", c.path), zap.Int("status", r.StatusCode), zap.Error(err))
		}
		results = append(results, r)
	}
	return results
}
