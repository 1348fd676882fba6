//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/outcome"
	"github.com/kjstillabower/traffic-mock-service/internal/testhelpers"
)

// TestIntegration_RetrainVisibleToPredictions runs the full router over a real
// server and checks that a retrained version is reported by later predictions.
func TestIntegration_RetrainVisibleToPredictions(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	svc, _, cleanup := testhelpers.SetupIntegrationService(t, cfg)
	defer cleanup()

	tracker := outcome.NewTracker()
	h := NewHandler(svc, tracker, nil, zap.NewNop(), 50)
	srv := httptest.NewServer(NewRouter(h, RouterConfig{Tracker: tracker}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/model/retrain", "application/json", nil)
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	var res models.RetrainResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retrain status = %d", resp.StatusCode)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/predict", "application/json",
				strings.NewReader(`{"lat":12.9176,"lon":77.6227,"hour":18,"dayOfWeek":"Friday","weather":"RAIN"}`))
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			var p models.Prediction
			if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
				errs <- err.Error()
				return
			}
			if p.ModelVersion != res.NewVersion {
				errs <- "model_version " + p.ModelVersion + " != " + res.NewVersion
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
