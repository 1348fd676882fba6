//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/traffic-mock-service/internal/modelstore"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
	"github.com/kjstillabower/traffic-mock-service/internal/service"
	"github.com/kjstillabower/traffic-mock-service/internal/simulation"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	StoreBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
	Seed          uint64
}

// GetIntegrationConfig loads integration test configuration from environment.
// INTEGRATION_STORE_BACKEND selects the model store; MEMCACHED_ADDRS locates memcached.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		StoreBackend:  os.Getenv("INTEGRATION_STORE_BACKEND"),
		MemcachedAddr: memcachedAddr,
		Seed:          20240115,
	}
}

// SetupIntegrationService builds a prediction service on the real classifier with
// short simulated delays. A memcached backend that does not answer a ping falls
// back to the in-memory store. Returns the service, its store and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.PredictionService, modelstore.Store, func()) {
	t.Helper()
	src := randengine.New(cfg.Seed)
	classifier, err := simulation.NewClassifier(simulation.DefaultClassifierCalibration(), src)
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	var store modelstore.Store = modelstore.NewInMemoryStore()
	cleanup := func() {}
	if cfg.StoreBackend == "memcached" {
		mc := modelstore.NewMemcachedStore(cfg.MemcachedAddr, "traffic-model-it:", 500*time.Millisecond, 2)
		if err := mc.Ping(); err == nil {
			store = mc
			cleanup = func() { _ = mc.Close() }
			t.Logf("Using memcached model store at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory model store", err)
			_ = mc.Close()
		}
	}

	svc := service.NewPredictionService(classifier, store, src, service.Options{
		MinLatency:      5 * time.Millisecond,
		MaxLatency:      20 * time.Millisecond,
		RetrainDuration: 50 * time.Millisecond,
	})
	return svc, store, cleanup
}
