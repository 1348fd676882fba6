package main

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/config"
	"github.com/kjstillabower/traffic-mock-service/internal/modelstore"
)

// TestNewModelStore verifies backend selection. Creating the memcached store does not dial.
func TestNewModelStore(t *testing.T) {
	store, mc := newModelStore(&config.Config{ModelStoreBackend: "in_memory"}, zap.NewNop())
	if _, ok := store.(*modelstore.InMemoryStore); !ok || mc != nil {
		t.Errorf("in_memory backend = %T, memcached = %v", store, mc)
	}

	store, mc = newModelStore(&config.Config{ModelStoreBackend: "memcached", MemcachedAddrs: "127.0.0.1:1"}, zap.NewNop())
	if mc == nil || store != modelstore.Store(mc) {
		t.Errorf("memcached backend = %T, memcached = %v", store, mc)
	}
	_ = mc.Close()
}

// TestCoverageGaps_IntentionallyUntested documents why the rest of main is not unit tested.
// Run with -v to see skip reason.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Skip("main() only wires config, classifier and router around signal handling; the full router is tested in internal/http")
}
