// Package modelstore holds the active model version so that every replica
// reports the same version after a retrain.
package modelstore

import (
	"context"
	"sync"
)

// Store reads and writes the active model version.
// Get returns ok=false when no version has been recorded yet.
type Store interface {
	Get(ctx context.Context) (version string, ok bool, err error)
	Set(ctx context.Context, version string) error
}

// InMemoryStore implements Store for a single replica. Safe for concurrent use.
type InMemoryStore struct {
	mu      sync.RWMutex
	version string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.version != "", nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
	return nil
}
