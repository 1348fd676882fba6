package service

import (
	"context"
	"sync"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

// inFlightRetrain tracks a single training run that multiple callers may wait for.
type inFlightRetrain struct {
	done   chan struct{}
	result models.RetrainResult
	err    error
}

// requestCoalescer joins concurrent calls for the same key onto one execution of fn.
// Later callers wait for the first caller's result instead of starting their own run.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRetrain
}

func newRequestCoalescer() *requestCoalescer {
	return &requestCoalescer{inFlight: make(map[string]*inFlightRetrain)}
}

// GetOrDo runs fn for key unless a run is already in flight, in which case it
// waits for that run. shared reports whether the result came from another
// caller's run. A caller whose ctx ends stops waiting; the run itself continues.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.RetrainResult, error)) (result models.RetrainResult, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRetrain{done: make(chan struct{})}
		rc.inFlight[key] = req
		go func() {
			req.result, req.err = fn()
			rc.mu.Lock()
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(req.done)
		}()
	}
	rc.mu.Unlock()

	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-ctx.Done():
		return models.RetrainResult{}, exists, ctx.Err()
	}
}
