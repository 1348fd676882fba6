// Package lifecycle tracks process-wide shutdown state shared by the HTTP
// facade and the generator.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	shuttingDown  atomic.Bool
	shutdownSince atomic.Int64 // unix nanos, 0 when not shutting down
)

// SetShuttingDown sets the shutdown flag. /health reports shutting-down (503) while true.
func SetShuttingDown(v bool) {
	if v {
		shutdownSince.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		shutdownSince.Store(0)
	}
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// ShuttingDownSince returns when the flag was first set, or the zero time.
func ShuttingDownSince() time.Time {
	ns := shutdownSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM. The shutdown
// flag is set as soon as a signal arrives, before the caller observes ctx.Done.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			SetShuttingDown(true)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
