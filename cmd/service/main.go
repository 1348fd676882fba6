package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/traffic-mock-service/internal/config"
	httphandler "github.com/kjstillabower/traffic-mock-service/internal/http"
	"github.com/kjstillabower/traffic-mock-service/internal/lifecycle"
	"github.com/kjstillabower/traffic-mock-service/internal/modelstore"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/outcome"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
	"github.com/kjstillabower/traffic-mock-service/internal/service"
	"github.com/kjstillabower/traffic-mock-service/internal/simulation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	seed := cfg.ModelSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := randengine.New(seed)
	classifier, err := simulation.NewClassifier(simulation.DefaultClassifierCalibration(), src)
	if err != nil {
		logger.Fatal("classifier", zap.Error(err))
	}

	store, memcacheStore := newModelStore(cfg, logger)

	predictionService := service.NewPredictionService(classifier, store, src, service.Options{
		DefaultModelVersion: cfg.ModelVersion,
		MinLatency:          cfg.MinLatency,
		MaxLatency:          cfg.MaxLatency,
		RetrainDuration:     cfg.RetrainDuration,
	})

	tracker := outcome.NewTracker()
	healthConfig := &httphandler.HealthConfig{
		Thresholds: outcome.Thresholds{
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
			RateLimitRPS:         cfg.RateLimitRPS,
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
		},
		Version: version,
	}
	if memcacheStore != nil {
		healthConfig.ModelStorePing = memcacheStore.Ping
	}
	handler := httphandler.NewHandler(predictionService, tracker, healthConfig, logger, cfg.MaxBatchSize)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(tracker, cfg.OverloadWindow)

	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("model_version", cfg.ModelVersion),
			zap.Uint64("seed", seed))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := lifecycle.NotifyContext(context.Background())
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheStore != nil {
		if err := memcacheStore.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newModelStore opens the configured backend. The memcached store is also
// returned on its own so main can ping and close it; it is nil otherwise.
func newModelStore(cfg *config.Config, logger *zap.Logger) (modelstore.Store, *modelstore.MemcachedStore) {
	if cfg.ModelStoreBackend == "memcached" {
		mc := modelstore.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedKeyPrefix, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		logger.Info("model store backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc
	}
	logger.Info("model store backend: in_memory")
	return modelstore.NewInMemoryStore(), nil
}
