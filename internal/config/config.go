package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	ModelVersion    string
	ModelSeed       uint64 // 0 seeds from the wall clock
	MinLatency      time.Duration
	MaxLatency      time.Duration
	RetrainDuration time.Duration
	MaxBatchSize    int

	RequestTimeout time.Duration

	ModelStoreBackend     string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedKeyPrefix    string

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Model struct {
		Version         string `yaml:"version"`
		Seed            uint64 `yaml:"seed"`
		MinLatency      string `yaml:"min_latency"`
		MaxLatency      string `yaml:"max_latency"`
		RetrainDuration string `yaml:"retrain_duration"`
		MaxBatchSize    int    `yaml:"max_batch_size"`
	} `yaml:"model"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	ModelStore struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			KeyPrefix    string `yaml:"key_prefix"`
		} `yaml:"memcached"`
	} `yaml:"model_store"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout      string `yaml:"timeout"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) under the
// working directory, then applies MODEL_STORE_BACKEND, MEMCACHED_ADDRS and
// MODEL_SEED overrides. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load rooted at dir instead of the working directory.
func LoadFrom(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "5000"
	}

	cfg.ModelVersion = strings.TrimSpace(fc.Model.Version)
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "v1.2.3"
	}
	cfg.ModelSeed = fc.Model.Seed
	if s := strings.TrimSpace(os.Getenv("MODEL_SEED")); s != "" {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MODEL_SEED must be a non-negative integer, got %q", s)
		}
		cfg.ModelSeed = seed
	}
	// Zero latencies are meaningful here: they disable the simulated delay.
	cfg.MinLatency = parseDurationOrZero(fc.Model.MinLatency, 100*time.Millisecond)
	cfg.MaxLatency = parseDurationOrZero(fc.Model.MaxLatency, 500*time.Millisecond)
	cfg.RetrainDuration = parseDurationOrZero(fc.Model.RetrainDuration, 2*time.Second)
	cfg.MaxBatchSize = fc.Model.MaxBatchSize
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.ModelStoreBackend = strings.TrimSpace(strings.ToLower(os.Getenv("MODEL_STORE_BACKEND")))
	if cfg.ModelStoreBackend == "" {
		cfg.ModelStoreBackend = strings.TrimSpace(strings.ToLower(fc.ModelStore.Backend))
	}
	if cfg.ModelStoreBackend == "" {
		cfg.ModelStoreBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.ModelStore.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.ModelStore.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.ModelStore.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedKeyPrefix = strings.TrimSpace(fc.ModelStore.Memcached.KeyPrefix)
	if cfg.MemcachedKeyPrefix == "" {
		cfg.MemcachedKeyPrefix = "traffic-model:"
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DrainTimeout = parseDuration(fc.Shutdown.DrainTimeout, 10*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.MinLatency < 0 || cfg.MaxLatency < 0 || cfg.RetrainDuration < 0 {
		return fmt.Errorf("model latencies and retrain duration must not be negative")
	}
	if cfg.MaxLatency < cfg.MinLatency {
		return fmt.Errorf("model.max_latency (%s) must not be below model.min_latency (%s)", cfg.MaxLatency, cfg.MinLatency)
	}
	if cfg.RequestTimeout <= cfg.MaxLatency {
		return fmt.Errorf("request.timeout (%s) must exceed model.max_latency (%s)", cfg.RequestTimeout, cfg.MaxLatency)
	}
	if cfg.RequestTimeout <= cfg.RetrainDuration {
		return fmt.Errorf("request.timeout (%s) must exceed model.retrain_duration (%s)", cfg.RequestTimeout, cfg.RetrainDuration)
	}
	switch cfg.ModelStoreBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("model_store.backend must be in_memory or memcached, got %q", cfg.ModelStoreBackend)
	}
	return nil
}
