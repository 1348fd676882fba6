package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/kjstillabower/traffic-mock-service/internal/catalog"
)

// EnvPrefix prefixes every generator environment variable, e.g. TRAFFICGEN_PLATFORM_PASSWORD.
const EnvPrefix = "TRAFFICGEN"

// Sink types accepted by sink.type.
const (
	SinkIngest = "ingest"
	SinkKafka  = "kafka"
	SinkMQTT   = "mqtt"
	SinkS3     = "s3"
	SinkStdout = "stdout"
)

// GeneratorConfig drives cmd/generator. It is decoded by viper from flags,
// TRAFFICGEN_* environment variables, an optional YAML file and .env.
type GeneratorConfig struct {
	Platform    PlatformConfig   `mapstructure:"platform"`
	Sink        SinkConfig       `mapstructure:"sink"`
	Generator   GenerationConfig `mapstructure:"generator"`
	Backfill    BackfillConfig   `mapstructure:"backfill"`
	Stream      StreamConfig     `mapstructure:"stream"`
	MetricsAddr string           `mapstructure:"metrics_addr"`
}

// PlatformConfig locates and authenticates against the platform API.
type PlatformConfig struct {
	BaseURL        string               `mapstructure:"base_url"`
	Username       string               `mapstructure:"username"`
	Password       string               `mapstructure:"password"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	RetryAttempts  int                  `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration        `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration        `mapstructure:"retry_max_delay"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker around ingest calls.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// SinkConfig selects where observations go. Only the section for Type is used.
type SinkConfig struct {
	Type  string          `mapstructure:"type"`
	Kafka KafkaSinkConfig `mapstructure:"kafka"`
	MQTT  MQTTSinkConfig  `mapstructure:"mqtt"`
	S3    S3SinkConfig    `mapstructure:"s3"`
}

// KafkaSinkConfig configures the Kafka producer sink.
type KafkaSinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MQTTSinkConfig configures the MQTT publisher sink.
type MQTTSinkConfig struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         int           `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// S3SinkConfig configures the S3 upload sink.
type S3SinkConfig struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to the generated object key.
	Prefix string `mapstructure:"prefix"`
}

// GenerationConfig holds settings shared by backfill and stream.
type GenerationConfig struct {
	Seed          uint64         `mapstructure:"seed"`
	Rate          float64        `mapstructure:"rate"`
	TimeZone      string         `mapstructure:"time_zone"`
	ProgressEvery int            `mapstructure:"progress_every"`
	Cities        []catalog.City `mapstructure:"cities"`
	OnlyCities    []string       `mapstructure:"only_cities"`
}

// BackfillConfig selects the historical range. Start and End override Days.
type BackfillConfig struct {
	Days  int           `mapstructure:"days"`
	Start time.Time     `mapstructure:"start"`
	End   time.Time     `mapstructure:"end"`
	Step  time.Duration `mapstructure:"step"`
}

// StreamConfig bounds a real-time run.
type StreamConfig struct {
	Duration    time.Duration `mapstructure:"duration"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	MaxSamples  int           `mapstructure:"max_samples"`
}

// SetGeneratorDefaults registers defaults and environment bindings on v.
func SetGeneratorDefaults(v *viper.Viper) {
	v.SetDefault("platform.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("platform.username", "admin")
	v.SetDefault("platform.password", "secure123")
	v.SetDefault("platform.timeout", "10s")
	v.SetDefault("platform.retry_attempts", 3)
	v.SetDefault("platform.retry_base_delay", "100ms")
	v.SetDefault("platform.retry_max_delay", "2s")
	v.SetDefault("platform.circuit_breaker.enabled", true)
	v.SetDefault("platform.circuit_breaker.failure_threshold", 5)
	v.SetDefault("platform.circuit_breaker.success_threshold", 2)
	v.SetDefault("platform.circuit_breaker.timeout", "30s")

	v.SetDefault("sink.type", SinkIngest)
	v.SetDefault("sink.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("sink.kafka.topic", "traffic-observations")
	v.SetDefault("sink.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("sink.mqtt.client_id", "traffic-generator")
	v.SetDefault("sink.mqtt.topic_prefix", "traffic/observations")
	v.SetDefault("sink.mqtt.qos", 1)
	v.SetDefault("sink.mqtt.timeout", "5s")
	v.SetDefault("sink.s3.region", "us-east-1")
	v.SetDefault("sink.s3.bucket", "")
	v.SetDefault("sink.s3.prefix", "observations/")

	v.SetDefault("generator.seed", 0)
	v.SetDefault("generator.rate", 10.0)
	v.SetDefault("generator.time_zone", "Local")
	v.SetDefault("generator.progress_every", 50)
	v.SetDefault("generator.only_cities", []string{})

	v.SetDefault("backfill.days", 7)
	v.SetDefault("backfill.step", "1h")
	v.SetDefault("stream.duration", "60m")
	v.SetDefault("stream.min_interval", "5s")
	v.SetDefault("stream.max_interval", "15s")
	v.SetDefault("stream.max_samples", 0)
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Range ends have no default; bind them so TRAFFICGEN_BACKFILL_START/END are seen.
	_ = v.BindEnv("backfill.start")
	_ = v.BindEnv("backfill.end")
}

// LoadGenerator loads dotenvPath (when present) into the process environment,
// reads cfgFile (when set) and decodes v into a validated GeneratorConfig.
// SetGeneratorDefaults must have been called on v.
func LoadGenerator(v *viper.Viper, cfgFile, dotenvPath string) (*GeneratorConfig, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read generator config: %w", err)
		}
	}

	var cfg GeneratorConfig
	hook := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			emptyStringToZeroTimeHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode generator config: %w", err)
	}
	cfg.Sink.Type = strings.ToLower(strings.TrimSpace(cfg.Sink.Type))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// emptyStringToZeroTimeHook decodes "" (an unset --start/--end flag) as the zero time.
func emptyStringToZeroTimeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() == reflect.String && to == reflect.TypeOf(time.Time{}) && strings.TrimSpace(reflect.ValueOf(data).String()) == "" {
			return time.Time{}, nil
		}
		return data, nil
	}
}

func (c *GeneratorConfig) validate() error {
	switch c.Sink.Type {
	case SinkIngest, SinkStdout:
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka requires brokers and a topic")
		}
	case SinkMQTT:
		if c.Sink.MQTT.Broker == "" {
			return fmt.Errorf("sink.mqtt.broker is required")
		}
		if c.Sink.MQTT.QoS < 0 || c.Sink.MQTT.QoS > 2 {
			return fmt.Errorf("sink.mqtt.qos must be 0, 1 or 2, got %d", c.Sink.MQTT.QoS)
		}
	case SinkS3:
		if c.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required")
		}
	default:
		return fmt.Errorf("sink.type must be one of ingest, kafka, mqtt, s3, stdout; got %q", c.Sink.Type)
	}
	if c.Sink.Type == SinkIngest && c.Platform.Username == "" {
		return fmt.Errorf("platform.username is required for the ingest sink")
	}
	if _, err := time.LoadLocation(c.Generator.TimeZone); err != nil {
		return fmt.Errorf("generator.time_zone: %w", err)
	}
	if c.Backfill.Start.IsZero() && c.Backfill.Days <= 0 {
		return fmt.Errorf("backfill.days must be positive, got %d", c.Backfill.Days)
	}
	if c.Backfill.Step <= 0 {
		return fmt.Errorf("backfill.step must be positive, got %s", c.Backfill.Step)
	}
	if !c.Backfill.Start.IsZero() && !c.Backfill.End.IsZero() && c.Backfill.End.Before(c.Backfill.Start) {
		return fmt.Errorf("backfill.end is before backfill.start")
	}
	if c.Stream.MinInterval < 0 || c.Stream.MaxInterval < c.Stream.MinInterval {
		return fmt.Errorf("stream intervals must satisfy 0 <= min_interval <= max_interval")
	}
	return nil
}

// Location returns the configured time zone. validate has already checked it loads.
func (c *GeneratorConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Generator.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Catalog returns the configured cities (or the built-in catalog when none are
// configured), narrowed to generator.only_cities when set.
func (c *GeneratorConfig) Catalog() (*catalog.Catalog, error) {
	cat := catalog.Default()
	if len(c.Generator.Cities) > 0 {
		var err error
		if cat, err = catalog.New(c.Generator.Cities); err != nil {
			return nil, fmt.Errorf("generator.cities: %w", err)
		}
	}
	return cat.Filter(c.Generator.OnlyCities)
}

// BackfillRange resolves the range to backfill: explicit start/end when set,
// otherwise the last backfill.days days up to now.
func (c *GeneratorConfig) BackfillRange(now time.Time) (time.Time, time.Time) {
	end := c.Backfill.End
	if end.IsZero() {
		end = now
	}
	start := c.Backfill.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -c.Backfill.Days)
	}
	return start, end
}
