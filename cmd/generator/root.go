package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/catalog"
	"github.com/kjstillabower/traffic-mock-service/internal/config"
	"github.com/kjstillabower/traffic-mock-service/internal/driver"
	"github.com/kjstillabower/traffic-mock-service/internal/ingest"
	"github.com/kjstillabower/traffic-mock-service/internal/lifecycle"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
	"github.com/kjstillabower/traffic-mock-service/internal/simulation"
)

// app carries what every subcommand needs once flags and config are resolved.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	noBar   bool

	cfg    *config.GeneratorConfig
	logger *zap.Logger
	now    func() time.Time
	// out receives stdout-sink records; it is the root command's output writer.
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), now: time.Now}
	config.SetGeneratorDefaults(a.v)

	root := &cobra.Command{
		Use:           "generator",
		Short:         "Generates synthetic traffic observations for the traffic platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger == nil {
				return nil
			}
			return observability.FlushTelemetry(context.Background(), a.logger)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file (e.g. config/generator.yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file with credentials; ignored when missing")
	pf.BoolVar(&a.noBar, "no-progress", false, "disable the progress bar")
	pf.String("sink", "ingest", "where observations go: ingest, kafka, mqtt, s3, stdout")
	pf.String("base-url", "http://localhost:8080/api/v1", "platform API base URL")
	pf.String("username", "admin", "platform username")
	pf.Uint64("seed", 0, "random seed (0 seeds from the clock)")
	pf.Float64("rate", 10, "maximum backfill observations per second (negative disables pacing)")
	pf.String("time-zone", "Local", "IANA time zone for stream timestamps")
	pf.StringSlice("cities", nil, "restrict generation to these cities")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9102)")
	bindFlags(a.v, root, map[string]string{
		"sink.type":             "sink",
		"platform.base_url":     "base-url",
		"platform.username":     "username",
		"generator.seed":        "seed",
		"generator.rate":        "rate",
		"generator.time_zone":   "time-zone",
		"generator.only_cities": "cities",
		"metrics_addr":          "metrics-addr",
	})

	root.AddCommand(newBackfillCmd(a), newStreamCmd(a), newProbeCmd(a))
	return root
}

func (a *app) init() error {
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.logger = logger
	cfg, err := config.LoadGenerator(a.v, a.cfgFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	return lifecycle.NotifyContext(context.Background())
}

func (a *app) catalog() (*catalog.Catalog, error) {
	cat, err := a.cfg.Catalog()
	if err != nil {
		return nil, err
	}
	observability.SetTrackedLocations(cat.LocationNames())
	return cat, nil
}

func (a *app) seed() uint64 {
	if a.cfg.Generator.Seed != 0 {
		return a.cfg.Generator.Seed
	}
	return uint64(time.Now().UnixNano())
}

func newBuilder(src randengine.Source) (*simulation.ObservationBuilder, error) {
	synth, err := simulation.NewSynthesizer(simulation.DefaultMagnitudeTable(), src)
	if err != nil {
		return nil, err
	}
	return simulation.NewObservationBuilder(simulation.DefaultBuilderCalibration(), synth, src)
}

// platformClient builds the authenticated platform client, with the circuit
// breaker attached when enabled.
func (a *app) platformClient() (*ingest.Client, error) {
	p := a.cfg.Platform
	client, err := ingest.NewClient(ingest.Config{
		BaseURL:        p.BaseURL,
		Username:       p.Username,
		Password:       p.Password,
		Timeout:        p.Timeout,
		RetryAttempts:  p.RetryAttempts,
		RetryBaseDelay: p.RetryBaseDelay,
		RetryMaxDelay:  p.RetryMaxDelay,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if cb := p.CircuitBreaker; cb.Enabled {
		client.SetCircuitBreaker(ingest.NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout))
		a.logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cb.FailureThreshold),
			zap.Duration("timeout", cb.Timeout))
	}
	return client, nil
}

// newSink opens the configured sink. mode names the run in S3 object keys.
func (a *app) newSink(ctx context.Context, mode string) (driver.Sink, error) {
	s := a.cfg.Sink
	switch s.Type {
	case config.SinkKafka:
		return driver.NewKafkaSink(s.Kafka.Brokers, s.Kafka.Topic)
	case config.SinkMQTT:
		return driver.NewMQTTSink(s.MQTT.Broker, s.MQTT.ClientID, s.MQTT.TopicPrefix, byte(s.MQTT.QoS), s.MQTT.Timeout)
	case config.SinkS3:
		key := fmt.Sprintf("%s%s/%s-%s.jsonl", s.S3.Prefix, mode, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
		return driver.NewS3Sink(ctx, s.S3.Region, s.S3.Bucket, key)
	case config.SinkStdout:
		return driver.NewWriterSink(a.out), nil
	default:
		client, err := a.platformClient()
		if err != nil {
			return nil, err
		}
		return driver.NewIngestSink(client), nil
	}
}

// newDriver wires catalog, builder and sink into a driver that advances bar, when set, after every send.
func (a *app) newDriver(sink driver.Sink, cat *catalog.Catalog, bar *progressbar.ProgressBar) (*driver.Driver, error) {
	src := randengine.New(a.seed())
	builder, err := newBuilder(src)
	if err != nil {
		return nil, err
	}
	opts := driver.Options{
		Rate:          a.cfg.Generator.Rate,
		ProgressEvery: a.cfg.Generator.ProgressEvery,
		TimeZone:      a.cfg.Location(),
		Logger:        a.logger,
	}
	if bar != nil {
		opts.OnProgress = func(s driver.Summary) { _ = bar.Set(s.Total) }
	}
	return driver.New(cat, builder, sink, src, opts)
}

// newBar returns nil when progress output is disabled or would interleave with stdout records.
func (a *app) newBar(max int64, description string) *progressbar.ProgressBar {
	if a.noBar || a.cfg.Sink.Type == config.SinkStdout {
		return nil
	}
	return progressbar.NewOptions64(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(max > 0),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// finish closes the sink and reports the run. Cancellation is a normal end.
func (a *app) finish(cmd *cobra.Command, sink driver.Sink, bar *progressbar.ProgressBar, sum driver.Summary, runErr error) error {
	if bar != nil {
		_ = bar.Finish()
	}
	closeErr := sink.Close()
	if closeErr != nil {
		a.logger.Error("sink close", zap.String("sink", sink.Name()), zap.Error(closeErr))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s (%d failed) in %s\n", sum, sum.Failed, sum.Elapsed.Round(time.Millisecond))
	if runErr != nil && !driver.IsCancellation(runErr) {
		return runErr
	}
	if runErr != nil {
		a.logger.Info("run stopped", zap.Error(runErr))
	}
	return closeErr
}

// bindFlags binds config keys to the named flags of cmd, local or persistent.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			panic(fmt.Sprintf("bindFlags: no flag %q on %s", name, cmd.Name()))
		}
		_ = v.BindPFlag(key, f)
	}
}
