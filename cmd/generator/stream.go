package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/traffic-mock-service/internal/driver"
)

func newStreamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Send observations for random locations in real time",
		Long: `stream repeatedly picks a random city and a random location in it, sends an
observation stamped with the current time and waits a random interval between
--min-interval and --max-interval. It stops after --minutes, after --samples
observations, or on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			if cmd.Flags().Changed("minutes") {
				minutes, _ := cmd.Flags().GetInt("minutes")
				a.cfg.Stream.Duration = time.Duration(minutes) * time.Minute
			}
			cat, err := a.catalog()
			if err != nil {
				return err
			}
			sink, err := a.newSink(ctx, "stream")
			if err != nil {
				return err
			}
			max := int64(-1)
			if a.cfg.Stream.MaxSamples > 0 {
				max = int64(a.cfg.Stream.MaxSamples)
			}
			bar := a.newBar(max, "stream")
			d, err := a.newDriver(sink, cat, bar)
			if err != nil {
				_ = sink.Close()
				return err
			}
			sum, runErr := d.Stream(ctx, driver.StreamOptions{
				Duration:    a.cfg.Stream.Duration,
				MinInterval: a.cfg.Stream.MinInterval,
				MaxInterval: a.cfg.Stream.MaxInterval,
				MaxSamples:  a.cfg.Stream.MaxSamples,
			})
			return a.finish(cmd, sink, bar, sum, runErr)
		},
	}
	f := cmd.Flags()
	f.Int("minutes", 60, "how long to stream in minutes (0 streams until stopped); overrides --duration")
	f.Duration("duration", 0, "how long to stream, e.g. 90s (default 60m)")
	f.Duration("min-interval", 0, "shortest wait between observations (default 5s)")
	f.Duration("max-interval", 0, "longest wait between observations (default 15s)")
	f.Int("samples", 0, "stop after this many observations (0 = no limit)")
	bindFlags(a.v, cmd, map[string]string{
		"stream.duration":     "duration",
		"stream.min_interval": "min-interval",
		"stream.max_interval": "max-interval",
		"stream.max_samples":  "samples",
	})
	return cmd
}
