package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/driver"
)

func newBackfillCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Send one observation per location for every hour of a past range",
		Long: `backfill walks from --start (default: --days ago) to --end (default: now) in
--step increments and sends one observation for every catalog location at each step.
Failed sends are counted and logged; the run continues.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			cat, err := a.catalog()
			if err != nil {
				return err
			}
			start, end := a.cfg.BackfillRange(a.now())
			steps := int(end.Sub(start)/a.cfg.Backfill.Step) + 1
			sink, err := a.newSink(ctx, "backfill")
			if err != nil {
				return err
			}
			bar := a.newBar(int64(steps*cat.Size()), "backfill")
			d, err := a.newDriver(sink, cat, bar)
			if err != nil {
				_ = sink.Close()
				return err
			}
			a.logger.Info("starting backfill",
				zap.Time("start", start),
				zap.Time("end", end),
				zap.Int("locations", cat.Size()))
			sum, runErr := d.Backfill(ctx, driver.BackfillOptions{Start: start, End: end, Step: a.cfg.Backfill.Step})
			return a.finish(cmd, sink, bar, sum, runErr)
		},
	}
	f := cmd.Flags()
	f.Int("days", 7, "days of history to generate, ending now")
	f.String("start", "", "range start (RFC3339); overrides --days")
	f.String("end", "", "range end (RFC3339, default now)")
	f.Duration("step", time.Hour, "time between samples")
	bindFlags(a.v, cmd, map[string]string{
		"backfill.days":  "days",
		"backfill.start": "start",
		"backfill.end":   "end",
		"backfill.step":  "step",
	})
	return cmd
}
