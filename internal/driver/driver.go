// Package driver runs the observation builder over the location catalog,
// either across a historical time range or as a timed real-time loop, and
// hands each observation to a Sink.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/traffic-mock-service/internal/catalog"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
)

const (
	modeBackfill = "backfill"
	modeStream   = "stream"
)

// Builder synthesizes one observation; *simulation.ObservationBuilder implements it.
type Builder interface {
	Build(loc models.Location, ts time.Time) models.TrafficObservation
}

// Options tunes a Driver. Zero values select the defaults noted per field.
type Options struct {
	// Rate caps backfill sends per second (default 10). Negative disables pacing.
	Rate float64
	// ProgressEvery logs a progress line after this many successful sends (default 50).
	ProgressEvery int
	// OnProgress, when set, is called after every send with the running totals.
	OnProgress func(Summary)
	// TimeZone is the zone stream timestamps are taken in (default local).
	TimeZone *time.Location
	Logger   *zap.Logger
}

// Summary counts the sends of one run.
type Summary struct {
	Planned   int // 0 when the run length is not known up front
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// String renders the summary as succeeded/total plus failures.
func (s Summary) String() string {
	return fmt.Sprintf("%d/%d records ingested", s.Succeeded, s.Total)
}

// Driver is not safe for concurrent runs.
type Driver struct {
	catalog *catalog.Catalog
	builder Builder
	sink    Sink
	src     randengine.Source
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Driver over the locations of cat. cat, builder, sink and src are required.
func New(cat *catalog.Catalog, builder Builder, sink Sink, src randengine.Source, opts Options) (*Driver, error) {
	if cat == nil || builder == nil || sink == nil || src == nil {
		return nil, fmt.Errorf("driver: catalog, builder, sink and randomness source are required")
	}
	if opts.Rate == 0 {
		opts.Rate = 10
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 50
	}
	if opts.TimeZone == nil {
		opts.TimeZone = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return &Driver{
		catalog: cat,
		builder: builder,
		sink:    sink,
		src:     src,
		opts:    opts,
		logger:  logger.With(zap.String("sink", sink.Name())),
		limiter: limiter,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// BackfillOptions selects the historical range. Both ends are inclusive.
type BackfillOptions struct {
	Start time.Time
	End   time.Time
	Step  time.Duration // default one hour
}

// Backfill sends one observation per location for every step from Start to
// End. Send failures are counted and logged; only ctx cancellation ends the run
// early, in which case the partial summary is returned with ctx's error.
func (d *Driver) Backfill(ctx context.Context, o BackfillOptions) (Summary, error) {
	if o.Step <= 0 {
		o.Step = time.Hour
	}
	if o.End.Before(o.Start) {
		return Summary{}, fmt.Errorf("backfill: end %s is before start %s", o.End.Format(time.RFC3339), o.Start.Format(time.RFC3339))
	}
	locations := d.catalog.Locations()
	steps := int(o.End.Sub(o.Start)/o.Step) + 1
	sum := Summary{Planned: steps * len(locations)}
	started := d.now()

	d.logger.Info("backfill started",
		zap.Time("start", o.Start),
		zap.Time("end", o.End),
		zap.Duration("step", o.Step),
		zap.Int("planned", sum.Planned))

	for ts := o.Start; !ts.After(o.End); ts = ts.Add(o.Step) {
		for _, loc := range locations {
			if err := d.limiter.Wait(ctx); err != nil {
				sum.Elapsed = d.now().Sub(started)
				return sum, ctxErr(ctx, err)
			}
			if err := d.emit(ctx, modeBackfill, loc, ts, &sum); err != nil {
				sum.Elapsed = d.now().Sub(started)
				return sum, err
			}
		}
	}
	sum.Elapsed = d.now().Sub(started)
	d.logger.Info("backfill complete",
		zap.String("result", sum.String()),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

// StreamOptions bounds a real-time run. The run stops at whichever of Duration
// or MaxSamples is reached first; zero means no bound from that option.
type StreamOptions struct {
	Duration    time.Duration
	MinInterval time.Duration // default 5s
	MaxInterval time.Duration // default 15s
	MaxSamples  int
}

// Stream picks a random city, then a random location in it, sends an
// observation stamped with the current time and waits a uniform interval
// before the next one.
func (d *Driver) Stream(ctx context.Context, o StreamOptions) (Summary, error) {
	if o.MinInterval <= 0 {
		o.MinInterval = 5 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval
	}
	if o.Duration <= 0 && o.MaxSamples <= 0 {
		d.logger.Info("stream has no duration or sample bound, running until cancelled")
	}
	cities := d.catalog.Cities()
	started := d.now()
	var deadline time.Time
	if o.Duration > 0 {
		deadline = started.Add(o.Duration)
	}
	var sum Summary
	d.logger.Info("stream started",
		zap.Duration("duration", o.Duration),
		zap.Int("max_samples", o.MaxSamples))

	for {
		if !deadline.IsZero() && !d.now().Before(deadline) {
			break
		}
		if o.MaxSamples > 0 && sum.Total >= o.MaxSamples {
			break
		}
		city := cities[d.src.Intn(len(cities))]
		loc := city.Locations[d.src.Intn(len(city.Locations))]
		if err := d.emit(ctx, modeStream, loc, d.now().In(d.opts.TimeZone), &sum); err != nil {
			sum.Elapsed = d.now().Sub(started)
			return sum, err
		}
		if o.MaxSamples > 0 && sum.Total >= o.MaxSamples {
			break
		}
		wait := time.Duration(randengine.Uniform(d.src, float64(o.MinInterval), float64(o.MaxInterval)))
		if err := d.sleep(ctx, wait); err != nil {
			sum.Elapsed = d.now().Sub(started)
			return sum, ctxErr(ctx, err)
		}
	}
	sum.Elapsed = d.now().Sub(started)
	d.logger.Info("stream complete",
		zap.String("result", sum.String()),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

// emit builds and sends one observation and updates sum. It returns an error
// only when ctx is done; sink failures are recorded in sum.
func (d *Driver) emit(ctx context.Context, mode string, loc models.Location, ts time.Time, sum *Summary) error {
	obs := d.builder.Build(loc, ts)
	err := d.sink.Send(ctx, obs)
	observability.RecordObservation(mode, d.sink.Name(), obs.Location, err)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	sum.Total++
	if err != nil {
		sum.Failed++
		d.logger.Warn("observation not delivered",
			zap.String("mode", mode),
			zap.String("location", obs.Location),
			zap.String("timestamp", obs.Timestamp),
			zap.Error(err))
	} else {
		sum.Succeeded++
		if mode == modeStream {
			d.logger.Info("observation delivered",
				zap.String("location", obs.Location),
				zap.String("density", string(obs.TrafficDensity)))
		}
		if sum.Succeeded%d.opts.ProgressEvery == 0 {
			d.logger.Info("progress", zap.String("mode", mode), zap.Int("succeeded", sum.Succeeded), zap.Int("total", sum.Total))
		}
	}
	if d.opts.OnProgress != nil {
		d.opts.OnProgress(*sum)
	}
	return nil
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCancellation reports whether err only says the run was stopped.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
