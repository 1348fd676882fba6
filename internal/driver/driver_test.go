package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/traffic-mock-service/internal/catalog"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/randengine"
	"github.com/kjstillabower/traffic-mock-service/internal/simulation"
)

type call struct {
	loc models.Location
	ts  time.Time
}

type fakeBuilder struct {
	calls []call
}

func (b *fakeBuilder) Build(loc models.Location, ts time.Time) models.TrafficObservation {
	b.calls = append(b.calls, call{loc: loc, ts: ts})
	return models.TrafficObservation{
		Location:       loc.Name,
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		TrafficDensity: models.DensityLow,
		Timestamp:      ts.Format(models.ObservationTimeLayout),
	}
}

// recordingSink fails sends for the locations in failFor and runs onSend, if
// set, before recording.
type recordingSink struct {
	sent    []models.TrafficObservation
	failFor map[string]bool
	onSend  func(n int)
	closed  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, obs models.TrafficObservation) error {
	if s.onSend != nil {
		s.onSend(len(s.sent) + 1)
	}
	s.sent = append(s.sent, obs)
	if s.failFor[obs.Location] {
		return errors.New("rejected")
	}
	return nil
}

func (s *recordingSink) Close() error { s.closed = true; return nil }

func twoLocationCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.City{
		{Name: "Vijayawada", Locations: []models.Location{
			{Name: "Benz Circle", Latitude: 16.507, Longitude: 80.649},
			{Name: "PNBS Bus Stand", Latitude: 16.508, Longitude: 80.65},
		}},
	})
	require.NoError(t, err)
	return c
}

// fakeClock advances only when the driver sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestDriver(t *testing.T, cat *catalog.Catalog, b Builder, sink Sink, opts Options) (*Driver, *fakeClock) {
	t.Helper()
	if opts.Rate == 0 {
		opts.Rate = -1
	}
	d, err := New(cat, b, sink, randengine.New(7), opts)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)}
	d.now = clock.Now
	d.sleep = clock.Sleep
	return d, clock
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &fakeBuilder{}, &recordingSink{}, randengine.New(1), Options{})
	assert.Error(t, err)
}

func TestBackfill_EveryStepEveryLocation(t *testing.T) {
	b := &fakeBuilder{}
	sink := &recordingSink{failFor: map[string]bool{"PNBS Bus Stand": true}}
	core, logs := observer.New(zap.InfoLevel)
	var progress []Summary
	d, _ := newTestDriver(t, twoLocationCatalog(t), b, sink, Options{
		Logger:        zap.New(core),
		ProgressEvery: 2,
		OnProgress:    func(s Summary) { progress = append(progress, s) },
	})
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	sum, err := d.Backfill(context.Background(), BackfillOptions{Start: start, End: start.Add(2 * time.Hour)})

	require.NoError(t, err)
	assert.Equal(t, 6, sum.Planned)
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, "3/6 records ingested", sum.String())

	require.Len(t, b.calls, 6)
	assert.Equal(t, start, b.calls[0].ts)
	assert.Equal(t, "Benz Circle", b.calls[0].loc.Name)
	assert.Equal(t, "PNBS Bus Stand", b.calls[1].loc.Name)
	assert.Equal(t, start.Add(2*time.Hour), b.calls[5].ts)

	require.Len(t, progress, 6)
	assert.Equal(t, 1, progress[0].Succeeded)
	assert.Equal(t, 1, logs.FilterMessage("progress").Len())
	assert.Equal(t, 3, logs.FilterMessage("observation not delivered").Len())
	assert.Equal(t, 1, logs.FilterMessage("backfill complete").Len())
}

func TestBackfill_CustomStepAndSinglePoint(t *testing.T) {
	b := &fakeBuilder{}
	d, _ := newTestDriver(t, twoLocationCatalog(t), b, &recordingSink{}, Options{})
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	sum, err := d.Backfill(context.Background(), BackfillOptions{Start: start, End: start.Add(50 * time.Minute), Step: 15 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Total)

	sum, err = d.Backfill(context.Background(), BackfillOptions{Start: start, End: start})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
}

func TestBackfill_EndBeforeStart(t *testing.T) {
	d, _ := newTestDriver(t, twoLocationCatalog(t), &fakeBuilder{}, &recordingSink{}, Options{})
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	_, err := d.Backfill(context.Background(), BackfillOptions{Start: start, End: start.Add(-time.Hour)})
	assert.ErrorContains(t, err, "before start")
}

func TestBackfill_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSend: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	d, _ := newTestDriver(t, twoLocationCatalog(t), &fakeBuilder{}, sink, Options{})
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	sum, err := d.Backfill(ctx, BackfillOptions{Start: start, End: start.Add(24 * time.Hour)})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 50, sum.Planned)
}

func TestBackfill_RateLimited(t *testing.T) {
	d, _ := newTestDriver(t, twoLocationCatalog(t), &fakeBuilder{}, &recordingSink{}, Options{Rate: 50})
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	began := time.Now()
	sum, err := d.Backfill(context.Background(), BackfillOptions{Start: start, End: start.Add(time.Hour)})

	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	// Burst of one: the first send is immediate, the other three wait 20ms each.
	assert.GreaterOrEqual(t, time.Since(began), 50*time.Millisecond)
}

func TestStream_MaxSamples(t *testing.T) {
	b := &fakeBuilder{}
	cat := twoLocationCatalog(t)
	d, clock := newTestDriver(t, cat, b, &recordingSink{}, Options{})

	sum, err := d.Stream(context.Background(), StreamOptions{MaxSamples: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)
	require.Len(t, clock.sleeps, 2, "no wait after the last sample")
	for _, s := range clock.sleeps {
		assert.GreaterOrEqual(t, s, 5*time.Second)
		assert.Less(t, s, 15*time.Second)
	}
	names := cat.LocationNames()
	for i, c := range b.calls {
		assert.Contains(t, names, c.loc.Name)
		if i > 0 {
			assert.True(t, c.ts.After(b.calls[i-1].ts), "timestamps follow the clock")
		}
	}
}

func TestStream_StopsAtDeadline(t *testing.T) {
	d, clock := newTestDriver(t, twoLocationCatalog(t), &fakeBuilder{}, &recordingSink{}, Options{})
	started := clock.now

	sum, err := d.Stream(context.Background(), StreamOptions{Duration: time.Minute, MinInterval: 10 * time.Second, MaxInterval: 10 * time.Second})

	require.NoError(t, err)
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, started.Add(time.Minute), clock.now)
	assert.Equal(t, time.Minute, sum.Elapsed)
}

func TestStream_UsesConfiguredTimeZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	b := &fakeBuilder{}
	d, _ := newTestDriver(t, twoLocationCatalog(t), b, &recordingSink{}, Options{TimeZone: ist})

	_, err := d.Stream(context.Background(), StreamOptions{MaxSamples: 1})

	require.NoError(t, err)
	require.Len(t, b.calls, 1)
	assert.Equal(t, ist, b.calls[0].ts.Location())
	assert.Equal(t, 13, b.calls[0].ts.Hour())
}

func TestStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onSend: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	d, _ := newTestDriver(t, twoLocationCatalog(t), &fakeBuilder{}, sink, Options{})

	sum, err := d.Stream(ctx, StreamOptions{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, sum.Total)
}

func TestBackfill_WithObservationBuilder(t *testing.T) {
	src := randengine.New(99)
	synth, err := simulation.NewSynthesizer(simulation.DefaultMagnitudeTable(), src)
	require.NoError(t, err)
	builder, err := simulation.NewObservationBuilder(simulation.DefaultBuilderCalibration(), synth, src)
	require.NoError(t, err)
	var buf bytes.Buffer
	d, err := New(catalog.Default(), builder, NewWriterSink(&buf), src, Options{Rate: -1})
	require.NoError(t, err)
	ts := time.Date(2024, 1, 20, 18, 30, 0, 0, time.UTC)

	sum, err := d.Backfill(context.Background(), BackfillOptions{Start: ts, End: ts})

	require.NoError(t, err)
	assert.Equal(t, 15, sum.Succeeded)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 15)
	for _, line := range lines {
		var obs models.TrafficObservation
		require.NoError(t, json.Unmarshal([]byte(line), &obs))
		assert.True(t, obs.TrafficDensity.Valid())
		assert.NotEqual(t, models.DensityCritical, obs.TrafficDensity, "weekend caps at HIGH")
		assert.Equal(t, "2024-01-20T18:30:00", obs.Timestamp)
	}
}
