package connector

import (
	"context"
	"os"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/stepper"
	"github.com/ajitpratap0/intakeflow/pkg/testutil"
)

func (f *recordingFetcher) fetch(_ context.Context, w stepper.Window) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.windows)
	f.windows = append(f.windows, windowCall{Start: w.Start, End: w.End})
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return append([]Event(nil), f.results[i]...), nil
	}
	return nil, nil
}

var scenarioStepper = stepper.Config{Frequency: time.Minute, Lag: time.Minute, StartTime: time.Hour}

func TestWindowRunnerEmptyThenFilledWindow(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	clk := newFakeClock()
	f := &recordingFetcher{results: [][]Event{
		nil,
		{jsonEvent("a", -30), jsonEvent("b", -20)},
	}}
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()

	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: scenarioStepper}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)
	done := runAsync(ctx, NewRunner(src, h.sink, time.Minute, h.options(t, clk)...))

	// the first window is already closed; the second needs one minute
	stepClock(t, clk, time.Minute)
	testutil.AssertEventually(t, func() bool {
		return h.checkpoint(t).LastEventDate != nil
	}, 5*time.Second, "checkpoint not saved")
	cancel()
	require.NoError(t, waitDone(t, done, 5*time.Second))

	calls := f.calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, windowCall{Start: at(-3660), End: at(-60)}, calls[0])
	assert.Equal(t, windowCall{Start: at(-60), End: at(0)}, calls[1])

	reqs := h.intake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "K", reqs[0].IntakeKey)
	assert.Equal(t, []string{jsonEvent("a", -30).Payload, jsonEvent("b", -20).Payload}, reqs[0].Events)

	assert.Equal(t, at(-20), *h.checkpoint(t).LastEventDate)
	assert.InDelta(t, 20.0, promtest.ToFloat64(h.m.EventsLag.WithLabelValues("K", TypeHTTP)), 0.001)
	assert.Equal(t, 2.0, promtest.ToFloat64(h.m.ForwardedEvents.WithLabelValues("K", TypeHTTP)))
}

func TestWindowCheckpointWaitsForIntakeSuccess(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.intake.FailFirst(1)
	clk := newFakeClock()
	events := make([]Event, 10)
	for i := range events {
		events[i] = jsonEvent(string(rune('a'+i)), -100+i)
	}
	f := &recordingFetcher{results: [][]Event{events}}
	ctx := testutil.TestContext(t)

	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: scenarioStepper}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)

	var before, after *time.Time
	sink := pusherFunc(func(ctx context.Context, b intake.Batch) ([]string, error) {
		before = h.checkpoint(t).LastEventDate
		ids, err := h.sink.Push(ctx, b)
		after = h.checkpoint(t).LastEventDate
		return ids, err
	})
	r := NewRunner(src, sink, time.Minute, h.options(t, clk)...)
	require.NoError(t, r.Step(ctx))

	assert.Nil(t, before)
	assert.Nil(t, after, "checkpoint moved before the push returned")
	assert.Equal(t, 2, h.intake.Calls())
	assert.Len(t, h.intake.Events(), 10)
	require.NotNil(t, h.checkpoint(t).LastEventDate)
	assert.Equal(t, at(-91), *h.checkpoint(t).LastEventDate)
}

func TestWindowRefetchedAfterFailedPush(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.intake.FailWith(500)
	clk := newFakeClock()
	f := &recordingFetcher{results: [][]Event{
		{jsonEvent("a", -120)},
		{jsonEvent("a", -120)},
	}}
	ctx := testutil.TestContext(t)

	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: scenarioStepper}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)
	r := NewRunner(src, h.sink, time.Minute, h.options(t, clk)...)

	stepped := make(chan error, 1)
	go func() { stepped <- r.Step(ctx) }()
	stepClock(t, clk, time.Minute)
	require.NoError(t, <-stepped)
	assert.Nil(t, h.checkpoint(t).LastEventDate)

	h.intake.FailWith(0)
	require.NoError(t, r.Step(ctx))

	calls := f.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1], "failed window must be fetched again")
	assert.Equal(t, at(-120), *h.checkpoint(t).LastEventDate)
}

func TestWindowSkippedOnClientError(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	clk := newFakeClock()
	f := &recordingFetcher{errs: []error{errors.New(errors.ErrorTypeClient, "400 bad request")}}
	ctx := testutil.TestContext(t)

	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: scenarioStepper}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)
	r := NewRunner(src, h.sink, time.Minute, h.options(t, clk)...)
	require.NoError(t, r.Step(ctx))

	assert.Zero(t, h.intake.Calls())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.m.DiscardedEvents.WithLabelValues("K", TypeHTTP)))

	// the next call asks for the following window
	stepped := make(chan error, 1)
	go func() { stepped <- r.Step(ctx) }()
	stepClock(t, clk, time.Minute)
	require.NoError(t, <-stepped)
	calls := f.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].End, calls[1].Start)
}

func TestWindowDedupAcrossWindows(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.seed(t, func(c *checkpoint.Context) {
		ts := at(-200)
		c.LastEventDate = &ts
		c.CachedEvents = []string{"old"}
	})
	clk := newFakeClock()
	f := &recordingFetcher{results: [][]Event{
		{jsonEvent("old", -190), jsonEvent("new", -180), jsonEvent("new", -180)},
	}}
	ctx := testutil.TestContext(t)

	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: scenarioStepper, Dedup: true}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)
	require.NoError(t, NewRunner(src, h.sink, time.Minute, h.options(t, clk)...).Step(ctx))

	assert.Equal(t, []string{jsonEvent("new", -180).Payload}, h.intake.Events())
	cp := h.checkpoint(t)
	assert.ElementsMatch(t, []string{"old", "new"}, cp.CachedEvents)
	assert.Equal(t, at(-180), *cp.LastEventDate)
}

func TestShutdownDuringWindowWait(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.seed(t, func(c *checkpoint.Context) {
		ts := at(-50)
		c.LastEventDate = &ts
	})
	before, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)

	clk := newFakeClock()
	f := &recordingFetcher{}
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()

	cfg := stepper.Config{Frequency: time.Minute}
	src, err := NewWindowSource(ctx, WindowSourceConfig{Name: "poll", Stepper: cfg}, h.store, f.fetch, h.options(t, clk)...)
	require.NoError(t, err)
	done := runAsync(ctx, NewRunner(src, h.sink, time.Minute, h.options(t, clk)...))

	// the window [t0-50, t0+10) is still open: the stepper sleeps 10s
	testutil.AssertEventually(t, clk.HasWaiters, 5*time.Second, "stepper is not sleeping")
	cancel()
	require.NoError(t, waitDone(t, done, time.Second))

	assert.Empty(t, f.calls())
	assert.Zero(t, h.intake.Calls())
	after, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
