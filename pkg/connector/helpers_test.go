package connector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
	"github.com/ajitpratap0/intakeflow/pkg/testutil"
)

const t0 = 1700000000

func at(offset int) time.Time {
	return time.Unix(int64(t0+offset), 0).UTC()
}

func newFakeClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(at(0))
}

// harness wires a fake intake, a file checkpoint and a private registry.
type harness struct {
	intake *testutil.FakeIntake
	store  *checkpoint.FileStore
	sink   *intake.Sink
	m      *metrics.Metrics
	reg    *prometheus.Registry
	scope  *metrics.Scope
}

func newHarness(t *testing.T, streamType string) *harness {
	t.Helper()
	h := &harness{intake: testutil.NewFakeIntake(t)}
	h.m, h.reg = testutil.Metrics()
	h.scope = h.m.For("K", streamType)

	store, err := checkpoint.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	h.store = store

	sink, err := intake.New(intake.Config{URL: h.intake.URL, IntakeKey: "K", ChunkSize: 1000},
		testutil.HTTPClient(t, h.m), intake.WithMetrics(h.scope), intake.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	h.sink = sink
	return h
}

func (h *harness) options(t *testing.T, clk *clocktesting.FakeClock) []Option {
	opts := []Option{WithLogger(zaptest.NewLogger(t)), WithMetrics(h.scope)}
	if clk != nil {
		opts = append(opts, WithClock(clk))
	}
	return opts
}

func (h *harness) checkpoint(t *testing.T) *checkpoint.Context {
	t.Helper()
	c, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) seed(t *testing.T, fn func(c *checkpoint.Context)) {
	t.Helper()
	require.NoError(t, h.store.Update(context.Background(), func(c *checkpoint.Context) error {
		fn(c)
		return nil
	}))
}

// stepClock waits until something sleeps on clk, then advances it by d.
func stepClock(t *testing.T, clk *clocktesting.FakeClock, d time.Duration) {
	t.Helper()
	testutil.AssertEventually(t, clk.HasWaiters, 5*time.Second, "nothing is waiting on the clock")
	clk.Step(d)
}

type pusherFunc func(ctx context.Context, b intake.Batch) ([]string, error)

func (f pusherFunc) Push(ctx context.Context, b intake.Batch) ([]string, error) { return f(ctx, b) }

// runAsync starts w and returns a channel receiving its result.
func runAsync(ctx context.Context, w Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(within):
		t.Fatalf("worker did not stop within %v", within)
		return nil
	}
}

func jsonEvent(id string, ts int) Event {
	return Event{
		Payload:   fmt.Sprintf(`{"id":%q,"ts":%d}`, id, t0+ts),
		Timestamp: at(ts),
		ID:        id,
	}
}

// recordingFetcher serves scripted windows in order and records the
// windows it was asked for.
type recordingFetcher struct {
	mu      sync.Mutex
	results [][]Event
	errs    []error
	windows []windowCall
}

type windowCall struct {
	Start, End time.Time
}

func (f *recordingFetcher) calls() []windowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]windowCall(nil), f.windows...)
}
