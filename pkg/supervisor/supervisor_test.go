package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ajitpratap0/intakeflow/pkg/connector"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
	"github.com/ajitpratap0/intakeflow/pkg/testutil"
)

// tickingSource alternates one event and a drained cycle, or panics
// when armed.
type tickingSource struct {
	name   string
	panics bool
	calls  atomic.Int32
}

func (s *tickingSource) Name() string { return s.name }

func (s *tickingSource) NextBatch(context.Context) (*connector.Batch, error) {
	n := s.calls.Add(1)
	if s.panics {
		panic("index out of range")
	}
	if n%2 == 0 {
		return nil, connector.ErrDrained
	}
	return &connector.Batch{Events: []connector.Event{{Payload: `{"n":1}`}}}, nil
}

func (s *tickingSource) Close(context.Context) error { return nil }

type countingSink struct {
	mu     sync.Mutex
	pushes map[string]int
}

func (c *countingSink) Push(_ context.Context, b intake.Batch) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes[b.Source]++
	return []string{b.ID.String()}, nil
}

func (c *countingSink) count(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[source]
}

func newSupervisor(t *testing.T, clk *clocktesting.FakeClock) (*Supervisor, *metrics.Metrics) {
	t.Helper()
	m, _ := testutil.Metrics()
	opts := []Option{WithLogger(zaptest.NewLogger(t)), WithMetrics(m)}
	if clk != nil {
		opts = append(opts, WithClock(clk))
	}
	return New(time.Second, opts...), m
}

func state(s *Supervisor, name string) WorkerStatus {
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	return WorkerStatus{}
}

func TestPanickingWorkerRestartedAlone(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, m := newSupervisor(t, clocktesting.NewFakeClock(time.Unix(1700000000, 0)))
	sink := &countingSink{pushes: map[string]int{}}
	var builds [2]atomic.Int32
	for i, name := range []string{"s1", "s2"} {
		i, name := i, name
		require.NoError(t, sup.Add(name, func(context.Context) (Worker, error) {
			n := builds[i].Add(1)
			src := &tickingSource{name: name, panics: name == "s2" && n == 1}
			return connector.NewRunner(src, sink, 10*time.Millisecond), nil
		}))
	}

	sup.StartAll(context.Background())
	testutil.AssertEventually(t, func() bool { return state(sup, "s2").State == StateDead }, 5*time.Second, "s2 did not die")
	assert.Contains(t, state(sup, "s2").LastError, "worker panicked")
	assert.Equal(t, StateRunning, state(sup, "s1").State)

	require.True(t, sup.Tick())
	assert.Equal(t, StateRunning, state(sup, "s2").State)
	assert.Equal(t, 1, state(sup, "s2").Restarts)
	assert.Zero(t, state(sup, "s1").Restarts)
	assert.Equal(t, int32(1), builds[0].Load(), "s1 is never rebuilt")
	assert.Equal(t, int32(2), builds[1].Load())
	testutil.AssertEventually(t, func() bool { return sink.count("s2") > 0 }, 5*time.Second, "restarted s2 forwards nothing")
	assert.Positive(t, sink.count("s1"))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.WorkerRestarts.WithLabelValues("s2")))
	assert.Zero(t, promtest.ToFloat64(m.WorkerRestarts.WithLabelValues("s1")))

	require.NoError(t, sup.StopAll(5*time.Second))
	assert.False(t, sup.Tick())
}

func TestFatalWorkerMarkedUnhealthy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, _ := newSupervisor(t, nil)
	var builds atomic.Int32
	require.NoError(t, sup.Add("bad", func(context.Context) (Worker, error) {
		builds.Add(1)
		return connector.WorkerFunc(func(context.Context) error {
			return errors.New(errors.ErrorTypeConfig, "missing client_secret")
		}), nil
	}))
	require.NoError(t, sup.Add("good", func(context.Context) (Worker, error) {
		return connector.WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	}))

	sup.StartAll(context.Background())
	testutil.AssertEventually(t, func() bool { return state(sup, "bad").State == StateUnhealthy }, 5*time.Second, "bad stays healthy")
	sup.Tick()
	sup.Tick()

	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, StateRunning, state(sup, "good").State)
	assert.False(t, sup.Healthy())
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestFactoryErrorRetriedOnTick(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	var builds atomic.Int32
	require.NoError(t, sup.Add("flaky", func(context.Context) (Worker, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New(errors.ErrorTypeConnection, "broker unreachable")
		}
		return connector.WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	}))

	sup.StartAll(context.Background())
	assert.Equal(t, StateDead, state(sup, "flaky").State)
	sup.Tick()
	assert.Equal(t, StateRunning, state(sup, "flaky").State)
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestStoppedWorkerStaysStopped(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	var builds atomic.Int32
	require.NoError(t, sup.Add("w", func(context.Context) (Worker, error) {
		builds.Add(1)
		return connector.WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	}))

	sup.StartAll(context.Background())
	require.NoError(t, sup.Stop("w"))
	sup.Tick()

	assert.Equal(t, StateStopped, state(sup, "w").State)
	assert.Equal(t, int32(1), builds.Load())
	assert.Error(t, sup.Stop("missing"))
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestSuperviseRestartsOnInterval(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	sup, _ := newSupervisor(t, clk)
	var builds atomic.Int32
	require.NoError(t, sup.Add("once", func(context.Context) (Worker, error) {
		n := builds.Add(1)
		return connector.WorkerFunc(func(ctx context.Context) error {
			if n == 1 {
				return nil
			}
			<-ctx.Done()
			return nil
		}), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartAll(ctx)
	testutil.AssertEventually(t, func() bool { return state(sup, "once").State == StateDead }, 5*time.Second, "worker did not return")

	done := make(chan struct{})
	go func() {
		sup.Supervise(ctx)
		close(done)
	}()
	testutil.AssertEventually(t, clk.HasWaiters, 5*time.Second, "no ticker")
	clk.Step(time.Second)
	testutil.AssertEventually(t, func() bool { return state(sup, "once").State == StateRunning }, 5*time.Second, "worker not restarted")

	cancel()
	<-done
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestStopAllRunsHooksOnceAndReportsStragglers(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, sup.Add("stuck", func(context.Context) (Worker, error) {
		return connector.WorkerFunc(func(context.Context) error {
			<-release
			return nil
		}), nil
	}))
	hooks := 0
	sup.OnStop(func() { hooks++ })

	sup.StartAll(context.Background())
	err := sup.StopAll(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsShutdown(err))
	assert.Equal(t, err, sup.StopAll(time.Second))
	assert.Equal(t, 1, hooks)
}

func TestAddAfterStartRunsImmediately(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	sup.StartAll(context.Background())
	started := make(chan struct{})
	require.NoError(t, sup.Add("late", func(context.Context) (Worker, error) {
		return connector.WorkerFunc(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}), nil
	}))
	<-started
	assert.Error(t, sup.Add("late", nil))
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestPanickingFactoryIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup, m := newSupervisor(t, nil)
	var builds atomic.Int32
	require.NoError(t, sup.Add("bad", func(context.Context) (Worker, error) {
		if builds.Add(1) == 1 {
			panic("runtime error: invalid memory address or nil pointer dereference")
		}
		return connector.WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	}))
	require.NoError(t, sup.Add("good", func(context.Context) (Worker, error) {
		return connector.WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	}))

	require.NotPanics(t, func() { sup.StartAll(context.Background()) })
	bad := state(sup, "bad")
	assert.Equal(t, StateDead, bad.State)
	assert.Contains(t, bad.LastError, "factory panicked")
	assert.Equal(t, StateRunning, state(sup, "good").State)
	assert.True(t, sup.Healthy())

	require.True(t, sup.Tick())
	assert.Equal(t, StateRunning, state(sup, "bad").State)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.WorkerRestarts.WithLabelValues("bad")))
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestFactoryReturningNothingIsAFailure(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	require.NoError(t, sup.Add("empty", func(context.Context) (Worker, error) { return nil, nil }))

	sup.StartAll(context.Background())
	assert.Equal(t, StateDead, state(sup, "empty").State)
	assert.Contains(t, state(sup, "empty").LastError, "no worker")
	require.NoError(t, sup.StopAll(5*time.Second))
}

func TestStopDuringBuildNeverRunsWorker(t *testing.T) {
	sup, _ := newSupervisor(t, nil)
	building := make(chan struct{})
	var ran atomic.Bool
	require.NoError(t, sup.Add("slow", func(ctx context.Context) (Worker, error) {
		close(building)
		<-ctx.Done()
		return connector.WorkerFunc(func(context.Context) error {
			ran.Store(true)
			return nil
		}), nil
	}))

	started := make(chan struct{})
	go func() {
		sup.StartAll(context.Background())
		close(started)
	}()
	<-building
	require.NoError(t, sup.Stop("slow"))
	<-started

	assert.Equal(t, StateStopped, state(sup, "slow").State)
	assert.False(t, ran.Load())
	require.NoError(t, sup.StopAll(5*time.Second))
}
