// Package supervisor keeps one worker per configured stream alive.
//
// Workers that return or panic are recreated on the next tick. A worker
// that fails with a configuration error is marked unhealthy and left
// dead; a worker stopped through Stop stays stopped. Siblings are never
// affected by another worker's failure.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

const (
	// DefaultInterval is the pause between two supervision ticks.
	DefaultInterval = 5 * time.Second
	// DefaultStopTimeout bounds StopAll.
	DefaultStopTimeout = 30 * time.Second
)

// Worker is a long-running unit. Run returns when ctx is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

// Factory creates a fresh worker. It is called on start and on every
// restart, so it must not reuse state of a dead worker.
type Factory func(ctx context.Context) (Worker, error)

// State of a supervised worker.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateDead      State = "dead"
	StateStopped   State = "stopped"
	StateUnhealthy State = "unhealthy"
)

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

type worker struct {
	name     string
	factory  Factory
	state    State
	restarts int
	lastErr  error
	since    time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor manages the named workers.
type Supervisor struct {
	interval time.Duration
	clk      clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	running bool
	onStop  []func()

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock driving ticks and stop timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clk = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metric vectors restarts are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = metrics.OrDefault(m) }
}

// New creates a supervisor ticking every interval (DefaultInterval when
// interval <= 0).
func New(interval time.Duration, opts ...Option) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Supervisor{
		interval: interval,
		clk:      clock.Real(),
		logger:   logger.Get(),
		metrics:  metrics.Default,
		workers:  make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "supervisor"))
	return s
}

// Add registers a worker. When the supervisor is already running the
// worker is started immediately.
func (s *Supervisor) Add(name string, factory Factory) error {
	s.mu.Lock()
	if _, exists := s.workers[name]; exists {
		s.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConfig, "worker %s already added", name)
	}
	w := &worker{name: name, factory: factory, state: StateIdle, since: s.clk.Now()}
	s.workers[name] = w
	running := s.running
	if running {
		w.state = StateStarting
	}
	s.mu.Unlock()

	if running {
		s.start(w)
	}
	return nil
}

// OnStop registers fn to run once every worker has returned during
// StopAll. Hooks run in registration order.
func (s *Supervisor) OnStop(fn func()) {
	s.mu.Lock()
	s.onStop = append(s.onStop, fn)
	s.mu.Unlock()
}

// StartAll starts every registered worker under ctx.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.running = true
	pending := s.markStartingLocked(func(*worker) bool { return true })
	s.mu.Unlock()

	for _, w := range pending {
		s.start(w)
	}
	s.logger.Info("workers started", zap.Int("count", len(pending)))
}

// Supervise ticks until ctx is cancelled or StopAll is called.
func (s *Supervisor) Supervise(ctx context.Context) {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !s.Tick() {
				return
			}
		}
	}
}

// Tick recreates every dead worker that was neither stopped nor marked
// unhealthy. It returns false once the supervisor is stopped.
func (s *Supervisor) Tick() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	pending := s.markStartingLocked(func(w *worker) bool { return w.state == StateDead })
	for _, w := range pending {
		w.restarts++
		s.metrics.WorkerRestarts.WithLabelValues(w.name).Inc()
		s.logger.Warn("restarting worker",
			zap.String("worker", w.name),
			zap.Int("restarts", w.restarts),
			zap.Error(w.lastErr))
	}
	s.mu.Unlock()

	for _, w := range pending {
		s.start(w)
	}
	return true
}

// Stop stops one worker for good and waits for it to return.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConfig, "unknown worker %s", name)
	}
	w.state = StateStopped
	w.since = s.clk.Now()
	cancel, done := w.cancel, w.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.logger.Info("worker stopped", zap.String("worker", name))
	return nil
}

// StopAll cancels every worker, waits up to timeout for them to return,
// then runs the OnStop hooks. Later calls return the first result.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		s.mu.Lock()
		s.running = false
		for _, w := range s.workers {
			if w.cancel != nil {
				w.cancel()
			}
		}
		hooks := s.onStop
		s.mu.Unlock()

		s.logger.Info("stopping workers", zap.Duration("timeout", timeout))
		joined := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(joined)
		}()

		select {
		case <-joined:
		case <-s.clk.After(timeout):
			pending := s.pending()
			s.stopErr = errors.Newf(errors.ErrorTypeShutdown, "workers did not stop within %s", timeout).
				WithDetail("workers", pending)
			s.logger.Error("abandoning workers", zap.Strings("workers", pending))
		}

		for _, fn := range hooks {
			fn()
		}
		s.logger.Info("supervisor stopped")
	})
	return s.stopErr
}

// Status returns a snapshot of every worker, sorted by name.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, name := range s.namesLocked() {
		w := s.workers[name]
		st := WorkerStatus{Name: name, State: w.state, Restarts: w.restarts, Since: w.since}
		if w.lastErr != nil {
			st.LastError = w.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Healthy reports whether no worker is unhealthy.
func (s *Supervisor) Healthy() bool {
	for _, st := range s.Status() {
		if st.State == StateUnhealthy {
			return false
		}
	}
	return true
}

func (s *Supervisor) namesLocked() []string {
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.namesLocked() {
		if w := s.workers[name]; w.state == StateRunning {
			out = append(out, name)
		}
	}
	return out
}

// markStartingLocked moves the workers selected by pick to StateStarting
// and returns them in name order.
func (s *Supervisor) markStartingLocked(pick func(*worker) bool) []*worker {
	var out []*worker
	for _, name := range s.namesLocked() {
		w := s.workers[name]
		if !pick(w) {
			continue
		}
		w.state = StateStarting
		w.since = s.clk.Now()
		out = append(out, w)
	}
	return out
}

// start builds w outside the lock and launches it. A factory error or panic
// is handled like a worker failure. Stop and StopAll cancel a build in
// progress; its worker is then never run.
func (s *Supervisor) start(w *worker) {
	s.mu.Lock()
	if w.state != StateStarting || !s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w.cancel, w.done = cancel, nil
	s.mu.Unlock()

	wk, err := safeBuild(ctx, w.factory)

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.state != StateStarting || !s.running {
		cancel()
		w.cancel = nil
		if w.state == StateStarting {
			w.state = StateStopped
			w.since = s.clk.Now()
		}
		return
	}
	if err != nil {
		cancel()
		w.cancel = nil
		s.markLocked(w, err)
		return
	}

	done := make(chan struct{})
	w.done = done
	w.state = StateRunning
	w.since = s.clk.Now()
	s.wg.Add(1)
	go s.run(ctx, w, wk, done)
}

func (s *Supervisor) run(ctx context.Context, w *worker, wk Worker, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	err := safeRun(ctx, wk)

	s.mu.Lock()
	defer s.mu.Unlock()
	w.cancel()
	w.cancel = nil
	if w.state == StateStopped || !s.running || s.ctx.Err() != nil {
		if !errors.IsShutdown(err) {
			w.lastErr = err
		}
		w.state = StateStopped
		w.since = s.clk.Now()
		return
	}
	s.markLocked(w, err)
}

// markLocked records the end of a worker run.
func (s *Supervisor) markLocked(w *worker, err error) {
	w.lastErr = err
	w.since = s.clk.Now()
	log := s.logger.With(zap.String("worker", w.name))
	switch {
	case errors.IsFatal(err):
		w.state = StateUnhealthy
		logger.Critical(log, "worker unhealthy, not restarting", zap.Error(err))
	case err != nil:
		w.state = StateDead
		log.Error("worker failed", zap.Error(err))
	default:
		w.state = StateDead
		log.Warn("worker returned")
	}
}

func safeRun(ctx context.Context, wk Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("worker", r)
		}
	}()
	return wk.Run(ctx)
}

func safeBuild(ctx context.Context, factory Factory) (wk Worker, err error) {
	defer func() {
		if r := recover(); r != nil {
			wk, err = nil, panicError("factory", r)
		}
	}()
	wk, err = factory(ctx)
	if err == nil && wk == nil {
		err = errors.New(errors.ErrorTypeInternal, "factory returned no worker")
	}
	return wk, err
}

func panicError(what string, r interface{}) *errors.Error {
	return errors.New(errors.ErrorTypeInternal, fmt.Sprintf("%s panicked: %v", what, r)).
		WithDetail("stack", string(debug.Stack()))
}
