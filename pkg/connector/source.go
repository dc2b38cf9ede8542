package connector

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// Event is one vendor record ready to forward.
type Event struct {
	// Payload is forwarded byte for byte
	Payload string
	// Timestamp is the event time; zero when the vendor gives none
	Timestamp time.Time
	// ID is a stable vendor id used for de-duplication, may be empty
	ID string
}

// Batch is what a Source hands to the Runner. Commit runs after the intake
// acknowledged every event, Abort when the push failed. Both may be nil.
type Batch struct {
	Events []Event
	// Discarded counts records dropped while building the batch
	Discarded int
	// Horizon is the reference time for events_lag; zero means now
	Horizon time.Time

	Commit func(ctx context.Context) error
	Abort  func(ctx context.Context, err error)
}

func (b *Batch) commit(ctx context.Context) error {
	if b.Commit == nil {
		return nil
	}
	return b.Commit(ctx)
}

func (b *Batch) abort(ctx context.Context, err error) {
	if b.Abort != nil {
		b.Abort(ctx, err)
	}
}

// Payloads returns the forwarded strings.
func (b *Batch) Payloads() []string {
	out := make([]string, len(b.Events))
	for i, e := range b.Events {
		out[i] = e.Payload
	}
	return out
}

// Latest returns the newest event timestamp, zero if none carries one.
func (b *Batch) Latest() time.Time {
	return latest(b.Events)
}

// Source is a pull iterator over vendor events.
type Source interface {
	Name() string
	// NextBatch returns the next bounded batch. ErrDrained means nothing
	// is left for this cycle.
	NextBatch(ctx context.Context) (*Batch, error)
	Close(ctx context.Context) error
}

// Worker is a long-running unit the supervisor starts and restarts.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context) error { return f(ctx) }

// ErrDrained tells the Runner to sleep one frequency before asking again.
var ErrDrained = errors.New(errors.ErrorTypeInternal, "source drained")

func latest(events []Event) time.Time {
	var out time.Time
	for _, e := range events {
		if e.Timestamp.After(out) {
			out = e.Timestamp
		}
	}
	return out
}

// sortByTime orders events by timestamp; ties keep vendor order.
func sortByTime(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func normalize(events []Event) {
	for i := range events {
		if !events[i].Timestamp.IsZero() {
			events[i].Timestamp = clock.UTC(events[i].Timestamp)
		}
	}
}

type options struct {
	clk    clock.Clock
	logger *zap.Logger
	scope  *metrics.Scope
}

// Option configures runners and sources.
type Option func(*options)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports on the stream's metric scope.
func WithMetrics(s *metrics.Scope) Option {
	return func(o *options) { o.scope = s }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), scope: metrics.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.clk = clock.OrReal(o.clk)
	return o
}
