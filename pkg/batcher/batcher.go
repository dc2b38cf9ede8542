// Package batcher buffers events between the producers of a connector and
// the single consumer that forwards them to the intake.
package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// Config bounds the queue and the batches.
type Config struct {
	// Capacity is the queue size; Put blocks when it is full
	Capacity int
	// ChunkSize is the largest batch handed to the flush function
	ChunkSize int
	// MaxWait flushes a partial batch this long after its first event
	MaxWait time.Duration
	// DrainGrace bounds the final flush on shutdown
	DrainGrace time.Duration
}

// DefaultDrainGrace bounds the shutdown flush.
const DefaultDrainGrace = 30 * time.Second

// ConfigFrom maps connector settings.
func ConfigFrom(c *config.ConnectorConfig) Config {
	return Config{
		Capacity:   c.QueueCapacity,
		ChunkSize:  c.ChunkSize,
		MaxWait:    c.BatchMaxWaitDuration(),
		DrainGrace: DefaultDrainGrace,
	}
}

// FlushFunc forwards one batch.
type FlushFunc func(ctx context.Context, events []string) error

type item struct {
	payload string
	ack     *Ack
}

// ErrClosed is returned by Put after shutdown began.
var ErrClosed = errors.New(errors.ErrorTypeShutdown, "batcher closed")

// Batcher is a bounded queue with one consumer. Producers call Put; Run
// flushes up to ChunkSize events at a time, or whatever is queued MaxWait
// after the first event of a batch arrived.
type Batcher struct {
	cfg    Config
	flush  FlushFunc
	clk    clock.Clock
	logger *zap.Logger
	scope  *metrics.Scope

	in       chan item
	quit     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
	finished chan struct{}

	flushed   int64
	batches   int64
	discarded int64
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock sets the time source of the MaxWait timer.
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithMetrics reports queue depth and discarded events on scope.
func WithMetrics(s *metrics.Scope) Option {
	return func(b *Batcher) { b.scope = s }
}

// New creates a batcher. Zero config fields take the connector defaults.
func New(cfg Config, flush FlushFunc, opts ...Option) *Batcher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = config.DefaultQueueCapacity
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.ChunkSize > config.MaxChunkSize {
		cfg.ChunkSize = config.MaxChunkSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Duration(config.DefaultBatchMaxWait) * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	b := &Batcher{
		cfg:      cfg,
		flush:    flush,
		logger:   zap.NewNop(),
		scope:    metrics.Nop(),
		in:       make(chan item, cfg.Capacity),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.clk = clock.OrReal(b.clk)
	b.logger = b.logger.With(zap.String("component", "batcher"))
	return b
}

// Put enqueues one event, blocking while the queue is full. ack may be nil.
func (b *Batcher) Put(ctx context.Context, payload string, ack *Ack) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if ack != nil {
		ack.add(1)
	}
	select {
	case b.in <- item{payload: payload, ack: ack}:
		return nil
	case <-ctx.Done():
		if ack != nil {
			ack.complete(1, ctx.Err())
		}
		return ctx.Err()
	case <-b.quit:
		if ack != nil {
			ack.complete(1, ErrClosed)
		}
		return ErrClosed
	}
}

// Run consumes the queue until ctx is cancelled or Close is called, then
// drains what is left within DrainGrace.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.finished)
	b.logger.Debug("starting batcher",
		zap.Int("chunk_size", b.cfg.ChunkSize),
		zap.Duration("max_wait", b.cfg.MaxWait))

	batch := make([]item, 0, b.cfg.ChunkSize)
	var timer interface {
		C() <-chan time.Time
		Stop() bool
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(batch) == 0 {
			return
		}
		b.send(ctx, batch)
		batch = make([]item, 0, b.cfg.ChunkSize)
	}

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C()
		}
		select {
		case it := <-b.in:
			batch = append(batch, it)
			if len(batch) == 1 {
				timer = b.clk.NewTimer(b.cfg.MaxWait)
			}
			if len(batch) >= b.cfg.ChunkSize {
				flush()
			}
			b.scope.SetQueueDepth(len(b.in))
		case <-timerC:
			timer = nil
			flush()
		case <-ctx.Done():
			stopTimer()
			b.stop()
			b.drain(ctx, batch)
			return nil
		case <-b.quit:
			stopTimer()
			b.stop()
			b.drain(ctx, batch)
			return nil
		}
	}
}

// Close stops accepting events and waits for Run to drain. It is safe to
// call more than once.
func (b *Batcher) Close() {
	b.stop()
	<-b.finished
}

func (b *Batcher) stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	})
}

// drain flushes the pending batch and the queue in chunks using a context
// detached from the cancelled one; leftovers past the grace are discarded.
func (b *Batcher) drain(ctx context.Context, pending []item) {
loop:
	for {
		select {
		case it := <-b.in:
			pending = append(pending, it)
		default:
			break loop
		}
	}
	b.scope.SetQueueDepth(0)
	if len(pending) == 0 {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DrainGrace)
	defer cancel()
	b.logger.Info("draining batcher", zap.Int("events", len(pending)), zap.Duration("grace", b.cfg.DrainGrace))

	chunks := lo.Chunk(pending, b.cfg.ChunkSize)
	for i, chunk := range chunks {
		if drainCtx.Err() != nil {
			var left []item
			for _, c := range chunks[i:] {
				left = append(left, c...)
			}
			b.discard(left, errors.Wrap(drainCtx.Err(), errors.ErrorTypeShutdown, "drain grace exceeded"))
			return
		}
		b.send(drainCtx, chunk)
	}
}

func (b *Batcher) send(ctx context.Context, batch []item) {
	events := lo.Map(batch, func(it item, _ int) string { return it.payload })
	err := b.flush(ctx, events)
	if err != nil {
		b.logger.Warn("batch flush failed", zap.Int("events", len(events)), zap.Error(err))
	} else {
		atomic.AddInt64(&b.flushed, int64(len(events)))
		atomic.AddInt64(&b.batches, 1)
	}
	settle(batch, err, func(n int) {
		atomic.AddInt64(&b.discarded, int64(n))
		b.scope.Discarded(n)
	})
}

func (b *Batcher) discard(batch []item, err error) {
	b.logger.Warn("discarding queued events", zap.Int("events", len(batch)), zap.Error(err))
	atomic.AddInt64(&b.discarded, int64(len(batch)))
	b.scope.Discarded(len(batch))
	settle(batch, err, nil)
}

// settle completes the ack groups of batch. Unacked events that failed are
// reported to lost.
func settle(batch []item, err error, lost func(n int)) {
	counts := make(map[*Ack]int)
	orphans := 0
	for _, it := range batch {
		if it.ack == nil {
			orphans++
			continue
		}
		counts[it.ack]++
	}
	for ack, n := range counts {
		ack.complete(n, err)
	}
	if err != nil && orphans > 0 && lost != nil {
		lost(orphans)
	}
}

// Stats reports batcher counters.
type Stats struct {
	FlushedEvents   int64 `json:"flushed_events"`
	Batches         int64 `json:"batches"`
	DiscardedEvents int64 `json:"discarded_events"`
	Queued          int   `json:"queued"`
}

// GetStats returns current counters.
func (b *Batcher) GetStats() Stats {
	return Stats{
		FlushedEvents:   atomic.LoadInt64(&b.flushed),
		Batches:         atomic.LoadInt64(&b.batches),
		DiscardedEvents: atomic.LoadInt64(&b.discarded),
		Queued:          len(b.in),
	}
}
