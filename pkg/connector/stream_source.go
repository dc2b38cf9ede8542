package connector

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/intakeflow/pkg/batcher"
	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
	"github.com/ajitpratap0/intakeflow/pkg/queue"
)

// StreamSourceConfig configures a StreamSource.
type StreamSourceConfig struct {
	Name    string
	Batcher batcher.Config
	Format  queue.Format
	Records queue.RecordOptions
	// Opener, when set, treats message bodies as storage notifications
	Opener *queue.Opener
	// DeleteAfterRead removes blobs once their events were pushed
	DeleteAfterRead bool
	// CheckpointCursor stores the cursor of the last settled message, for
	// transports that resume from a client-side position (SSE, long-poll)
	CheckpointCursor bool
	// OrderedCursor only moves the stored cursor forward lexicographically
	OrderedCursor bool
}

// StreamSource connects a push transport to the intake through a batcher.
// Every handler call waits until all events of its messages were flushed,
// so the transport commits (offset, ack, cursor) only what the intake
// accepted.
type StreamSource struct {
	cfg     StreamSourceConfig
	sub     queue.StreamSubscriber
	sink    intake.Pusher
	store   checkpoint.Store
	decoder *messageDecoder
	clk     clock.Clock
	logger  *zap.Logger
	scope   *metrics.Scope
}

// NewStreamSource creates a stream worker. store may be nil unless
// CheckpointCursor is set.
func NewStreamSource(cfg StreamSourceConfig, sub queue.StreamSubscriber, sink intake.Pusher, store checkpoint.Store, opts ...Option) (*StreamSource, error) {
	if sub == nil || sink == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "stream source: subscriber and sink are required")
	}
	if cfg.CheckpointCursor && store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "stream source: cursor checkpoint needs a store")
	}
	o := buildOptions(opts)
	log := o.logger.With(zap.String("component", "stream_source"), zap.String("stream", cfg.Name))
	return &StreamSource{
		cfg:     cfg,
		sub:     sub,
		sink:    sink,
		store:   store,
		decoder: &messageDecoder{opener: cfg.Opener, format: cfg.Format, records: cfg.Records, logger: log},
		clk:     o.clk,
		logger:  log,
		scope:   o.scope,
	}, nil
}

// Name returns the stream name.
func (s *StreamSource) Name() string { return s.cfg.Name }

// Run consumes the transport until ctx is cancelled. The batcher drains
// what was queued before Run returns.
func (s *StreamSource) Run(ctx context.Context) error {
	b := batcher.New(s.cfg.Batcher, s.flush,
		batcher.WithClock(s.clk), batcher.WithLogger(s.logger), batcher.WithMetrics(s.scope))

	s.logger.Info("stream started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		defer b.Close()
		return s.sub.Run(gctx, func(ctx context.Context, msgs []*queue.Message) error {
			return s.handle(ctx, b, msgs)
		})
	})
	err := g.Wait()
	if cerr := s.sub.Close(); cerr != nil {
		s.logger.Warn("failed to close subscriber", zap.Error(cerr))
	}
	s.logger.Info("stream stopped", zap.Any("batcher", b.GetStats()))
	if err != nil && !errors.IsShutdown(err) && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *StreamSource) flush(ctx context.Context, events []string) error {
	_, err := s.sink.Push(ctx, intake.NewBatch(s.cfg.Name, events))
	return err
}

func (s *StreamSource) handle(ctx context.Context, b *batcher.Batcher, msgs []*queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ack := batcher.NewAck(nil)
	var objects []queue.RemoteObject
	collected, discarded := 0, 0
	for _, m := range msgs {
		objs, n, err := s.decoder.each(ctx, m, func(rec string) error {
			collected++
			return b.Put(ctx, rec, ack)
		})
		discarded += n
		if err != nil {
			ack.Fail(err)
			return err
		}
		objects = append(objects, objs...)
	}
	ack.Seal()
	s.scope.Collected(collected)
	s.scope.Discarded(discarded)

	select {
	case <-ack.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ack.Err(); err != nil {
		return err
	}
	s.settled(ctx, msgs)
	if s.cfg.DeleteAfterRead && s.cfg.Opener != nil {
		for _, obj := range objects {
			if err := s.cfg.Opener.Delete(ctx, obj); err != nil {
				s.logger.Warn("failed to delete object", zap.String("object", obj.URL()), zap.Error(err))
			}
		}
	}
	return nil
}

// settled records progress once every event of msgs was pushed.
func (s *StreamSource) settled(ctx context.Context, msgs []*queue.Message) {
	now := clock.Now(s.clk)
	var newest time.Time
	for _, m := range msgs {
		if m.SentAt.IsZero() {
			continue
		}
		s.scope.ObserveMessageAge(now.Sub(m.SentAt))
		if m.SentAt.After(newest) {
			newest = m.SentAt
		}
	}
	if !newest.IsZero() {
		s.scope.SetEventsLag(now.Sub(newest))
	}

	if !s.cfg.CheckpointCursor {
		return
	}
	cursor := msgs[len(msgs)-1].Cursor
	if cursor == "" {
		return
	}
	err := s.store.Update(context.WithoutCancel(ctx), func(c *checkpoint.Context) error {
		if s.cfg.OrderedCursor {
			c.AdvanceCursor(cursor)
		} else {
			c.ReplaceCursor(cursor)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to store stream cursor", zap.String("cursor", cursor), zap.Error(err))
	}
}
