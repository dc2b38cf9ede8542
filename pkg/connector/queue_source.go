package connector

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
	"github.com/ajitpratap0/intakeflow/pkg/queue"
)

// DefaultReceiveMax is how many messages one NextBatch asks for.
const DefaultReceiveMax = 10

// QueueSourceConfig configures a QueueSource.
type QueueSourceConfig struct {
	Name string
	// MaxMessages per receive
	MaxMessages int
	// Direct treats message bodies as records instead of storage
	// notifications
	Direct  bool
	Format  queue.Format
	Records queue.RecordOptions
	// DeleteAfterRead removes blobs once their events were pushed
	DeleteAfterRead bool
	// MaxRedeliveries before a failing message is acked and dropped
	MaxRedeliveries int
}

// QueueSource reads notifications from a queue, opens the blobs they point
// at and decodes their records. Messages are acked after the push and
// nacked when it failed.
type QueueSource struct {
	cfg     QueueSourceConfig
	sub     queue.Subscriber
	opener  *queue.Opener
	decoder *messageDecoder
	tracker *queue.RedeliveryTracker
	logger  *zap.Logger
	scope   *metrics.Scope
}

// NewQueueSource creates a source. opener may be nil only in Direct mode.
func NewQueueSource(cfg QueueSourceConfig, sub queue.Subscriber, opener *queue.Opener, opts ...Option) (*QueueSource, error) {
	if sub == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "queue source: subscriber is required")
	}
	if opener == nil && !cfg.Direct {
		return nil, errors.New(errors.ErrorTypeConfig, "queue source: object opener is required")
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultReceiveMax
	}
	o := buildOptions(opts)
	log := o.logger.With(zap.String("component", "queue_source"), zap.String("stream", cfg.Name))
	if cfg.Direct {
		opener = nil
	}
	return &QueueSource{
		cfg:     cfg,
		sub:     sub,
		opener:  opener,
		decoder: &messageDecoder{opener: opener, format: cfg.Format, records: cfg.Records, logger: log},
		tracker: queue.NewRedeliveryTracker(cfg.MaxRedeliveries, 0),
		logger:  log,
		scope:   o.scope,
	}, nil
}

// Name implements Source.
func (s *QueueSource) Name() string { return s.cfg.Name }

// NextBatch implements Source. An empty receive is an empty batch so the
// runner polls again at once; the transport's long poll paces the loop.
func (s *QueueSource) NextBatch(ctx context.Context) (*Batch, error) {
	msgs, err := s.sub.Receive(ctx, s.cfg.MaxMessages)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return &Batch{}, nil
	}

	var (
		events    []Event
		done      []*queue.Message
		failed    []*queue.Message
		objects   []queue.RemoteObject
		discarded int
		cause     error
	)
	for _, m := range msgs {
		evs, objs, n, err := s.expand(ctx, m)
		discarded += n
		if err != nil {
			if errors.IsShutdown(err) {
				if nerr := s.sub.Nack(context.WithoutCancel(ctx), msgs); nerr != nil {
					s.logger.Warn("failed to release messages", zap.Error(nerr))
				}
				return nil, err
			}
			s.logger.Warn("message processing failed", zap.String("message_id", m.ID), zap.Error(err))
			failed = append(failed, m)
			cause = err
			continue
		}
		events = append(events, evs...)
		done = append(done, m)
		objects = append(objects, objs...)
	}
	if len(failed) > 0 {
		discarded += s.release(ctx, failed, cause)
	}

	return &Batch{
		Events:    events,
		Discarded: discarded,
		Commit: func(ctx context.Context) error {
			return s.commit(ctx, done, objects)
		},
		Abort: func(ctx context.Context, err error) {
			s.scope.Discarded(s.release(ctx, done, err))
		},
	}, nil
}

func (s *QueueSource) expand(ctx context.Context, m *queue.Message) ([]Event, []queue.RemoteObject, int, error) {
	var events []Event
	objs, discarded, err := s.decoder.each(ctx, m, func(rec string) error {
		events = append(events, Event{Payload: rec, Timestamp: m.SentAt})
		return nil
	})
	if err != nil {
		return nil, nil, discarded, err
	}
	return events, objs, discarded, nil
}

func (s *QueueSource) commit(ctx context.Context, msgs []*queue.Message, objects []queue.RemoteObject) error {
	if err := s.sub.Ack(ctx, msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		s.tracker.Forget(m)
	}
	if !s.cfg.DeleteAfterRead {
		return nil
	}
	for _, obj := range objects {
		if err := s.opener.Delete(ctx, obj); err != nil {
			s.logger.Warn("failed to delete object", zap.String("object", obj.URL()), zap.Error(err))
		}
	}
	return nil
}

// release nacks msgs, except those that failed too often: they are acked
// and their count returned as discarded.
func (s *QueueSource) release(ctx context.Context, msgs []*queue.Message, cause error) int {
	var retry, drop []*queue.Message
	for _, m := range msgs {
		if m.Settled() {
			continue
		}
		if s.tracker.Failed(m) {
			drop = append(drop, m)
		} else {
			retry = append(retry, m)
		}
	}
	if len(drop) > 0 {
		s.logger.Error("dropping messages after repeated failures",
			zap.Int("messages", len(drop)), zap.NamedError("cause", cause))
		if err := s.sub.Ack(ctx, drop); err != nil {
			s.logger.Warn("failed to ack dropped messages", zap.Error(err))
		}
	}
	if len(retry) > 0 {
		if err := s.sub.Nack(ctx, retry); err != nil {
			s.logger.Warn("failed to release messages", zap.Error(err))
		}
	}
	return len(drop)
}

// Close implements Source.
func (s *QueueSource) Close(context.Context) error {
	return s.sub.Close()
}
