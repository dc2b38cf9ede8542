package connector

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/stepper"
)

// WindowFetcher returns every event of w. It owns pagination inside the
// window.
type WindowFetcher func(ctx context.Context, w stepper.Window) ([]Event, error)

// WindowSourceConfig configures a WindowSource.
type WindowSourceConfig struct {
	Name    string
	Stepper stepper.Config
	// Dedup drops events whose ID was already forwarded
	Dedup bool
}

// WindowSource polls consecutive time windows. A window is fetched again
// until its batch is committed; the checkpoint holds the newest forwarded
// event time, so empty windows leave it untouched.
type WindowSource struct {
	name    string
	store   checkpoint.Store
	fetch   WindowFetcher
	stepper *stepper.Stepper
	dedup   *dedup
	logger  *zap.Logger

	pending *stepper.Window
}

// NewWindowSource resumes from the checkpoint in store.
func NewWindowSource(ctx context.Context, cfg WindowSourceConfig, store checkpoint.Store, fetch WindowFetcher, opts ...Option) (*WindowSource, error) {
	if fetch == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "window source: fetcher is required")
	}
	o := buildOptions(opts)
	if store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "window source: checkpoint store is required")
	}
	cp, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("component", "window_source"), zap.String("stream", cfg.Name))
	st, err := stepper.New(cfg.Stepper, o.clk, cp.LastEventDate,
		stepper.WithLogger(log), stepper.WithMetrics(o.scope))
	if err != nil {
		return nil, err
	}
	if cp.LastEventDate != nil {
		log.Info("resuming from checkpoint", zap.Time("last_event_date", *cp.LastEventDate))
	}
	return &WindowSource{
		name:    cfg.Name,
		store:   store,
		fetch:   fetch,
		stepper: st,
		dedup:   newDedup(cfg.Dedup, cp),
		logger:  log,
	}, nil
}

// Name implements Source.
func (s *WindowSource) Name() string { return s.name }

// NextBatch implements Source. It blocks until the next window closed.
func (s *WindowSource) NextBatch(ctx context.Context) (*Batch, error) {
	if s.pending == nil {
		w, err := s.stepper.Next(ctx)
		if err != nil {
			return nil, err
		}
		s.pending = &w
	}
	w := *s.pending
	s.logger.Debug("fetching window", zap.Time("start", w.Start), zap.Time("end", w.End))

	events, err := s.fetch(ctx, w)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeClient) || errors.IsType(err, errors.ErrorTypeParse) {
			s.logger.Warn("skipping window rejected by the vendor",
				zap.Time("start", w.Start), zap.Time("end", w.End), zap.Error(err))
			return &Batch{Discarded: 1, Horizon: w.End, Commit: s.committer(nil)}, nil
		}
		return nil, err
	}
	normalize(events)
	sortByTime(events)
	events, dropped := s.dedup.filter(events)
	if dropped > 0 {
		s.logger.Debug("dropped already forwarded events", zap.Int("events", dropped))
	}
	return &Batch{
		Events:  events,
		Horizon: w.End,
		Commit:  s.committer(events),
		Abort: func(context.Context, error) {
			s.logger.Info("window will be fetched again", zap.Time("start", w.Start), zap.Time("end", w.End))
		},
	}, nil
}

func (s *WindowSource) committer(events []Event) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		newest := latest(events)
		if !newest.IsZero() || (s.dedup != nil && len(events) > 0) {
			err := s.store.Update(ctx, func(c *checkpoint.Context) error {
				if !newest.IsZero() {
					c.AdvanceTimestamp(newest)
				}
				s.dedup.remember(c, events)
				return nil
			})
			if err != nil {
				return err
			}
		}
		s.pending = nil
		return nil
	}
}

// Close implements Source.
func (s *WindowSource) Close(context.Context) error { return nil }
