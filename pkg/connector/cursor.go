package connector

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// CursorSourceConfig configures a CursorSource.
type CursorSourceConfig struct {
	Name string
	// MaxPages bounds one pagination run; 0 means clients.DefaultMaxPages
	MaxPages int
	// StartCursor is used when the checkpoint holds none
	StartCursor string
	// Ordered cursors only move forward lexicographically; others are
	// replaced as the vendor returns them
	Ordered bool
	Dedup   bool
}

// CursorSource walks a cursor-paginated listing one page per batch. The
// checkpoint cursor moves to a page's next cursor only after that page was
// pushed; a failed push restarts the walk from the committed cursor. A
// last page without a next cursor is read again next cycle, so listings
// like that want Dedup.
type CursorSource struct {
	cfg    CursorSourceConfig
	store  checkpoint.Store
	fetch  clients.PageFetcher[Event]
	dedup  *dedup
	logger *zap.Logger

	pager *clients.Paginator[Event]
}

// NewCursorSource creates a source resuming from the checkpoint in store.
func NewCursorSource(ctx context.Context, cfg CursorSourceConfig, store checkpoint.Store, fetch clients.PageFetcher[Event], opts ...Option) (*CursorSource, error) {
	if fetch == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "cursor source: fetcher is required")
	}
	o := buildOptions(opts)
	if store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "cursor source: checkpoint store is required")
	}
	cp, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &CursorSource{
		cfg:    cfg,
		store:  store,
		fetch:  fetch,
		dedup:  newDedup(cfg.Dedup, cp),
		logger: o.logger.With(zap.String("component", "cursor_source"), zap.String("stream", cfg.Name)),
	}, nil
}

// Name implements Source.
func (s *CursorSource) Name() string { return s.cfg.Name }

// NextBatch implements Source. The end of the listing is ErrDrained.
func (s *CursorSource) NextBatch(ctx context.Context) (*Batch, error) {
	if s.pager == nil {
		cp, err := s.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		cursor := cp.Cursor
		if cursor == "" {
			cursor = s.cfg.StartCursor
		}
		s.logger.Debug("starting pagination", zap.String("cursor", cursor))
		s.pager = clients.NewPaginator(cursor, s.cfg.MaxPages, s.fetch)
	}

	page, ok, err := s.pager.Next(ctx)
	if err != nil {
		s.pager = nil
		return nil, err
	}
	if !ok {
		s.pager = nil
		return nil, ErrDrained
	}

	events := page.Items
	normalize(events)
	events, _ = s.dedup.filter(events)
	return &Batch{
		Events: events,
		Commit: func(ctx context.Context) error {
			return s.store.Update(ctx, func(c *checkpoint.Context) error {
				if s.cfg.Ordered {
					c.AdvanceCursor(page.Next)
				} else {
					c.ReplaceCursor(page.Next)
				}
				if newest := latest(events); !newest.IsZero() {
					c.AdvanceTimestamp(newest)
				}
				s.dedup.remember(c, events)
				return nil
			})
		},
		Abort: func(context.Context, error) { s.pager = nil },
	}, nil
}

// Close implements Source.
func (s *CursorSource) Close(context.Context) error { return nil }
