package queue

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// LongPollConfig describes a cursor-driven polling endpoint.
type LongPollConfig struct {
	URL   string     `yaml:"url"`
	Query url.Values `yaml:"-"`
	// CursorParam is the query parameter carrying the cursor (default "cursor")
	CursorParam string `yaml:"cursor_param"`
	// ItemsPath locates the records in the response (default "items")
	ItemsPath string `yaml:"items_path"`
	// CursorPath locates the next cursor (default "next_cursor")
	CursorPath string `yaml:"cursor_path"`
	// HasMorePath optionally locates a boolean "more pages" flag
	HasMorePath string `yaml:"has_more_path"`
	// IDPath optionally locates a stable record id
	IDPath string `yaml:"id_path"`
	// Interval is the pause once the endpoint is drained
	Interval time.Duration `yaml:"interval"`
	MaxPages int           `yaml:"max_pages"`
	// StartCursor resumes a previous run
	StartCursor string `yaml:"-"`
}

// LongPoller polls an HTTP endpoint page by page. Every page is handed to
// the handler; the cursor advances only once the handler accepts it.
type LongPoller struct {
	client *clients.HTTPClient
	cfg    LongPollConfig
	clock  clock.Clock
	logger *zap.Logger
	state  machine

	mu     sync.Mutex
	cursor string
}

// NewLongPoller creates a poller over client.
func NewLongPoller(client *clients.HTTPClient, cfg LongPollConfig, opts ...Option) (*LongPoller, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "long poll: url is required")
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = "cursor"
	}
	if cfg.ItemsPath == "" {
		cfg.ItemsPath = "items"
	}
	if cfg.CursorPath == "" {
		cfg.CursorPath = "next_cursor"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	o := buildOptions(opts)
	return &LongPoller{
		client: client,
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With(zap.String("component", "long_poll")),
		cursor: cfg.StartCursor,
	}, nil
}

// Cursor is where the next poll resumes.
func (l *LongPoller) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// State reports the subscriber lifecycle position.
func (l *LongPoller) State() State {
	return l.state.get()
}

// Run polls until ctx is done.
func (l *LongPoller) Run(ctx context.Context, handler Handler) error {
	_ = l.state.to(StateSubscribing)
	_ = l.state.to(StateReceiving)
	for {
		if l.state.get() == StateClosed {
			return errors.New(errors.ErrorTypeShutdown, "long poller is closed")
		}
		err := l.drain(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if !recoverable(err) {
				return err
			}
			l.logger.Warn("poll cycle failed", zap.String("cursor", l.Cursor()), zap.Error(err))
		}
		if err := clock.Sleep(ctx, l.clock, l.cfg.Interval); err != nil {
			return err
		}
	}
}

// drain reads pages until the endpoint reports no more data.
func (l *LongPoller) drain(ctx context.Context, handler Handler) error {
	p := clients.NewPaginator[gjson.Result](l.Cursor(), l.cfg.MaxPages, l.fetch)
	for {
		page, ok, err := p.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		now := clock.Now(l.clock)
		msgs := make([]*Message, 0, len(page.Items))
		for _, item := range page.Items {
			m := &Message{Body: []byte(item.Raw), ReceivedAt: now, Cursor: page.Next}
			if l.cfg.IDPath != "" {
				m.ID = item.Get(l.cfg.IDPath).String()
			}
			msgs = append(msgs, m)
		}

		_ = l.state.to(StateProcessing)
		if err := handler(ctx, msgs); err != nil {
			_ = l.state.to(StateReceiving)
			return err
		}
		_ = l.state.to(StateAcking)
		for _, m := range msgs {
			m.settle()
		}
		if page.Next != "" {
			l.mu.Lock()
			l.cursor = page.Next
			l.mu.Unlock()
		}
		_ = l.state.to(StateReceiving)
	}
}

func (l *LongPoller) fetch(ctx context.Context, cursor string) (clients.Page[gjson.Result], error) {
	q := url.Values{}
	for k, vs := range l.cfg.Query {
		q[k] = append([]string(nil), vs...)
	}
	if cursor != "" {
		q.Set(l.cfg.CursorParam, cursor)
	}
	resp, err := l.client.GetJSON(ctx, l.cfg.URL, q)
	if err != nil {
		return clients.Page[gjson.Result]{}, err
	}
	doc := resp.JSON()
	next := doc.Get(l.cfg.CursorPath).String()
	hasNext := next != "" && next != cursor
	if l.cfg.HasMorePath != "" {
		hasNext = doc.Get(l.cfg.HasMorePath).Bool()
	}
	return clients.Page[gjson.Result]{
		Items:   doc.Get(l.cfg.ItemsPath).Array(),
		Next:    next,
		HasNext: hasNext,
	}, nil
}

// Close stops the poller; Run returns at its next check.
func (l *LongPoller) Close() error {
	_ = l.state.to(StateShuttingDown)
	l.state.shutdown()
	return nil
}
