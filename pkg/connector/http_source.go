package connector

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/stepper"
)

// HTTP source modes.
const (
	ModeWindow = "window"
	ModeCursor = "cursor"
)

// Time formats for query parameters and event timestamps. Any other value
// is a Go time layout.
const (
	TimeRFC3339 = "rfc3339"
	TimeUnix    = "unix"
	TimeUnixMS  = "unix_ms"
)

// HTTPSourceOptions describe a JSON REST listing. Paths use gjson syntax.
type HTTPSourceOptions struct {
	URL     string            `yaml:"url"`
	Mode    string            `yaml:"mode"`
	Method  string            `yaml:"method"`
	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`

	// ItemsPath locates the event array; empty means the body is the array
	ItemsPath       string `yaml:"items_path"`
	TimestampPath   string `yaml:"timestamp_path"`
	TimestampFormat string `yaml:"timestamp_format"`
	IDPath          string `yaml:"id_path"`
	NextCursorPath  string `yaml:"next_cursor_path"`
	// HasMorePath, when set, must be true for another page to be fetched
	HasMorePath string `yaml:"has_more_path"`

	StartParam  string `yaml:"start_param"`
	EndParam    string `yaml:"end_param"`
	TimeFormat  string `yaml:"time_format"`
	CursorParam string `yaml:"cursor_param"`

	// OrderedCursor keeps the checkpoint cursor from moving back when the
	// vendor's cursors sort lexicographically
	OrderedCursor bool `yaml:"ordered_cursor"`
	MaxPages      int  `yaml:"max_pages"`
	Dedup         bool `yaml:"dedup"`
}

func (o *HTTPSourceOptions) applyDefaults() {
	if o.Mode == "" {
		o.Mode = ModeWindow
	}
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	if o.StartParam == "" {
		o.StartParam = "from"
	}
	if o.EndParam == "" {
		o.EndParam = "to"
	}
	if o.TimeFormat == "" {
		o.TimeFormat = TimeRFC3339
	}
	if o.CursorParam == "" {
		o.CursorParam = "cursor"
	}
}

// Validate checks the options after defaults.
func (o *HTTPSourceOptions) Validate() error {
	if o.URL == "" {
		return errors.New(errors.ErrorTypeConfig, "http source: url is required")
	}
	if _, err := url.Parse(o.URL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "http source: invalid url")
	}
	switch o.Mode {
	case ModeWindow:
	case ModeCursor:
		if o.NextCursorPath == "" {
			return errors.New(errors.ErrorTypeConfig, "http source: cursor mode needs next_cursor_path")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "http source: unknown mode %q", o.Mode)
	}
	return nil
}

// HTTPSource adapts a vendor listing to the window and cursor sources. Items
// are forwarded as the raw JSON the vendor sent.
type HTTPSource struct {
	opts   HTTPSourceOptions
	client *clients.HTTPClient
	header http.Header
	logger *zap.Logger
}

// NewHTTPSource validates opts and binds them to client.
func NewHTTPSource(client *clients.HTTPClient, opts HTTPSourceOptions, logger *zap.Logger) (*HTTPSource, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	header := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		header.Set(k, v)
	}
	return &HTTPSource{opts: opts, client: client, header: header, logger: logger}, nil
}

// Mode returns the configured mode.
func (h *HTTPSource) Mode() string { return h.opts.Mode }

// FetchWindow is a WindowFetcher walking every page of w.
func (h *HTTPSource) FetchWindow(ctx context.Context, w stepper.Window) ([]Event, error) {
	pager := clients.NewPaginator("", h.opts.MaxPages, func(ctx context.Context, cursor string) (clients.Page[Event], error) {
		q := h.query()
		q.Set(h.opts.StartParam, formatTime(w.Start, h.opts.TimeFormat))
		q.Set(h.opts.EndParam, formatTime(w.End, h.opts.TimeFormat))
		return h.page(ctx, q, cursor)
	})
	var out []Event
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, page.Items...)
	}
}

// FetchPage is a PageFetcher for cursor mode.
func (h *HTTPSource) FetchPage(ctx context.Context, cursor string) (clients.Page[Event], error) {
	return h.page(ctx, h.query(), cursor)
}

func (h *HTTPSource) query() url.Values {
	q := make(url.Values, len(h.opts.Query)+3)
	for k, v := range h.opts.Query {
		q.Set(k, v)
	}
	return q
}

func (h *HTTPSource) page(ctx context.Context, q url.Values, cursor string) (clients.Page[Event], error) {
	if cursor != "" {
		q.Set(h.opts.CursorParam, cursor)
	}
	resp, err := h.client.Do(ctx, clients.Request{
		Method: h.opts.Method,
		URL:    h.opts.URL,
		Query:  q,
		Header: h.header,
	})
	if err != nil {
		return clients.Page[Event]{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return clients.Page[Event]{}, errors.New(errors.ErrorTypeParse, "vendor returned invalid JSON").
			WithDetail("url", h.opts.URL)
	}
	doc := resp.JSON()
	items := doc
	if h.opts.ItemsPath != "" {
		items = doc.Get(h.opts.ItemsPath)
	}
	if !items.Exists() {
		return clients.Page[Event]{}, nil
	}
	if !items.IsArray() {
		return clients.Page[Event]{}, errors.Newf(errors.ErrorTypeParse, "%q is not an array", h.opts.ItemsPath)
	}

	var events []Event
	items.ForEach(func(_, item gjson.Result) bool {
		events = append(events, h.event(item))
		return true
	})

	page := clients.Page[Event]{Items: events}
	if h.opts.NextCursorPath != "" {
		page.Next = doc.Get(h.opts.NextCursorPath).String()
		page.HasNext = page.Next != ""
		if h.opts.HasMorePath != "" {
			page.HasNext = page.HasNext && doc.Get(h.opts.HasMorePath).Bool()
		}
	}
	return page, nil
}

func (h *HTTPSource) event(item gjson.Result) Event {
	e := Event{Payload: item.Raw}
	if h.opts.IDPath != "" {
		e.ID = item.Get(h.opts.IDPath).String()
	}
	if h.opts.TimestampPath != "" {
		ts, err := parseTime(item.Get(h.opts.TimestampPath), h.opts.TimestampFormat)
		if err != nil {
			h.logger.Debug("event without usable timestamp", zap.String("id", e.ID), zap.Error(err))
		} else {
			e.Timestamp = ts
		}
	}
	return e
}

func formatTime(t time.Time, format string) string {
	t = clock.UTC(t)
	switch format {
	case TimeRFC3339:
		return t.Format(time.RFC3339)
	case TimeUnix:
		return strconv.FormatInt(t.Unix(), 10)
	case TimeUnixMS:
		return strconv.FormatInt(t.UnixMilli(), 10)
	default:
		return t.Format(format)
	}
}

// parseTime reads a vendor timestamp. Numbers are epoch seconds, or
// milliseconds when the format says so or the value is too large to be
// seconds.
func parseTime(v gjson.Result, format string) (time.Time, error) {
	if !v.Exists() {
		return time.Time{}, errors.New(errors.ErrorTypeParse, "timestamp missing")
	}
	if v.Type == gjson.Number || format == TimeUnix || format == TimeUnixMS {
		f := v.Float()
		if format == TimeUnixMS || (format != TimeUnix && f > 1e11) {
			return clock.UTC(time.UnixMilli(int64(f))), nil
		}
		sec := int64(f)
		return clock.UTC(time.Unix(sec, int64((f-float64(sec))*1e9))), nil
	}
	s := strings.TrimSpace(v.String())
	layout := time.RFC3339Nano
	if format != "" && format != TimeRFC3339 {
		layout = format
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeParse, "invalid timestamp").WithDetail("value", s)
	}
	return clock.UTC(t), nil
}
