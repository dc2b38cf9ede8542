package queue

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// DefaultReconnectDelay is used until the server sends a retry field.
const DefaultReconnectDelay = 3 * time.Second

// Frame is one dispatched server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
	// Retry is the reconnection delay requested by the server, zero if none
	Retry time.Duration
}

// FrameReader splits a text/event-stream body into frames.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader reads frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next blocks until a complete frame is available. It returns io.EOF when
// the stream ends; a partial trailing frame is dropped.
func (f *FrameReader) Next() (Frame, error) {
	var (
		frame Frame
		data  strings.Builder
		seen  bool
	)
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			frame.Data = strings.TrimSuffix(data.String(), "\n")
			if frame.Event == "" {
				frame.Event = "message"
			}
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
			seen = true
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			seen = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				frame.ID = value
			}
			seen = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
			seen = true
		}
	}
}

// SSEConfig configures an event stream.
type SSEConfig struct {
	URL    string      `yaml:"url"`
	Query  url.Values  `yaml:"-"`
	Header http.Header `yaml:"-"`
	// EventType is the event name carrying records (default "events")
	EventType string `yaml:"event_type"`
	// ItemsPath locates the record array inside data; empty means data
	// itself is an array or a single record
	ItemsPath      string        `yaml:"items_path"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// LastEventID resumes a previous stream
	LastEventID string `yaml:"-"`
}

// SSEStream consumes a server-sent event stream. Record frames become
// message batches; the id of the last accepted frame is sent back as
// Last-Event-ID on reconnect. A "reconnect" event closes the stream and
// reconnects after the server's retry delay.
type SSEStream struct {
	client *clients.HTTPClient
	cfg    SSEConfig
	clock  clock.Clock
	logger *zap.Logger
	state  machine

	mu     sync.Mutex
	lastID string
	delay  time.Duration
}

// NewSSEStream creates a stream over client.
func NewSSEStream(client *clients.HTTPClient, cfg SSEConfig, opts ...Option) (*SSEStream, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sse: url is required")
	}
	if cfg.EventType == "" {
		cfg.EventType = "events"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	o := buildOptions(opts)
	return &SSEStream{
		client: client,
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With(zap.String("component", "sse")),
		lastID: cfg.LastEventID,
		delay:  cfg.ReconnectDelay,
	}, nil
}

// LastEventID returns the id of the last frame the handler accepted.
func (s *SSEStream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// State reports the subscriber lifecycle position.
func (s *SSEStream) State() State {
	return s.state.get()
}

// Run connects, dispatches frames and reconnects until ctx is done.
// Authentication, client and configuration failures are returned.
func (s *SSEStream) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.state.get() == StateClosed {
			return errors.New(errors.ErrorTypeShutdown, "sse stream is closed")
		}
		_ = s.state.to(StateSubscribing)

		err := s.stream(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !recoverable(err) {
			return err
		}
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		s.logger.Info("reconnecting", zap.Duration("delay", delay), zap.String("last_event_id", s.LastEventID()), zap.Error(err))
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return err
		}
	}
}

// stream handles one connection. A nil return asks for a reconnect.
func (s *SSEStream) stream(ctx context.Context, handler Handler) error {
	header := s.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Accept", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		header.Set("Last-Event-ID", id)
	}

	resp, err := s.client.Open(ctx, clients.Request{Method: http.MethodGet, URL: s.cfg.URL, Query: s.cfg.Query, Header: header})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_ = s.state.to(StateReceiving)

	frames := NewFrameReader(resp.Body)
	for {
		frame, err := frames.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "event stream interrupted")
		}
		if frame.Retry > 0 {
			s.mu.Lock()
			s.delay = frame.Retry
			s.mu.Unlock()
		}

		switch frame.Event {
		case "reconnect":
			return nil
		case s.cfg.EventType:
			msgs := s.messages(frame)
			if len(msgs) == 0 {
				continue
			}
			_ = s.state.to(StateProcessing)
			if err := handler(ctx, msgs); err != nil {
				_ = s.state.to(StateReceiving)
				return err
			}
			_ = s.state.to(StateAcking)
			for _, m := range msgs {
				m.settle()
			}
			if frame.ID != "" {
				s.mu.Lock()
				s.lastID = frame.ID
				s.mu.Unlock()
			}
			_ = s.state.to(StateReceiving)
		}
	}
}

func (s *SSEStream) messages(frame Frame) []*Message {
	now := clock.Now(s.clock)
	mk := func(i int, body string) *Message {
		id := frame.ID
		if id != "" {
			id += "#" + strconv.Itoa(i)
		}
		return &Message{ID: id, Body: []byte(body), ReceivedAt: now, Cursor: frame.ID}
	}

	if !gjson.Valid(frame.Data) {
		return []*Message{mk(0, frame.Data)}
	}
	doc := gjson.Parse(frame.Data)
	if s.cfg.ItemsPath != "" {
		doc = doc.Get(s.cfg.ItemsPath)
	}
	if !doc.IsArray() {
		if !doc.Exists() {
			return nil
		}
		return []*Message{mk(0, doc.Raw)}
	}
	items := doc.Array()
	msgs := make([]*Message, 0, len(items))
	for i, item := range items {
		msgs = append(msgs, mk(i, item.Raw))
	}
	return msgs
}

// Close stops the stream; Run returns at its next check.
func (s *SSEStream) Close() error {
	_ = s.state.to(StateShuttingDown)
	s.state.shutdown()
	return nil
}

// recoverable reports failures a stream outlives by reconnecting.
func recoverable(err error) bool {
	return errors.IsRetryable(err) ||
		errors.IsType(err, errors.ErrorTypeUpstreamUnavailable) ||
		errors.IsType(err, errors.ErrorTypeData) ||
		errors.IsType(err, errors.ErrorTypeSendEvent) ||
		errors.IsType(err, errors.ErrorTypeParse)
}
