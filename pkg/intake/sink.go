// Package intake forwards event batches to the intake bus.
package intake

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// HeaderIntakeKey carries the intake key on every push.
const HeaderIntakeKey = "X-INTAKE-KEY"

// DefaultByteCap is the soft per-request body size.
const DefaultByteCap = 1 << 20

// Batch is a group of serialized events pushed together.
type Batch struct {
	ID     uuid.UUID
	Events []string
	// Source names the producing stream, for logs
	Source string
}

// NewBatch assigns a fresh id.
func NewBatch(source string, events []string) Batch {
	return Batch{ID: uuid.New(), Events: events, Source: source}
}

// Pusher is what connectors depend on.
type Pusher interface {
	Push(ctx context.Context, b Batch) ([]string, error)
}

// Config addresses one intake.
type Config struct {
	// URL is the intake server; "/batch" is appended
	URL       string
	IntakeKey string
	// ChunkSize bounds events per request
	ChunkSize int
	// ByteCap is the soft request body cap
	ByteCap int
}

// ConfigFrom combines the runtime intake settings with one stream.
func ConfigFrom(rc *config.RuntimeConfig, cc *config.ConnectorConfig) Config {
	return Config{
		URL:       rc.Intake.URL,
		IntakeKey: cc.IntakeKey,
		ChunkSize: cc.ChunkSize,
		ByteCap:   rc.Intake.BatchByteCap,
	}
}

// Sink pushes batches with the vendor retry policy and reports
// forwarded_events and forward_events_duration.
type Sink struct {
	cfg      Config
	endpoint string
	http     *clients.HTTPClient
	scope    *metrics.Scope
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Sink.
type Option func(*Sink)

// WithMetrics sets the stream's metric scope.
func WithMetrics(s *metrics.Scope) Option {
	return func(k *Sink) { k.scope = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Sink) { k.logger = l }
}

// New creates a sink. hc must not carry a vendor authenticator.
func New(cfg Config, hc *clients.HTTPClient, opts ...Option) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "intake url is required")
	}
	if cfg.IntakeKey == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "intake_key is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.ChunkSize > config.MaxChunkSize {
		cfg.ChunkSize = config.MaxChunkSize
	}
	if cfg.ByteCap <= 0 {
		cfg.ByteCap = DefaultByteCap
	}
	s := &Sink{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/batch",
		http:     hc,
		scope:    metrics.Nop(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/ajitpratap0/intakeflow/pkg/intake"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "intake_sink"))
	return s, nil
}

type pushRequest struct {
	IntakeKey string   `json:"intake_key"`
	Events    []string `json:"events"`
}

type pushResponse struct {
	EventIDs []string `json:"event_ids"`
}

// Push forwards b and returns the intake's event ids in order. Large
// batches are split by ChunkSize and ByteCap; a failure after retries is a
// send_event error and no further chunk is sent.
func (s *Sink) Push(ctx context.Context, b Batch) ([]string, error) {
	if len(b.Events) == 0 {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "intake.push", trace.WithAttributes(
		attribute.String("batch.id", b.ID.String()),
		attribute.Int("batch.events", len(b.Events))))
	defer span.End()

	ids := make([]string, 0, len(b.Events))
	for _, chunk := range s.split(b.Events) {
		got, err := s.pushChunk(ctx, chunk)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("failed to forward events",
				zap.String("batch_id", b.ID.String()),
				zap.String("source", b.Source),
				zap.Int("events", len(chunk)),
				zap.Error(err))
			return ids, err
		}
		ids = append(ids, got...)
	}
	s.logger.Debug("forwarded batch",
		zap.String("batch_id", b.ID.String()),
		zap.String("source", b.Source),
		zap.Int("events", len(ids)))
	return ids, nil
}

func (s *Sink) pushChunk(ctx context.Context, events []string) ([]string, error) {
	start := time.Now()
	header := http.Header{}
	header.Set(HeaderIntakeKey, s.cfg.IntakeKey)

	resp, err := s.http.PostJSON(ctx, s.endpoint, pushRequest{IntakeKey: s.cfg.IntakeKey, Events: events}, header)
	s.scope.ObserveForward(time.Since(start))
	if err != nil {
		if errors.IsShutdown(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeSendEvent, "intake rejected batch").
			WithDetail("events", len(events))
	}

	var out pushResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSendEvent, "invalid intake response")
	}
	if len(out.EventIDs) != len(events) {
		s.logger.Warn("intake returned a different number of event ids",
			zap.Int("sent", len(events)), zap.Int("ids", len(out.EventIDs)))
	}
	s.scope.Forwarded(len(events))
	return out.EventIDs, nil
}

// split packs events into requests of at most ChunkSize events whose
// encoded body stays under ByteCap. An oversized event travels alone.
func (s *Sink) split(events []string) [][]string {
	base := encodedLen(pushRequest{IntakeKey: s.cfg.IntakeKey, Events: []string{}})
	var out [][]string
	for _, chunk := range lo.Chunk(events, s.cfg.ChunkSize) {
		size := base
		startIdx := 0
		for i, e := range chunk {
			// escaped string and separator
			n := encodedLen(e) + 1
			if size+n > s.cfg.ByteCap && i > startIdx {
				out = append(out, chunk[startIdx:i])
				startIdx, size = i, base
			}
			size += n
		}
		out = append(out, chunk[startIdx:])
	}
	return out
}

// encodedLen is the size of v encoded the way PostJSON encodes bodies.
func encodedLen(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
