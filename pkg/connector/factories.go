package connector

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ajitpratap0/intakeflow/pkg/batcher"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/queue"
	"github.com/ajitpratap0/intakeflow/pkg/stepper"
)

// Built-in stream types.
const (
	TypeHTTP      = "http"
	TypeSQS       = "sqs"
	TypePubSub    = "pubsub"
	TypeKafka     = "kafka"
	TypeEventHubs = "eventhubs"
	TypeSSE       = "sse"
	TypeLongPoll  = "longpoll"
)

func init() {
	MustRegister(TypeHTTP, newHTTPWorker)
	MustRegister(TypeSQS, newSQSWorker)
	MustRegister(TypePubSub, newPubSubWorker)
	MustRegister(TypeKafka, newKafkaWorker)
	MustRegister(TypeEventHubs, newKafkaWorker)
	MustRegister(TypeSSE, newSSEWorker)
	MustRegister(TypeLongPoll, newLongPollWorker)
}

// ObjectOptions configure the blob stores notifications may point at.
type ObjectOptions struct {
	S3    *S3Objects    `yaml:"s3"`
	GCS   *GCSObjects   `yaml:"gcs"`
	Azure *AzureObjects `yaml:"azure"`
}

type S3Objects struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type GCSObjects struct {
	CredentialsFile string `yaml:"credentials_file"`
}

type AzureObjects struct {
	ConnectionString string `yaml:"connection_string"`
	ServiceURL       string `yaml:"service_url"`
}

func (o ObjectOptions) empty() bool {
	return o.S3 == nil && o.GCS == nil && o.Azure == nil
}

// RecordFormat selects how payloads split into events.
type RecordFormat struct {
	Format        queue.Format `yaml:"format"`
	AvroBodyField string       `yaml:"avro_body_field"`
}

func (r RecordFormat) options() queue.RecordOptions {
	return queue.RecordOptions{AvroBodyField: r.AvroBodyField}
}

func openObjects(ctx context.Context, d *Deps, o ObjectOptions) (*queue.Opener, error) {
	opener := queue.NewOpener(d.Logger)
	stores := 0
	if o.S3 != nil {
		c, err := queue.NewS3Client(ctx, o.S3.Region, o.S3.Endpoint)
		if err != nil {
			return nil, err
		}
		opener.Register(queue.SchemeS3, queue.NewS3Store(c))
		stores++
	}
	if o.GCS != nil {
		c, err := queue.NewGCSClient(ctx, o.GCS.CredentialsFile)
		if err != nil {
			return nil, err
		}
		d.OnClose(func() { _ = c.Close() })
		opener.Register(queue.SchemeGCS, queue.NewGCSStore(c))
		stores++
	}
	if o.Azure != nil {
		c, err := queue.NewAzureBlobClient(o.Azure.ConnectionString, o.Azure.ServiceURL)
		if err != nil {
			return nil, err
		}
		opener.Register(queue.SchemeAzure, queue.NewAzureBlobStore(c))
		stores++
	}
	if stores == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "objects: at least one of s3, gcs, azure is required")
	}
	return opener, nil
}

func queueOptions(d *Deps) []queue.Option {
	return []queue.Option{queue.WithClock(d.Env.Clock), queue.WithLogger(d.Logger)}
}

func newHTTPWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts HTTPSourceOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if d.Store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "http: a checkpoint store is required")
	}
	hc, err := d.VendorHTTP()
	if err != nil {
		return nil, err
	}
	hs, err := NewHTTPSource(hc, opts, d.Logger)
	if err != nil {
		return nil, err
	}

	if d.Stream.SharesCheckpoint() && (hs.Mode() != ModeCursor || opts.Dedup) {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"http: stream %s shares connector %s and must use cursor mode without dedup", d.Stream.Name, d.Stream.Connector)
	}

	var src Source
	if hs.Mode() == ModeCursor {
		src, err = NewCursorSource(ctx, CursorSourceConfig{
			Name:     d.Stream.Name,
			MaxPages: opts.MaxPages,
			Ordered:  opts.OrderedCursor,
			Dedup:    opts.Dedup,
		}, d.Store, hs.FetchPage, d.Options()...)
	} else {
		src, err = NewWindowSource(ctx, WindowSourceConfig{
			Name:    d.Stream.Name,
			Stepper: stepper.ConfigFrom(&d.Stream.ConnectorConfig),
			Dedup:   opts.Dedup,
		}, d.Store, hs.FetchWindow, d.Options()...)
	}
	if err != nil {
		return nil, err
	}
	return NewRunner(src, d.Sink, d.Stream.FrequencyDuration(), d.Options()...), nil
}

// SQSOptions is the options block of an sqs stream.
type SQSOptions struct {
	queue.SQSConfig `yaml:",inline"`
	RecordFormat    `yaml:",inline"`

	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// Direct reads events from message bodies instead of notifications
	Direct          bool          `yaml:"direct"`
	Objects         ObjectOptions `yaml:"objects"`
	DeleteAfterRead bool          `yaml:"delete_after_read"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
}

func newSQSWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts SQSOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	client, err := queue.NewSQSClient(ctx, opts.Region, opts.Endpoint)
	if err != nil {
		return nil, err
	}
	sub, err := queue.NewSQSSubscriber(client, opts.SQSConfig, queueOptions(d)...)
	if err != nil {
		return nil, err
	}
	var opener *queue.Opener
	if !opts.Direct {
		if opts.Objects.empty() {
			// notifications from the queue's own region
			opts.Objects.S3 = &S3Objects{Region: opts.Region}
		}
		if opener, err = openObjects(ctx, d, opts.Objects); err != nil {
			return nil, err
		}
	}
	src, err := NewQueueSource(QueueSourceConfig{
		Name:            d.Stream.Name,
		Direct:          opts.Direct,
		Format:          opts.Format,
		Records:         opts.options(),
		DeleteAfterRead: opts.DeleteAfterRead,
		MaxRedeliveries: opts.MaxRedeliveries,
	}, sub, opener, d.Options()...)
	if err != nil {
		return nil, err
	}
	return NewRunner(src, d.Sink, d.Stream.FrequencyDuration(), d.Options()...), nil
}

// StreamOptions are shared by the push transports.
type StreamOptions struct {
	RecordFormat `yaml:",inline"`
	// Notifications resolves message bodies to blobs through Objects
	Notifications   bool          `yaml:"notifications"`
	Objects         ObjectOptions `yaml:"objects"`
	DeleteAfterRead bool          `yaml:"delete_after_read"`
}

// cursorPolicy selects how a stream transport checkpoints its position.
type cursorPolicy int

const (
	noCursor cursorPolicy = iota
	replaceCursor
	orderedCursor
)

func streamWorker(ctx context.Context, d *Deps, sub queue.StreamSubscriber, so StreamOptions, cursor cursorPolicy) (Worker, error) {
	cfg := StreamSourceConfig{
		Name:             d.Stream.Name,
		Batcher:          batcher.ConfigFrom(&d.Stream.ConnectorConfig),
		Format:           so.Format,
		Records:          so.options(),
		DeleteAfterRead:  so.DeleteAfterRead,
		CheckpointCursor: cursor != noCursor,
		OrderedCursor:    cursor == orderedCursor,
	}
	if so.Notifications {
		opener, err := openObjects(ctx, d, so.Objects)
		if err != nil {
			return nil, err
		}
		cfg.Opener = opener
	}
	return NewStreamSource(cfg, sub, d.Sink, d.Store, d.Options()...)
}

// PubSubOptions is the options block of a pubsub stream.
type PubSubOptions struct {
	queue.PubSubConfig `yaml:",inline"`
	StreamOptions      `yaml:",inline"`
}

func newPubSubWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts PubSubOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	client, err := queue.NewPubSubClient(ctx, opts.PubSubConfig)
	if err != nil {
		return nil, err
	}
	sub, err := queue.NewPubSubSubscriber(client, opts.PubSubConfig, queueOptions(d)...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return streamWorker(ctx, d, sub, opts.StreamOptions, noCursor)
}

// KafkaOptions is the options block of kafka and eventhubs streams.
type KafkaOptions struct {
	queue.KafkaConfig `yaml:",inline"`
	StreamOptions     `yaml:",inline"`
}

func newKafkaWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts KafkaOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if d.Stream.Type == TypeEventHubs && opts.ConnectionString == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "eventhubs: connection_string is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.Stream.ChunkSize
	}
	sub, err := queue.NewKafkaSubscriber(opts.KafkaConfig, queueOptions(d)...)
	if err != nil {
		return nil, err
	}
	return streamWorker(ctx, d, sub, opts.StreamOptions, noCursor)
}

// HTTPStreamOptions carry the request parts shared by sse and longpoll.
type HTTPStreamOptions struct {
	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`
}

func (h HTTPStreamOptions) values() url.Values {
	q := make(url.Values, len(h.Query))
	for k, v := range h.Query {
		q.Set(k, v)
	}
	return q
}

func (h HTTPStreamOptions) header() http.Header {
	out := make(http.Header, len(h.Headers))
	for k, v := range h.Headers {
		out.Set(k, v)
	}
	return out
}

// SSEOptions is the options block of an sse stream.
type SSEOptions struct {
	queue.SSEConfig   `yaml:",inline"`
	HTTPStreamOptions `yaml:",inline"`
	RecordFormat      `yaml:",inline"`
}

func newSSEWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts SSEOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if d.Store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "sse: a checkpoint store is required")
	}
	cp, err := d.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	hc, err := d.VendorHTTP()
	if err != nil {
		return nil, err
	}
	cfg := opts.SSEConfig
	cfg.Query = opts.values()
	cfg.Header = opts.header()
	cfg.LastEventID = cp.Cursor
	sub, err := queue.NewSSEStream(hc, cfg, queueOptions(d)...)
	if err != nil {
		return nil, err
	}
	return streamWorker(ctx, d, sub, StreamOptions{RecordFormat: opts.RecordFormat}, replaceCursor)
}

// LongPollOptions is the options block of a longpoll stream.
type LongPollOptions struct {
	queue.LongPollConfig `yaml:",inline"`
	HTTPStreamOptions    `yaml:",inline"`
	RecordFormat         `yaml:",inline"`

	// OrderedCursor refuses checkpoint cursors sorting before the stored one
	OrderedCursor bool `yaml:"ordered_cursor"`
}

func newLongPollWorker(ctx context.Context, d *Deps) (Worker, error) {
	var opts LongPollOptions
	if err := d.Stream.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if d.Store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "longpoll: a checkpoint store is required")
	}
	cp, err := d.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	hc, err := d.VendorHTTP()
	if err != nil {
		return nil, err
	}
	cfg := opts.LongPollConfig
	cfg.Query = opts.values()
	cfg.StartCursor = cp.Cursor
	sub, err := queue.NewLongPoller(hc, cfg, queueOptions(d)...)
	if err != nil {
		return nil, err
	}
	policy := replaceCursor
	if opts.OrderedCursor {
		policy = orderedCursor
	}
	return streamWorker(ctx, d, sub, StreamOptions{RecordFormat: opts.RecordFormat}, policy)
}
