package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// SQS service limits.
const (
	sqsMaxMessages = 10
	sqsMaxWait     = 20 * time.Second
	sqsBatchSize   = 10
)

// SQSAPI is the subset of the SQS client used by SQSSubscriber.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, in *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQSConfig addresses one queue.
type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
	// WaitTime is the long-poll duration, at most 20s
	WaitTime time.Duration `yaml:"wait_time"`
	// VisibilityTimeout overrides the queue default when positive
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// SQSSubscriber receives messages from an SQS queue. Ack deletes them,
// Nack makes them visible again immediately.
type SQSSubscriber struct {
	api    SQSAPI
	cfg    SQSConfig
	clock  clock.Clock
	logger *zap.Logger
	state  machine
}

// Option configures a subscriber.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
}

// WithClock sets the clock used for receive timestamps and idle detection.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrReal(o.clock)
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// NewSQSSubscriber creates a subscriber over api.
func NewSQSSubscriber(api SQSAPI, cfg SQSConfig, opts ...Option) (*SQSSubscriber, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sqs: queue_url is required")
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > sqsMaxWait {
		cfg.WaitTime = sqsMaxWait
	}
	o := buildOptions(opts)
	return &SQSSubscriber{
		api:    api,
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With(zap.String("component", "sqs"), zap.String("queue", cfg.QueueURL)),
	}, nil
}

// NewSQSClient builds an SQS client from the default credential chain.
// endpoint overrides the service URL (LocalStack, ElasticMQ).
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	return cfg, nil
}

// State reports the subscriber lifecycle position.
func (s *SQSSubscriber) State() State {
	return s.state.get()
}

// Receive long-polls for up to max messages (at most 10).
func (s *SQSSubscriber) Receive(ctx context.Context, max int) ([]*Message, error) {
	switch s.state.get() {
	case StateClosed, StateShuttingDown:
		return nil, errors.New(errors.ErrorTypeShutdown, "sqs subscriber is closed")
	case StateIdle:
		if err := s.state.to(StateSubscribing); err != nil {
			return nil, err
		}
		if err := s.state.to(StateReceiving); err != nil {
			return nil, err
		}
	case StateProcessing:
		_ = s.state.to(StateReceiving)
	}

	if max <= 0 || max > sqsMaxMessages {
		max = sqsMaxMessages
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.cfg.QueueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(s.cfg.WaitTime / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if s.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(s.cfg.VisibilityTimeout / time.Second)
	}

	out, err := s.api.ReceiveMessage(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "sqs receive failed")
	}

	now := clock.Now(s.clock)
	msgs := make([]*Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, s.convert(m, now))
	}
	if len(msgs) > 0 {
		_ = s.state.to(StateProcessing)
	}
	return msgs, nil
}

func (s *SQSSubscriber) convert(m types.Message, now time.Time) *Message {
	msg := &Message{
		ID:         aws.ToString(m.MessageId),
		Body:       []byte(aws.ToString(m.Body)),
		ReceivedAt: now,
		Attributes: make(map[string]string, len(m.MessageAttributes)),
		handle:     aws.ToString(m.ReceiptHandle),
	}
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			msg.Attributes[k] = *v.StringValue
		}
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.SentAt = clock.UTC(time.UnixMilli(ms))
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.Receives = n
	}
	return msg
}

// Ack deletes msgs from the queue. Messages already settled are skipped.
func (s *SQSSubscriber) Ack(ctx context.Context, msgs []*Message) error {
	return s.settle(ctx, msgs, func(ctx context.Context, chunk []*Message) ([]types.BatchResultErrorEntry, error) {
		out, err := s.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(s.cfg.QueueURL),
			Entries: lo.Map(chunk, func(m *Message, i int) types.DeleteMessageBatchRequestEntry {
				return types.DeleteMessageBatchRequestEntry{Id: aws.String(strconv.Itoa(i)), ReceiptHandle: aws.String(m.handle)}
			}),
		})
		if err != nil {
			return nil, err
		}
		return out.Failed, nil
	})
}

// Nack makes msgs visible again.
func (s *SQSSubscriber) Nack(ctx context.Context, msgs []*Message) error {
	return s.settle(ctx, msgs, func(ctx context.Context, chunk []*Message) ([]types.BatchResultErrorEntry, error) {
		out, err := s.api.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(s.cfg.QueueURL),
			Entries: lo.Map(chunk, func(m *Message, i int) types.ChangeMessageVisibilityBatchRequestEntry {
				return types.ChangeMessageVisibilityBatchRequestEntry{
					Id:                aws.String(strconv.Itoa(i)),
					ReceiptHandle:     aws.String(m.handle),
					VisibilityTimeout: 0,
				}
			}),
		})
		if err != nil {
			return nil, err
		}
		return out.Failed, nil
	})
}

type batchCall func(ctx context.Context, chunk []*Message) ([]types.BatchResultErrorEntry, error)

func (s *SQSSubscriber) settle(ctx context.Context, msgs []*Message, call batchCall) error {
	pending := lo.Filter(msgs, func(m *Message, _ int) bool { return m.settle() })
	if len(pending) == 0 {
		return nil
	}
	if s.state.get() != StateClosed {
		_ = s.state.to(StateAcking)
		defer func() { _ = s.state.to(StateReceiving) }()
	}

	var errs []error
	for _, chunk := range lo.Chunk(pending, sqsBatchSize) {
		failed, err := call(ctx, chunk)
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeTransient, "sqs batch call failed"))
			continue
		}
		for _, f := range failed {
			s.logger.Warn("sqs batch entry failed",
				zap.String("id", aws.ToString(f.Id)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)))
		}
		if len(failed) > 0 {
			errs = append(errs, errors.Newf(errors.ErrorTypeTransient, "%d sqs batch entries failed", len(failed)))
		}
	}
	return errors.Join(errs...)
}

// Close stops receiving. In-flight messages become visible again after
// their visibility timeout.
func (s *SQSSubscriber) Close() error {
	_ = s.state.to(StateShuttingDown)
	s.state.shutdown()
	return nil
}
