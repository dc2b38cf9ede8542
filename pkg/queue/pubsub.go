package queue

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// PubSubConfig addresses a GCP Pub/Sub subscription.
type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	Subscription    string `yaml:"subscription"`
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint overrides the service address (emulator)
	Endpoint string `yaml:"endpoint"`
	// MaxOutstanding bounds unacked messages held by the client
	MaxOutstanding int `yaml:"max_outstanding"`
	// ConsumptionMaxWait reopens the stream after this long without messages
	ConsumptionMaxWait time.Duration `yaml:"consumption_max_wait"`
}

// NewPubSubClient connects to Pub/Sub with the configured credentials.
func NewPubSubClient(ctx context.Context, cfg PubSubConfig) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create pubsub client")
	}
	return client, nil
}

// PubSubSubscriber streams a subscription. Each delivery is handed to the
// handler on its own; a nil return acks it, an error nacks it.
type PubSubSubscriber struct {
	client *pubsub.Client
	cfg    PubSubConfig
	clock  clock.Clock
	logger *zap.Logger
	state  machine
	once   sync.Once
}

// NewPubSubSubscriber wraps client.
func NewPubSubSubscriber(client *pubsub.Client, cfg PubSubConfig, opts ...Option) (*PubSubSubscriber, error) {
	if cfg.Subscription == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pubsub: subscription is required")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1000
	}
	if cfg.ConsumptionMaxWait == 0 {
		cfg.ConsumptionMaxWait = DefaultConsumptionWait
	}
	o := buildOptions(opts)
	return &PubSubSubscriber{
		client: client,
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger.With(zap.String("component", "pubsub"), zap.String("subscription", cfg.Subscription)),
	}, nil
}

// State reports the subscriber lifecycle position.
func (p *PubSubSubscriber) State() State {
	return p.state.get()
}

// Run receives until ctx is done, reopening the stream when idle.
func (p *PubSubSubscriber) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.state.get() == StateClosed {
			return errors.New(errors.ErrorTypeShutdown, "pubsub subscriber is closed")
		}
		_ = p.state.to(StateSubscribing)

		if err := p.receiveOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeTransient, "pubsub receive failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Info("subscription idle, reopening", zap.Duration("consumption_max_wait", p.cfg.ConsumptionMaxWait))
	}
}

func (p *PubSubSubscriber) receiveOnce(ctx context.Context, handler Handler) error {
	sub := p.client.Subscription(p.cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = p.cfg.MaxOutstanding

	cycle, cancel := context.WithCancel(ctx)
	defer cancel()
	watch := newIdleWatch(p.clock)
	go watch.run(cycle, p.cfg.ConsumptionMaxWait, cancel)

	_ = p.state.to(StateReceiving)
	return sub.Receive(cycle, func(ctx context.Context, m *pubsub.Message) {
		watch.touch()
		msg := convertPubSub(m, clock.Now(p.clock))
		if err := handler(ctx, []*Message{msg}); err != nil {
			if msg.settle() {
				m.Nack()
			}
			p.logger.Warn("message rejected", zap.String("id", m.ID), zap.Error(err))
			return
		}
		if msg.settle() {
			m.Ack()
		}
	})
}

func convertPubSub(m *pubsub.Message, now time.Time) *Message {
	msg := &Message{
		ID:         m.ID,
		Body:       m.Data,
		Attributes: m.Attributes,
		SentAt:     clock.UTC(m.PublishTime),
		ReceivedAt: now,
	}
	if m.DeliveryAttempt != nil {
		msg.Receives = *m.DeliveryAttempt
	}
	return msg
}

// Close stops the subscriber and closes the client.
func (p *PubSubSubscriber) Close() error {
	_ = p.state.to(StateShuttingDown)
	var err error
	p.once.Do(func() {
		p.state.shutdown()
		err = p.client.Close()
	})
	return err
}
