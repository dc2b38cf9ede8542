package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Kafka consumer defaults.
const (
	DefaultKafkaBatchSize  = 500
	DefaultKafkaBatchWait  = 5 * time.Second
	DefaultConsumptionWait = 10 * time.Minute
	kafkaRetryDelay        = 5 * time.Second
	eventHubsPort          = "9093"
)

// KafkaConfig configures a consumer group. Setting ConnectionString
// targets Azure Event Hubs through its Kafka endpoint.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
	// InitialOffset is "oldest" or "newest" (default)
	InitialOffset string `yaml:"initial_offset"`

	TLS           bool   `yaml:"tls"`
	SASLMechanism string `yaml:"sasl_mechanism"`
	SASLUsername  string `yaml:"sasl_username"`
	SASLPassword  string `yaml:"sasl_password"`

	// ConnectionString is an Event Hubs namespace connection string
	ConnectionString string `yaml:"connection_string"`

	BatchSize int           `yaml:"batch_size"`
	BatchWait time.Duration `yaml:"batch_wait"`
	// ConsumptionMaxWait reopens the group after this long without messages
	ConsumptionMaxWait time.Duration `yaml:"consumption_max_wait"`
}

// GroupFactory opens a consumer group; tests substitute it.
type GroupFactory func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

// KafkaSubscriber consumes a Kafka (or Event Hubs) consumer group in
// batches. Offsets are marked only after the handler accepted a batch, so
// the broker holds the checkpoint.
type KafkaSubscriber struct {
	cfg      KafkaConfig
	sarama   *sarama.Config
	newGroup GroupFactory
	clock    clock.Clock
	logger   *zap.Logger
	state    machine
}

// NewKafkaSubscriber validates cfg and builds the sarama configuration.
func NewKafkaSubscriber(cfg KafkaConfig, opts ...Option) (*KafkaSubscriber, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: at least one topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: group_id is required")
	}
	if cfg.ConnectionString != "" && len(cfg.Brokers) == 0 {
		host, err := eventHubsHost(cfg.ConnectionString)
		if err != nil {
			return nil, err
		}
		cfg.Brokers = []string{host + ":" + eventHubsPort}
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: brokers are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultKafkaBatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = DefaultKafkaBatchWait
	}
	if cfg.ConsumptionMaxWait == 0 {
		cfg.ConsumptionMaxWait = DefaultConsumptionWait
	}
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	return &KafkaSubscriber{
		cfg:      cfg,
		sarama:   sc,
		newGroup: sarama.NewConsumerGroup,
		clock:    o.clock,
		logger:   o.logger.With(zap.String("component", "kafka"), zap.String("group", cfg.GroupID)),
	}, nil
}

// WithGroupFactory replaces the consumer group constructor.
func (k *KafkaSubscriber) WithGroupFactory(f GroupFactory) *KafkaSubscriber {
	k.newGroup = f
	return k
}

func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "intakeflow"
	sc.Version = sarama.V1_0_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Return.Errors = false

	switch strings.ToLower(c.InitialOffset) {
	case "", "newest", "latest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	case "oldest", "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "kafka: unknown initial_offset %q", c.InitialOffset)
	}

	if c.ConnectionString != "" {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = "$ConnectionString"
		sc.Net.SASL.Password = c.ConnectionString
		return sc, nil
	}

	if c.TLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.SASLMechanism != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = c.SASLUsername
		sc.Net.SASL.Password = c.SASLPassword
		switch strings.ToUpper(c.SASLMechanism) {
		case "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "kafka: unsupported sasl_mechanism %q", c.SASLMechanism)
		}
	}
	return sc, nil
}

// eventHubsHost extracts the namespace host from
// "Endpoint=sb://<ns>.servicebus.windows.net/;SharedAccessKeyName=...".
func eventHubsHost(conn string) (string, error) {
	for _, part := range strings.Split(conn, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Endpoint") {
			continue
		}
		host := strings.TrimPrefix(strings.TrimSpace(v), "sb://")
		host = strings.TrimSuffix(host, "/")
		if host != "" {
			return host, nil
		}
	}
	return "", errors.New(errors.ErrorTypeConfig, "kafka: connection string has no Endpoint")
}

// State reports the subscriber lifecycle position.
func (k *KafkaSubscriber) State() State {
	return k.state.get()
}

// Run consumes until ctx is done. The group is closed and reopened after
// ConsumptionMaxWait without messages and after session errors.
func (k *KafkaSubscriber) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if k.state.get() == StateClosed {
			return errors.New(errors.ErrorTypeShutdown, "kafka subscriber is closed")
		}
		_ = k.state.to(StateSubscribing)

		err := k.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.IsFatal(err) {
			return err
		}
		if err != nil {
			k.logger.Warn("consumer group stopped, reopening", zap.Error(err), zap.Duration("delay", kafkaRetryDelay))
			if err := clock.Sleep(ctx, k.clock, kafkaRetryDelay); err != nil {
				return err
			}
			continue
		}
		k.logger.Info("consumer group idle, reopening", zap.Duration("consumption_max_wait", k.cfg.ConsumptionMaxWait))
	}
}

// consumeOnce runs one group lifetime. It returns nil when the idle
// watch expired.
func (k *KafkaSubscriber) consumeOnce(ctx context.Context, handler Handler) error {
	group, err := k.newGroup(k.cfg.Brokers, k.cfg.GroupID, k.sarama)
	if err != nil {
		if errors.Is(err, sarama.ErrOutOfBrokers) {
			return errors.Wrap(err, errors.ErrorTypeConnection, "kafka brokers unreachable")
		}
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to open consumer group")
	}
	defer func() {
		if err := group.Close(); err != nil {
			k.logger.Warn("failed to close consumer group", zap.Error(err))
		}
	}()

	cycle, cancel := context.WithCancel(ctx)
	defer cancel()
	watch := newIdleWatch(k.clock)
	go watch.run(cycle, k.cfg.ConsumptionMaxWait, cancel)

	h := &groupHandler{sub: k, handler: handler, watch: watch}
	_ = k.state.to(StateReceiving)
	for cycle.Err() == nil {
		if err := group.Consume(cycle, k.cfg.Topics, h); err != nil {
			if cycle.Err() != nil {
				break
			}
			return errors.Wrap(err, errors.ErrorTypeTransient, "consumer group session failed")
		}
	}
	return nil
}

// Close stops the subscriber; Run returns at its next check.
func (k *KafkaSubscriber) Close() error {
	_ = k.state.to(StateShuttingDown)
	k.state.shutdown()
	return nil
}

// groupHandler adapts the batch Handler to sarama's per-claim callbacks.
type groupHandler struct {
	sub     *KafkaSubscriber
	handler Handler
	watch   *idleWatch
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.sub.logger.Debug("session started", zap.Any("claims", s.Claims()), zap.Int32("generation", s.GenerationID()))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim gathers up to BatchSize messages or BatchWait, hands them
// to the handler and marks the last offset once it succeeds. A handler
// error ends the session so the claim restarts from the committed offset.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		batch, open := h.collect(ctx, claim)
		if len(batch) > 0 {
			if err := h.deliver(ctx, session, batch); err != nil {
				return err
			}
		}
		if !open || ctx.Err() != nil {
			return nil
		}
	}
}

func (h *groupHandler) collect(ctx context.Context, claim sarama.ConsumerGroupClaim) ([]*sarama.ConsumerMessage, bool) {
	cfg := h.sub.cfg
	var batch []*sarama.ConsumerMessage

	var timeout <-chan time.Time
	var timer interface{ Stop() bool }
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for len(batch) < cfg.BatchSize {
		select {
		case <-ctx.Done():
			return batch, false
		case <-timeout:
			return batch, true
		case m, ok := <-claim.Messages():
			if !ok {
				return batch, false
			}
			h.watch.touch()
			batch = append(batch, m)
			if timer == nil {
				t := h.sub.clock.NewTimer(cfg.BatchWait)
				timer, timeout = t, t.C()
			}
		}
	}
	return batch, true
}

func (h *groupHandler) deliver(ctx context.Context, session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) error {
	now := clock.Now(h.sub.clock)
	msgs := make([]*Message, 0, len(batch))
	for _, m := range batch {
		msgs = append(msgs, convertKafka(m, now))
	}

	_ = h.sub.state.to(StateProcessing)
	if err := h.handler(ctx, msgs); err != nil {
		_ = h.sub.state.to(StateReceiving)
		h.sub.logger.Warn("batch rejected, offsets left uncommitted",
			zap.String("topic", batch[0].Topic),
			zap.Int32("partition", batch[0].Partition),
			zap.Int64("offset", batch[0].Offset),
			zap.Error(err))
		return err
	}
	_ = h.sub.state.to(StateAcking)
	for _, m := range msgs {
		m.settle()
	}
	session.MarkMessage(batch[len(batch)-1], "")
	_ = h.sub.state.to(StateReceiving)
	return nil
}

func convertKafka(m *sarama.ConsumerMessage, now time.Time) *Message {
	msg := &Message{
		ID:         fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
		Body:       m.Value,
		ReceivedAt: now,
		Cursor:     strconv.FormatInt(m.Offset+1, 10),
		Attributes: make(map[string]string, len(m.Headers)+1),
	}
	if !m.Timestamp.IsZero() {
		msg.SentAt = clock.UTC(m.Timestamp)
	}
	if len(m.Key) > 0 {
		msg.Attributes["key"] = string(m.Key)
	}
	for _, hdr := range m.Headers {
		if hdr != nil {
			msg.Attributes[string(hdr.Key)] = string(hdr.Value)
		}
	}
	return msg
}
