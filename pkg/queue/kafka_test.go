package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return map[string][]int32{"t": {0}} }
func (s *fakeSession) MemberID() string                         { return "m" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "t" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func kafkaMessages(n int) *fakeClaim {
	c := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, n)}
	for i := 0; i < n; i++ {
		c.ch <- &sarama.ConsumerMessage{
			Topic:     "t",
			Offset:    int64(i),
			Value:     []byte(`{"n":1}`),
			Key:       []byte("k"),
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Headers:   []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("v")}},
		}
	}
	close(c.ch)
	return c
}

func newTestKafka(t *testing.T, batch int) *KafkaSubscriber {
	t.Helper()
	k, err := NewKafkaSubscriber(KafkaConfig{
		Brokers:   []string{"localhost:9092"},
		Topics:    []string{"t"},
		GroupID:   "g",
		BatchSize: batch,
		BatchWait: time.Hour,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return k
}

func TestConsumeClaimBatchesAndMarks(t *testing.T) {
	k := newTestKafka(t, 2)
	session := &fakeSession{ctx: context.Background()}

	var sizes []int
	var first *Message
	h := &groupHandler{sub: k, watch: newIdleWatch(k.clock), handler: func(_ context.Context, msgs []*Message) error {
		sizes = append(sizes, len(msgs))
		if first == nil {
			first = msgs[0]
		}
		return nil
	}}

	require.NoError(t, h.ConsumeClaim(session, kafkaMessages(5)))
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int64{1, 3, 4}, session.marked)

	assert.Equal(t, "t/0/0", first.ID)
	assert.Equal(t, "1", first.Cursor)
	assert.Equal(t, "k", first.Attributes["key"])
	assert.Equal(t, "v", first.Attributes["h"])
	assert.True(t, first.Settled())
}

func TestConsumeClaimLeavesOffsetOnFailure(t *testing.T) {
	k := newTestKafka(t, 10)
	session := &fakeSession{ctx: context.Background()}
	h := &groupHandler{sub: k, watch: newIdleWatch(k.clock), handler: func(context.Context, []*Message) error {
		return errors.New(errors.ErrorTypeSendEvent, "intake down")
	}}

	err := h.ConsumeClaim(session, kafkaMessages(3))
	require.Error(t, err)
	assert.Empty(t, session.marked)
}

func TestEventHubsConfiguration(t *testing.T) {
	conn := "Endpoint=sb://ns1.servicebus.windows.net/;SharedAccessKeyName=listen;SharedAccessKey=abc=;EntityPath=hub"
	k, err := NewKafkaSubscriber(KafkaConfig{Topics: []string{"hub"}, GroupID: "$Default", ConnectionString: conn, InitialOffset: "oldest"})
	require.NoError(t, err)

	assert.Equal(t, []string{"ns1.servicebus.windows.net:9093"}, k.cfg.Brokers)
	assert.True(t, k.sarama.Net.TLS.Enable)
	assert.True(t, k.sarama.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), k.sarama.Net.SASL.Mechanism)
	assert.Equal(t, "$ConnectionString", k.sarama.Net.SASL.User)
	assert.Equal(t, conn, k.sarama.Net.SASL.Password)
	assert.Equal(t, sarama.OffsetOldest, k.sarama.Consumer.Offsets.Initial)
	assert.NoError(t, k.sarama.Validate())
}

func TestKafkaConfigErrors(t *testing.T) {
	_, err := NewKafkaSubscriber(KafkaConfig{GroupID: "g", Brokers: []string{"b"}})
	assert.True(t, errors.IsFatal(err))

	_, err = NewKafkaSubscriber(KafkaConfig{Topics: []string{"t"}, GroupID: "g", ConnectionString: "SharedAccessKey=x"})
	assert.True(t, errors.IsFatal(err))

	_, err = NewKafkaSubscriber(KafkaConfig{Topics: []string{"t"}, GroupID: "g", Brokers: []string{"b"}, SASLMechanism: "GSSAPI"})
	assert.True(t, errors.IsFatal(err))
}

func TestKafkaRunReturnsOnCancel(t *testing.T) {
	k := newTestKafka(t, 10)
	k.WithGroupFactory(func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, sarama.ErrOutOfBrokers
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := k.Run(ctx, func(context.Context, []*Message) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
