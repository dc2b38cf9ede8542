package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

func newFakePubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestPubSubAcksAcceptedMessages(t *testing.T) {
	srv, client := newFakePubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic, err := client.CreateTopic(ctx, "events")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "events-sub", pubsub.SubscriptionConfig{Topic: topic, AckDeadline: 10 * time.Second})
	require.NoError(t, err)

	srv.Publish("projects/proj/topics/events", []byte(`{"n":1}`), map[string]string{"bucketId": "b", "objectId": "o"})
	srv.Publish("projects/proj/topics/events", []byte(`{"n":2}`), nil)

	sub, err := NewPubSubSubscriber(client, PubSubConfig{Subscription: "events-sub"}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		seen  []string
		attrs map[string]string
	)
	err = sub.Run(ctx, func(_ context.Context, msgs []*Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			seen = append(seen, string(m.Body))
			if m.Attributes["bucketId"] != "" {
				attrs = m.Attributes
			}
		}
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []string{`{"n":1}`, `{"n":2}`}, seen)
	assert.Equal(t, "o", attrs["objectId"])

	require.Eventually(t, func() bool {
		for _, m := range srv.Messages() {
			if m.Acks == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	assert.Equal(t, StateClosed, sub.State())
}

func TestPubSubRequiresSubscription(t *testing.T) {
	_, client := newFakePubSub(t)
	_, err := NewPubSubSubscriber(client, PubSubConfig{})
	assert.True(t, errors.IsFatal(err))
}
