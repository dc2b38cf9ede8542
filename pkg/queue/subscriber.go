// Package queue implements the subscriber family queue-driven connectors
// read from: cloud object notifications delivered through SQS, Kafka and
// Azure Event Hubs consumer groups, GCP Pub/Sub subscriptions, server-sent
// event streams and HTTP long-polling. It also resolves notifications to
// blobs on S3, GCS and Azure Blob Storage and decodes their records.
package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// Message is one delivery from a transport. Settling (ack or nack) happens
// at most once.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string
	SentAt     time.Time
	ReceivedAt time.Time
	// Receives is the transport's delivery count when it reports one
	Receives int
	// Cursor is the resume position once this message is processed
	Cursor string

	handle  string
	settled int32
	ack     func(ok bool)
}

// settle reports whether this call won the right to settle m.
func (m *Message) settle() bool {
	return atomic.CompareAndSwapInt32(&m.settled, 0, 1)
}

// Settled reports whether m was acked or nacked.
func (m *Message) Settled() bool {
	return atomic.LoadInt32(&m.settled) == 1
}

// Subscriber is a pull transport.
type Subscriber interface {
	// Receive returns up to max messages, possibly none after a long poll.
	Receive(ctx context.Context, max int) ([]*Message, error)
	// Ack removes messages from the transport.
	Ack(ctx context.Context, msgs []*Message) error
	// Nack returns messages for redelivery.
	Nack(ctx context.Context, msgs []*Message) error
	State() State
	Close() error
}

// Handler processes one batch of a streaming subscriber. A nil return
// commits the batch (broker offset, ack or cursor); an error leaves it for
// redelivery.
type Handler func(ctx context.Context, msgs []*Message) error

// StreamSubscriber is a push transport driven by Run until ctx is done.
type StreamSubscriber interface {
	Run(ctx context.Context, handler Handler) error
	State() State
	Close() error
}
