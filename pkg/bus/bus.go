// Package bus provides the message bus that carries sagas between stage
// workers. The production implementation rides on NATS JetStream; an
// in-memory implementation backs tests and single-process runs.
//
// Delivery contract: at-least-once. A handler returning nil acknowledges the
// message; returning an error requeues it after a delay. Handlers must
// therefore be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message on %s: %w", m.Subject, err)
	}
	return nil
}

// Handler processes one delivery. A nil return acks; an error nacks for
// redelivery.
type Handler func(ctx context.Context, msg *Message) error

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Workers is the number of concurrent handler goroutines. Defaults to 1.
	Workers int

	// AckWait is how long the broker waits for an ack before redelivering.
	// Must exceed the stage timeout.
	AckWait time.Duration

	// NakDelay postpones redelivery after a handler error.
	NakDelay time.Duration

	// MaxDeliver caps delivery attempts per message. Zero means unlimited.
	MaxDeliver int
}

// Bus is the message bus abstraction.
type Bus interface {
	// Publish JSON-encodes payload onto the subject.
	Publish(ctx context.Context, subject string, payload any) error

	// Subscribe registers a durable consumer on the subject. Returns once
	// workers are running; they stop when ctx is cancelled or Close is
	// called.
	Subscribe(ctx context.Context, subject, consumerName string, opts SubscribeOptions, handler Handler) error

	Close() error
}
