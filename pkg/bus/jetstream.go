package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding all saga and ingestion traffic.
const StreamName = "QUERYLENS"

// JetStreamBus implements Bus over NATS JetStream with durable consumers and
// explicit acks.
type JetStreamBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// NewJetStreamBus connects to NATS and ensures the stream exists.
func NewJetStreamBus(ctx context.Context, url string, logger *slog.Logger) (*JetStreamBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"q.>", "kb.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	logger.Info("Connected to NATS JetStream", "url", url, "stream", StreamName)
	return &JetStreamBus{nc: nc, js: js, stream: stream, logger: logger}, nil
}

// Publish implements Bus.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", subject, err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *JetStreamBus) Subscribe(ctx context.Context, subject, consumerName string, opts SubscribeOptions, handler Handler) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 3 * time.Minute
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = 5 * time.Second
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(consumerName),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s on %s: %w", consumerName, subject, err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go b.consumeLoop(workerCtx, consumer, subject, opts, handler)
	}

	b.logger.Info("Subscribed", "subject", subject, "consumer", consumerName, "workers", opts.Workers)
	return nil
}

func (b *JetStreamBus) consumeLoop(ctx context.Context, consumer jetstream.Consumer, subject string, opts SubscribeOptions, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, subject, opts, handler)
		}
	}
}

func (b *JetStreamBus) handleMessage(ctx context.Context, msg jetstream.Msg, subject string, opts SubscribeOptions, handler Handler) {
	if ctx.Err() != nil {
		// Shutting down: leave the message for redelivery.
		if err := msg.Nak(); err != nil {
			b.logger.Warn("Nak during shutdown failed", "subject", subject, "error", err)
		}
		return
	}

	err := handler(ctx, &Message{Subject: msg.Subject(), Data: msg.Data()})
	if err != nil {
		b.logger.Warn("Handler failed, requeueing",
			"subject", subject, "delay", opts.NakDelay, "error", err)
		if nakErr := msg.NakWithDelay(opts.NakDelay); nakErr != nil {
			b.logger.Error("Nak failed", "subject", subject, "error", nakErr)
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		b.logger.Error("Ack failed", "subject", subject, "error", ackErr)
	}
}

// Close stops all workers and drains the connection.
func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancel {
		cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// durableName makes a subject-derived name safe for JetStream durables,
// which forbid dots.
func durableName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

var _ Bus = (*JetStreamBus)(nil)
