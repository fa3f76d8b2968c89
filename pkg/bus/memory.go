package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same at-least-once, ack-or-requeue
// contract as the JetStream implementation. Used in tests and single-node
// runs.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]chan *Message
	closed bool

	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string]chan *Message)}
}

func (b *MemoryBus) queueFor(subject string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subject]
	if !ok {
		q = make(chan *Message, 1024)
		b.queues[subject] = q
	}
	return q
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, subject string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", subject, err)
	}

	select {
	case b.queueFor(subject) <- &Message{Subject: subject, Data: data}:
		return nil
	default:
		return fmt.Errorf("queue for %s is full", subject)
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, subject, _ string, opts SubscribeOptions, handler Handler) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = 10 * time.Millisecond
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	q := b.queueFor(subject)
	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case msg := <-q:
					if err := handler(workerCtx, msg); err != nil {
						// Requeue after the delay, mirroring NakWithDelay.
						go func(m *Message) {
							select {
							case <-workerCtx.Done():
							case <-time.After(opts.NakDelay):
								select {
								case q <- m:
								default:
								}
							}
						}(msg)
					}
				}
			}
		}()
	}
	return nil
}

// Close stops all workers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	cancels := b.cancel
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
