package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	SagaID string `json:"saga_id"`
}

func TestMemoryBusDelivers(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	received := make(chan testPayload, 1)
	err := b.Subscribe(context.Background(), "q.initiated", "gen", SubscribeOptions{}, func(_ context.Context, msg *Message) error {
		var p testPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		received <- p
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "q.initiated", testPayload{SagaID: "s1"}))

	select {
	case p := <-received:
		assert.Equal(t, "s1", p.SagaID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBusRequeuesOnError(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	var attempts atomic.Int32
	done := make(chan struct{})
	err := b.Subscribe(context.Background(), "q.generated", "exec", SubscribeOptions{NakDelay: 5 * time.Millisecond}, func(_ context.Context, _ *Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "q.generated", testPayload{SagaID: "s1"}))

	select {
	case <-done:
		assert.Equal(t, int32(3), attempts.Load())
	case <-time.After(2 * time.Second):
		t.Fatalf("message not redelivered, attempts=%d", attempts.Load())
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	var wrongSubject atomic.Int32
	err := b.Subscribe(context.Background(), "q.terminal", "term", SubscribeOptions{}, func(_ context.Context, msg *Message) error {
		if msg.Subject != "q.terminal" {
			wrongSubject.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "q.initiated", testPayload{SagaID: "s1"}))
	require.NoError(t, b.Publish(context.Background(), "q.terminal", testPayload{SagaID: "s2"}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), wrongSubject.Load())
}

func TestMemoryBusConcurrentWorkers(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	const total = 20
	var mu sync.Mutex
	seen := make(map[string]bool)
	var count atomic.Int32

	err := b.Subscribe(context.Background(), "kb.ingest", "kb", SubscribeOptions{Workers: 4}, func(_ context.Context, msg *Message) error {
		var p testPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		seen[p.SagaID] = true
		mu.Unlock()
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(context.Background(), "kb.ingest", testPayload{SagaID: string(rune('a' + i))}))
	}

	require.Eventually(t, func() bool { return count.Load() == total }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), "q.initiated", testPayload{})
	assert.Error(t, err)
}
