package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/querylens/pkg/models"
)

func newRecord(sagaID string) *models.SagaRecord {
	now := time.Now().UTC()
	return &models.SagaRecord{
		SagaID:      sagaID,
		TenantID:    "tenant-a",
		Question:    "What were last month's top products?",
		Status:      models.StatusPending,
		RetryBudget: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deadline:    now.Add(5 * time.Minute),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	record := newRecord("saga-1")
	require.NoError(t, store.Create(ctx, record))

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", got.SagaID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryBudget)

	// Returned record is a copy, not an alias.
	got.Question = "mutated"
	again, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "What were last month's top products?", again.Question)
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	require.NoError(t, store.Create(ctx, newRecord("saga-1")))
	err := store.Create(ctx, newRecord("saga-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMutatePartialPatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	updated, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.Status = models.StatusGenerating
		r.GeneratedSQL = "SELECT 1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGenerating, updated.Status)
	assert.Equal(t, "SELECT 1", updated.GeneratedSQL)

	// Untouched fields survive.
	assert.Equal(t, "What were last month's top products?", updated.Question)
	assert.Equal(t, 1, updated.RetryBudget)
}

func TestMemoryStoreMutateAppendsSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	_, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.CallStack = append(r.CallStack, models.StepRecord{
			StepName: "generate_query", Status: models.StepSuccess,
			Timestamp: time.Now(), DurationMS: 120,
			Usage: &models.TokenUsage{TotalTokens: 42},
		})
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, got.CallStack, 1)
	// Rollups recomputed on every mutation.
	assert.Equal(t, 42, got.TotalTokens)
	assert.Equal(t, 120.0, got.TotalDurationMS)
}

func TestMemoryStoreCallStackIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	_, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.CallStack = append(r.CallStack, models.StepRecord{StepName: "generate_query"})
		return nil
	})
	require.NoError(t, err)

	_, err = store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.CallStack = nil
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallStackTruncated)

	// The failed mutation must not have persisted.
	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, got.CallStack, 1)
}

func TestMemoryStoreTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	_, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.Status = models.StatusCompleted
		r.FormattedResponse = "All done."
		return nil
	})
	require.NoError(t, err)

	_, err = store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.Status = models.StatusGenerating
		return nil
	})
	assert.ErrorIs(t, err, ErrTerminal)

	// Terminal records stay readable until TTL.
	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestMemoryStoreTerminalTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(20 * time.Millisecond)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	_, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
		r.Status = models.StatusError
		r.ErrorMessage = models.ErrCodeSagaDeadline
		return nil
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = store.Get(ctx, "saga-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Saga ID becomes reusable after expiry.
	assert.NoError(t, store.Create(ctx, newRecord("saga-1")))
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10 * time.Millisecond)

	require.NoError(t, store.Create(ctx, newRecord("live")))
	require.NoError(t, store.Create(ctx, newRecord("dead")))
	_, err := store.Mutate(ctx, "dead", func(r *models.SagaRecord) error {
		r.Status = models.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	count, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStoreConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, newRecord("saga-1")))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, "saga-1", func(r *models.SagaRecord) error {
				r.CallStack = append(r.CallStack, models.StepRecord{StepName: "step"})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	// Per-key locking means no appends are lost.
	assert.Len(t, got.CallStack, writers)
}
