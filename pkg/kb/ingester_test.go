package kb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/vector"
)

func newTestStore(t *testing.T) vector.Store {
	store, err := vector.NewChromemStore(vector.ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIngesterIndexesDocument(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := llm.NewScriptedClient(8)
	ing := NewIngester(client, store, nil)

	err := ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "metrics.md",
		DocBytes: []byte("Revenue is tracked monthly. Churn is tracked weekly."),
	})
	require.NoError(t, err)

	count, err := store.Count(ctx, vector.TenantCollection("tenant-a"))
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	// Chunks carry provenance metadata.
	queryVec := llm.HashEmbedding("Revenue", 8)
	results, err := store.Query(ctx, vector.TenantCollection("tenant-a"), queryVec, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "metrics.md", results[0].Metadata["filename"])
	assert.Equal(t, "file-1", results[0].Metadata["file_id"])
}

func TestIngesterReingestReplacesChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := NewIngester(llm.NewScriptedClient(8), store, nil)

	env := &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "doc.txt",
		DocBytes: []byte("Alpha beta gamma. Delta epsilon zeta."),
	}
	require.NoError(t, ing.Ingest(ctx, env))
	first, err := store.Count(ctx, vector.TenantCollection("tenant-a"))
	require.NoError(t, err)

	// Redelivery of the same envelope must not duplicate chunks.
	require.NoError(t, ing.Ingest(ctx, env))
	second, err := store.Count(ctx, vector.TenantCollection("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIngesterSkipsUnsupportedType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := NewIngester(llm.NewScriptedClient(8), store, nil)

	err := ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "report.pdf",
		DocBytes: []byte("%PDF-1.4"),
	})
	require.NoError(t, err)

	count, err := store.Count(ctx, vector.TenantCollection("tenant-a"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngesterDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := NewIngester(llm.NewScriptedClient(8), store, nil)

	require.NoError(t, ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "doc.txt",
		DocBytes: []byte("Alpha beta. Gamma delta."),
	}))
	require.NoError(t, ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-2",
		Filename: "other.txt",
		DocBytes: []byte("Keep this one."),
	}))

	require.NoError(t, ing.Delete(ctx, "tenant-a", "file-1"))

	queryVec := llm.HashEmbedding("Alpha", 8)
	results, err := store.Query(ctx, vector.TenantCollection("tenant-a"), queryVec, 10, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "file-1", r.Metadata["file_id"])
	}
}

func TestIngesterTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := NewIngester(llm.NewScriptedClient(8), store, nil)

	require.NoError(t, ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "a.txt",
		DocBytes: []byte("Tenant A data."),
	}))

	count, err := store.Count(ctx, vector.TenantCollection("tenant-b"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAnswererNoContext(t *testing.T) {
	store := newTestStore(t)
	client := llm.NewScriptedClient(8)
	a := NewAnswerer(store, client)

	_, _, err := a.Answer(context.Background(), "tenant-a", "What is our churn rate?")
	assert.ErrorIs(t, err, ErrNoContextAvailable)
}

func TestAnswererUsesRetrievedContext(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{Text: "Churn is tracked weekly."})

	ing := NewIngester(client, store, nil)
	require.NoError(t, ing.Ingest(ctx, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: "tenant-a",
		FileID:   "file-1",
		Filename: "metrics.md",
		DocBytes: []byte("Churn is tracked weekly. Revenue is tracked monthly."),
	}))

	a := NewAnswerer(store, client)
	answer, contexts, err := a.Answer(ctx, "tenant-a", "How often is churn tracked?")
	require.NoError(t, err)
	assert.Equal(t, "Churn is tracked weekly.", answer)

	// The grounding chunks come back to the caller verbatim.
	require.NotEmpty(t, contexts)
	assert.Contains(t, contexts[0], "Churn is tracked weekly.")

	// The retrieved chunk must appear in the model's prompt.
	inputs := client.CapturedInputs()
	require.NotEmpty(t, inputs)
	prompt := inputs[len(inputs)-1].Messages[1].Content
	assert.Contains(t, prompt, "Churn is tracked weekly.")
	assert.Contains(t, prompt, "metrics.md")
}
