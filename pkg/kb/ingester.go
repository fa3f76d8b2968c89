package kb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/querylens/querylens/pkg/bus"
	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/vector"
)

// supportedExtensions are the document types ingested as plain text.
var supportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".csv": true,
}

// Ingester consumes kb.ingest envelopes: add chunks and indexes a document,
// delete removes every chunk of a file.
type Ingester struct {
	chunker *Chunker
	store   vector.Store
	logger  *slog.Logger
}

// NewIngester creates the ingestion consumer.
func NewIngester(embedder llm.Client, store vector.Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{chunker: NewChunker(embedder), store: store, logger: logger}
}

// Subscribe attaches the ingester to the bus.
func (ing *Ingester) Subscribe(ctx context.Context, b bus.Bus, workers int) error {
	return b.Subscribe(ctx, models.SubjectKBIngest, "kb-ingest", bus.SubscribeOptions{
		Workers: workers,
		AckWait: 2 * time.Minute,
	}, ing.handle)
}

func (ing *Ingester) handle(ctx context.Context, msg *bus.Message) error {
	var env models.IngestEnvelope
	if err := msg.Decode(&env); err != nil {
		// Malformed envelopes can never succeed; log and drop.
		ing.logger.Error("Dropping malformed ingest envelope", "error", err)
		return nil
	}

	switch env.Action {
	case models.IngestActionAdd:
		return ing.Ingest(ctx, &env)
	case models.IngestActionDelete:
		return ing.Delete(ctx, env.TenantID, env.FileID)
	default:
		ing.logger.Error("Dropping ingest envelope with unknown action", "action", env.Action)
		return nil
	}
}

// Ingest chunks and indexes one document. Re-ingesting the same file ID
// replaces its previous chunks, making redelivery idempotent.
func (ing *Ingester) Ingest(ctx context.Context, env *models.IngestEnvelope) error {
	ext := strings.ToLower(filepath.Ext(env.Filename))
	if !supportedExtensions[ext] {
		ing.logger.Warn("Skipping unsupported document type",
			"tenant_id", env.TenantID, "filename", env.Filename)
		return nil
	}

	chunks, err := ing.chunker.Chunk(ctx, string(env.DocBytes))
	if err != nil {
		return fmt.Errorf("chunk %s: %w", env.Filename, err)
	}

	collection := vector.TenantCollection(env.TenantID)

	// Drop any chunks from a previous version of this file first.
	if err := ing.store.DeleteByFilter(ctx, collection, map[string]string{"file_id": env.FileID}); err != nil {
		ing.logger.Warn("Failed to clear previous chunks before re-ingest",
			"file_id", env.FileID, "error", err)
	}

	if len(chunks) == 0 {
		ing.logger.Info("Document produced no chunks",
			"tenant_id", env.TenantID, "filename", env.Filename)
		return nil
	}

	docs := make([]vector.Document, 0, len(chunks))
	for i, chunk := range chunks {
		docs = append(docs, vector.Document{
			ID:        fmt.Sprintf("%s_%d", env.FileID, i),
			Content:   chunk.Text,
			Embedding: chunk.Embedding,
			Metadata: map[string]string{
				"file_id":  env.FileID,
				"filename": env.Filename,
				"ordinal":  fmt.Sprintf("%d", i),
			},
		})
	}

	if err := ing.store.Upsert(ctx, collection, docs); err != nil {
		return fmt.Errorf("index %s: %w", env.Filename, err)
	}

	ing.logger.Info("Indexed document",
		"tenant_id", env.TenantID, "filename", env.Filename, "chunks", len(docs))
	return nil
}

// Delete removes all chunks of a file from the tenant's knowledge base.
func (ing *Ingester) Delete(ctx context.Context, tenantID, fileID string) error {
	err := ing.store.DeleteByFilter(ctx, vector.TenantCollection(tenantID),
		map[string]string{"file_id": fileID})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	ing.logger.Info("Deleted document chunks", "tenant_id", tenantID, "file_id", fileID)
	return nil
}
