// Package vector provides embedded vector storage for the knowledge base.
// Documents carry pre-computed embeddings; the store never embeds on its own.
package vector

import "context"

// Document is one chunk with its pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Result is one similarity-search hit.
type Result struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// TenantCollection returns the per-tenant knowledge base collection name.
func TenantCollection(tenantID string) string {
	return "kb_" + tenantID
}

// Store is the vector storage abstraction. Collections are created lazily
// on first use; callers scope tenants by collection name.
type Store interface {
	// Upsert adds or replaces documents in a collection.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Query returns up to topK documents most similar to the query vector,
	// optionally restricted to documents matching every filter entry.
	Query(ctx context.Context, collection string, queryVector []float32, topK int, filter map[string]string) ([]Result, error)

	// DeleteByFilter removes all documents in a collection matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}
