package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore implements Store using chromem-go: pure Go, in-process,
// cosine similarity, optional gzip file persistence. Good enough for a
// per-tenant knowledge base without running an external vector service.
type ChromemStore struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	logger *slog.Logger
}

// ChromemConfig configures the chromem store.
type ChromemConfig struct {
	// PersistPath enables file persistence when non-empty. The directory is
	// created if missing; empty means memory-only.
	PersistPath string

	// Compress gzips the persisted database file.
	Compress bool
}

// NewChromemStore creates a chromem-backed store, loading any previously
// persisted database from PersistPath.
func NewChromemStore(cfg ChromemConfig, logger *slog.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create persist directory: %w", err)
		}
		dbPath := dbFilePath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				logger.Warn("Failed to load persisted vector database, starting empty",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				logger.Info("Loaded vector database", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}, nil
}

func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller; the embedding func must
	// never fire.
	col, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("collection %q received a document without an embedding", name)
	})
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	chromemDocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		chromemDocs = append(chromemDocs, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		})
	}
	if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert %d documents into %q: %w", len(docs), collection, err)
	}

	if err := s.persist(); err != nil {
		s.logger.Warn("Failed to persist vector database after upsert", "error", err)
	}
	return nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, collection string, queryVector []float32, topK int, filter map[string]string) ([]Result, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects topK greater than the document count.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, queryVector, topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", collection, err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:         h.ID,
			Content:    h.Content,
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		})
	}
	return out, nil
}

// DeleteByFilter implements Store.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error {
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("delete from %q: %w", collection, err)
	}
	if err := s.persist(); err != nil {
		s.logger.Warn("Failed to persist vector database after delete", "error", err)
	}
	return nil
}

// Count implements Store.
func (s *ChromemStore) Count(_ context.Context, collection string) (int, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close persists the database when persistence is enabled.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := dbFilePath(s.persistPath, s.compress)
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("persist vector database: %w", err)
	}
	return nil
}

func dbFilePath(dir string, compress bool) string {
	name := "vectors.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

var _ Store = (*ChromemStore)(nil)
