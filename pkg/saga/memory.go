package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/querylens/querylens/pkg/models"
)

// MemoryStore is an in-process Store used in tests and single-node runs.
// Semantics match the Postgres store: per-key locking, append-only call
// stack, terminal immutability, TTL on terminal records.
type MemoryStore struct {
	terminalTTL time.Duration

	mu      sync.Mutex
	records map[string]*memoryEntry
	locks   map[string]*sync.Mutex
}

type memoryEntry struct {
	record    *models.SagaRecord
	expiresAt time.Time // zero until terminal
}

// NewMemoryStore creates an empty in-memory store. terminalTTL bounds how
// long terminal records stay readable.
func NewMemoryStore(terminalTTL time.Duration) *MemoryStore {
	if terminalTTL <= 0 {
		terminalTTL = time.Hour
	}
	return &MemoryStore{
		terminalTTL: terminalTTL,
		records:     make(map[string]*memoryEntry),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, record *models.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.records[record.SagaID]; ok && !s.expired(entry) {
		return fmt.Errorf("saga %s: %w", record.SagaID, ErrAlreadyExists)
	}

	clone, err := cloneRecord(record)
	if err != nil {
		return err
	}
	s.records[record.SagaID] = &memoryEntry{record: clone}
	return nil
}

// Get implements Store. Expired records read as missing.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*models.SagaRecord, error) {
	s.mu.Lock()
	entry, ok := s.records[sagaID]
	if ok && s.expired(entry) {
		delete(s.records, sagaID)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	return cloneRecord(entry.record)
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(_ context.Context, sagaID string, fn MutateFunc) (*models.SagaRecord, error) {
	lock := s.lockFor(sagaID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	entry, ok := s.records[sagaID]
	if ok && s.expired(entry) {
		delete(s.records, sagaID)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}

	// Work on a copy so a failing fn cannot leave a half-applied record.
	working, err := cloneRecord(entry.record)
	if err != nil {
		return nil, err
	}
	if err := checkMutation(working, fn); err != nil {
		return nil, fmt.Errorf("saga %s: %w", sagaID, err)
	}

	now := time.Now().UTC()
	if finalizeMutation(working, now) {
		entry.expiresAt = now.Add(s.terminalTTL)
	}
	entry.record = working

	return cloneRecord(working)
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, entry := range s.records {
		if s.expired(entry) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(entry *memoryEntry) bool {
	return !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)
}

func (s *MemoryStore) lockFor(sagaID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sagaID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sagaID] = lock
	}
	return lock
}

// cloneRecord deep-copies through JSON so callers can never alias stored
// state.
func cloneRecord(record *models.SagaRecord) (*models.SagaRecord, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("clone saga record: %w", err)
	}
	var out models.SagaRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone saga record: %w", err)
	}
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
