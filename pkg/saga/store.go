// Package saga implements the externalized saga state store. Records are the
// single source of truth for a query's progress: every stage worker reads the
// record, does its work, persists the outcome, and only then publishes the
// next bus message.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/querylens/querylens/pkg/models"
)

// Store errors.
var (
	// ErrNotFound means no live record exists for the saga ID.
	ErrNotFound = errors.New("saga record not found")

	// ErrAlreadyExists means Create was called for an existing saga ID.
	ErrAlreadyExists = errors.New("saga record already exists")

	// ErrTerminal means a mutation was attempted on a completed or errored
	// record. Terminal records are immutable until TTL expiry.
	ErrTerminal = errors.New("saga record is terminal")

	// ErrCallStackTruncated means a mutation tried to shrink the call stack,
	// which is append-only.
	ErrCallStackTruncated = errors.New("call stack is append-only")
)

// MutateFunc modifies a record in place under the store's per-key lock.
// Returning an error aborts the mutation without persisting.
type MutateFunc func(record *models.SagaRecord) error

// Store is the saga state store abstraction.
//
// Mutate is the only write path after Create: it loads the record under a
// per-key lock, applies fn, and persists the result atomically. Concurrent
// mutations of the same saga serialize; mutations of different sagas do not
// block each other. When fn drives the record to a terminal status the store
// arms the retention TTL.
type Store interface {
	Create(ctx context.Context, record *models.SagaRecord) error
	Get(ctx context.Context, sagaID string) (*models.SagaRecord, error)
	Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*models.SagaRecord, error)

	// DeleteExpired removes terminal records past their TTL and returns how
	// many were removed.
	DeleteExpired(ctx context.Context) (int, error)

	Close() error
}

// checkMutation enforces the shared write invariants: no touching terminal
// records, and the call stack only ever grows.
func checkMutation(before *models.SagaRecord, apply MutateFunc) error {
	if before.IsTerminal() {
		return ErrTerminal
	}
	depth := len(before.CallStack)
	if err := apply(before); err != nil {
		return err
	}
	if len(before.CallStack) < depth {
		return ErrCallStackTruncated
	}
	return nil
}

// finalizeMutation stamps bookkeeping fields after a successful mutation and
// reports whether the record just went terminal.
func finalizeMutation(record *models.SagaRecord, now time.Time) (wentTerminal bool) {
	record.UpdatedAt = now
	record.Rollup()
	return record.IsTerminal()
}
