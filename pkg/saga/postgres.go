package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querylens/querylens/pkg/models"
)

// PostgresStore persists saga records as single JSONB rows. Per-key locking
// rides on SELECT ... FOR UPDATE inside a transaction, so mutations of the
// same saga serialize across processes, not just goroutines.
type PostgresStore struct {
	pool        *pgxpool.Pool
	terminalTTL time.Duration
}

// NewPostgresStore creates a store over an existing pool. The saga_records
// table is created by the embedded migrations.
func NewPostgresStore(pool *pgxpool.Pool, terminalTTL time.Duration) *PostgresStore {
	if terminalTTL <= 0 {
		terminalTTL = time.Hour
	}
	return &PostgresStore{pool: pool, terminalTTL: terminalTTL}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, record *models.SagaRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode saga record: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO saga_records (saga_id, tenant_id, status, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (saga_id) DO NOTHING`,
		record.SagaID, record.TenantID, string(record.Status), raw)
	if err != nil {
		return fmt.Errorf("insert saga record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saga %s: %w", record.SagaID, ErrAlreadyExists)
	}
	return nil
}

// Get implements Store. Expired records read as missing.
func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*models.SagaRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT record FROM saga_records
		WHERE saga_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		sagaID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select saga record: %w", err)
	}

	var record models.SagaRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode saga record: %w", err)
	}
	return &record, nil
}

// Mutate implements Store.
func (s *PostgresStore) Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*models.SagaRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT record FROM saga_records
		WHERE saga_id = $1 AND (expires_at IS NULL OR expires_at > now())
		FOR UPDATE`,
		sagaID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock saga record: %w", err)
	}

	var record models.SagaRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode saga record: %w", err)
	}

	if err := checkMutation(&record, fn); err != nil {
		return nil, fmt.Errorf("saga %s: %w", sagaID, err)
	}

	now := time.Now().UTC()
	wentTerminal := finalizeMutation(&record, now)

	updated, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("encode saga record: %w", err)
	}

	if wentTerminal {
		_, err = tx.Exec(ctx, `
			UPDATE saga_records
			SET record = $2, status = $3, updated_at = now(),
			    expires_at = now() + $4::interval
			WHERE saga_id = $1`,
			sagaID, updated, string(record.Status), s.terminalTTL.String())
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE saga_records
			SET record = $2, status = $3, updated_at = now()
			WHERE saga_id = $1`,
			sagaID, updated, string(record.Status))
	}
	if err != nil {
		return nil, fmt.Errorf("update saga record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit saga mutation: %w", err)
	}
	return &record, nil
}

// DeleteExpired implements Store.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM saga_records
		WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired saga records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

var _ Store = (*PostgresStore)(nil)
