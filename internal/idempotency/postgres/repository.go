// Package postgres provides PostgreSQL implementation of the idempotency repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/idempotency"
	"github.com/bissquit/incident-ledger/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is implemented by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements idempotency.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetRecord retrieves the record bound to key, live or not.
func (r *Repository) GetRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, request_hash, incident_id, expires_at, created_at
		FROM idempotency_keys
		WHERE key = $1
	`
	var rec domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, query, key).Scan(
		&rec.Key,
		&rec.RequestHash,
		&rec.IncidentID,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// DeleteExpired removes the record for key if it expired at or before now.
// A concurrent re-insert that is live is left alone.
func (r *Repository) DeleteExpired(ctx context.Context, key string, now time.Time) error {
	query := `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2`
	if _, err := r.db.Exec(ctx, query, key, now); err != nil {
		return fmt.Errorf("delete expired idempotency record: %w", err)
	}
	return nil
}

// PurgeExpired removes all records expired at or before now.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertRecord stores rec outside any transaction.
func (r *Repository) InsertRecord(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	return r.insertRecord(ctx, r.db, rec, now)
}

// InsertRecordTx stores rec within a transaction.
func (r *Repository) InsertRecordTx(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	return r.insertRecord(ctx, tx, rec, now)
}

// insertRecord relies on the primary key for exactly-once insertion. A
// concurrent insert of the same key blocks on the index until the other
// transaction finishes, then sees its committed row in the WHERE clause.
// Only an expired row is overwritten.
func (r *Repository) insertRecord(ctx context.Context, q querier, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, request_hash, incident_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    incident_id = EXCLUDED.incident_id,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= $6
		RETURNING key
	`
	var key string
	err := q.QueryRow(ctx, query,
		rec.Key,
		rec.RequestHash,
		rec.IncidentID,
		rec.ExpiresAt,
		rec.CreatedAt,
		now,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsUniqueViolation(err, "idempotency_keys_pkey") {
			return false, nil
		}
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return true, nil
}
