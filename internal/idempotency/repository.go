package idempotency

import (
	"context"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Repository defines storage for idempotency records.
type Repository interface {
	GetRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// DeleteExpired removes the record for key only if it expired at or before now.
	DeleteExpired(ctx context.Context, key string, now time.Time) error
	// PurgeExpired removes every record expired at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// InsertRecord stores rec, replacing an expired record with the same key.
	// It reports false without error when a live record already holds the key.
	InsertRecord(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error)
	InsertRecordTx(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord, now time.Time) (bool, error)
}
