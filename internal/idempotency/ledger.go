// Package idempotency deduplicates retried create requests. A client-supplied
// key is bound to the fingerprint of the first request body that used it and
// to the incident that request produced, until the binding expires.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/pkg/ctxlog"
	"github.com/bissquit/incident-ledger/internal/pkg/metrics"
	"github.com/jackc/pgx/v5"
)

// Outcome is the result of checking a key against the ledger.
type Outcome int

// Check outcomes.
const (
	// OutcomeAbsent: no live record; the caller may execute and Store.
	OutcomeAbsent Outcome = iota
	// OutcomeMatched: a live record with the same fingerprint; replay its result.
	OutcomeMatched
	// OutcomeConflict: a live record with a different fingerprint; refuse.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAbsent:
		return "absent"
	case OutcomeMatched:
		return "matched"
	case OutcomeConflict:
		return "conflict"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Check. IncidentID is set only for OutcomeMatched.
type Result struct {
	Outcome    Outcome
	IncidentID string
}

// DefaultTTL is used when Config.TTL is not positive.
const DefaultTTL = 24 * time.Hour

// Config configures a Ledger.
type Config struct {
	TTL time.Duration
}

// Ledger implements check/store over a Repository.
type Ledger struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewLedger creates a new ledger.
func NewLedger(repo Repository, cfg Config) *Ledger {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		repo: repo,
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns how long a stored record stays live.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Check looks key up. An expired record is treated as absent and removed;
// failing to remove it does not fail the check.
func (l *Ledger) Check(ctx context.Context, key, requestHash string) (Result, error) {
	now := l.now()

	rec, err := l.repo.GetRecord(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return l.observe(Result{Outcome: OutcomeAbsent}), nil
		}
		return Result{}, fmt.Errorf("get idempotency record: %w", err)
	}

	if !rec.IsLive(now) {
		if err := l.repo.DeleteExpired(ctx, key, now); err != nil {
			ctxlog.FromContext(ctx).Warn("failed to delete expired idempotency record",
				"idempotency_key", key,
				"error", err,
			)
		}
		return l.observe(Result{Outcome: OutcomeAbsent}), nil
	}

	if rec.RequestHash != requestHash {
		return l.observe(Result{Outcome: OutcomeConflict}), nil
	}

	return l.observe(Result{Outcome: OutcomeMatched, IncidentID: rec.IncidentID}), nil
}

// Store binds key to requestHash and incidentID for the ledger TTL.
// It returns ErrKeyExists if a live record already holds key.
func (l *Ledger) Store(ctx context.Context, key, requestHash, incidentID string) error {
	now := l.now()
	inserted, err := l.repo.InsertRecord(ctx, l.newRecord(key, requestHash, incidentID, now), now)
	return l.storeResult(key, inserted, err)
}

// StoreTx is Store inside the caller's transaction, so the binding commits or
// rolls back together with the incident it points to.
func (l *Ledger) StoreTx(ctx context.Context, tx pgx.Tx, key, requestHash, incidentID string) error {
	now := l.now()
	inserted, err := l.repo.InsertRecordTx(ctx, tx, l.newRecord(key, requestHash, incidentID, now), now)
	return l.storeResult(key, inserted, err)
}

// PurgeExpired deletes every expired record and returns how many were removed.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := l.repo.PurgeExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency records: %w", err)
	}
	return n, nil
}

func (l *Ledger) newRecord(key, requestHash, incidentID string, now time.Time) *domain.IdempotencyRecord {
	return &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		IncidentID:  incidentID,
		ExpiresAt:   now.Add(l.ttl),
		CreatedAt:   now,
	}
}

func (l *Ledger) storeResult(key string, inserted bool, err error) error {
	if err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	if !inserted {
		return fmt.Errorf("%w: %q", ErrKeyExists, key)
	}
	return nil
}

func (l *Ledger) observe(r Result) Result {
	metrics.IdempotencyChecks.WithLabelValues(r.Outcome.String()).Inc()
	return r
}
