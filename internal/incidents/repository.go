package incidents

import (
	"context"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/idempotency"
	"github.com/jackc/pgx/v5"
)

// Repository defines the interface for incident storage.
type Repository interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	// GetIncidentDetails loads the incident, its creator and at most eventLimit
	// events, newest first, from one consistent snapshot.
	GetIncidentDetails(ctx context.Context, id string, eventLimit int) (*domain.IncidentDetails, error)
	ListIncidents(ctx context.Context, filter ListFilter) ([]*domain.Incident, int, error)

	// Transaction support
	BeginTx(ctx context.Context) (pgx.Tx, error)
	CreateIncidentTx(ctx context.Context, tx pgx.Tx, incident *domain.Incident) error
	// GetIncidentForUpdateTx locks the incident row until tx ends.
	GetIncidentForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (*domain.Incident, error)
	UpdateIncidentStatusTx(ctx context.Context, tx pgx.Tx, incident *domain.Incident) error
}

// EventLog is the append-only store of incident events.
type EventLog interface {
	AppendEvent(ctx context.Context, event *domain.IncidentEvent) error
	AppendEventTx(ctx context.Context, tx pgx.Tx, event *domain.IncidentEvent) error
	// ListRecentEvents returns at most limit events, newest first.
	ListRecentEvents(ctx context.Context, incidentID string, limit int) ([]*domain.IncidentEvent, error)
}

// UserReader checks users referenced by incidents.
type UserReader interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// Ledger is the idempotency ledger as used by Create.
type Ledger interface {
	Check(ctx context.Context, key, requestHash string) (idempotency.Result, error)
	StoreTx(ctx context.Context, tx pgx.Tx, key, requestHash, incidentID string) error
}

// ListFilter holds filter options for listing incidents.
type ListFilter struct {
	Status      *domain.IncidentStatus
	Severity    *domain.Severity
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}
