// Package postgres provides PostgreSQL implementation of the incidents repository and event log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/incidents"
	"github.com/bissquit/incident-ledger/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const incidentColumns = `id, title, description, severity, status, created_by, created_at, updated_at`

// Repository implements incidents.Repository and incidents.EventLog using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// BeginTx starts a new transaction.
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// CreateIncidentTx inserts the incident and fills its ID and timestamps.
func (r *Repository) CreateIncidentTx(ctx context.Context, tx pgx.Tx, incident *domain.Incident) error {
	query := `
		INSERT INTO incidents (title, description, severity, status, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := tx.QueryRow(ctx, query,
		incident.Title,
		incident.Description,
		incident.Severity,
		incident.Status,
		incident.CreatedBy,
	).Scan(&incident.ID, &incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		if postgres.IsForeignKeyViolation(err, "incidents_created_by_fkey") {
			return incidents.ErrUserNotFound
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	return scanIncident(r.db.QueryRow(ctx, query, id))
}

// GetIncidentForUpdateTx retrieves an incident and locks its row.
func (r *Repository) GetIncidentForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 FOR UPDATE`
	return scanIncident(tx.QueryRow(ctx, query, id))
}

// UpdateIncidentStatusTx persists incident.Status and refreshes UpdatedAt.
func (r *Repository) UpdateIncidentStatusTx(ctx context.Context, tx pgx.Tx, incident *domain.Incident) error {
	query := `
		UPDATE incidents
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := tx.QueryRow(ctx, query, incident.ID, incident.Status).Scan(&incident.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return incidents.ErrIncidentNotFound
		}
		return fmt.Errorf("update incident status: %w", err)
	}
	return nil
}

// GetIncidentDetails reads the incident, its creator and its newest events in
// one repeatable-read snapshot.
func (r *Repository) GetIncidentDetails(ctx context.Context, id string, eventLimit int) (*domain.IncidentDetails, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		SELECT
			i.id, i.title, i.description, i.severity, i.status, i.created_by, i.created_at, i.updated_at,
			u.id, u.name, u.email
		FROM incidents i
		LEFT JOIN users u ON u.id = i.created_by
		WHERE i.id = $1
	`
	var details domain.IncidentDetails
	var creatorID, creatorName, creatorEmail *string
	err = tx.QueryRow(ctx, query, id).Scan(
		&details.ID,
		&details.Title,
		&details.Description,
		&details.Severity,
		&details.Status,
		&details.CreatedBy,
		&details.CreatedAt,
		&details.UpdatedAt,
		&creatorID,
		&creatorName,
		&creatorEmail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident details: %w", err)
	}
	if creatorID != nil {
		details.Creator = &domain.UserSummary{ID: *creatorID, Name: deref(creatorName), Email: deref(creatorEmail)}
	}

	details.Events, err = listRecentEvents(ctx, tx, id, eventLimit)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit read transaction: %w", err)
	}
	return &details, nil
}

// ListIncidents returns one page of incidents, newest first, and the total
// number of matching rows.
func (r *Repository) ListIncidents(ctx context.Context, filter incidents.ListFilter) ([]*domain.Incident, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, *filter.Severity)
		argNum++
	}
	if filter.CreatedFrom != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.CreatedFrom)
		argNum++
	}
	if filter.CreatedTo != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argNum)
		args = append(args, *filter.CreatedTo)
		argNum++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM incidents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate incidents: %w", err)
	}

	return result, total, nil
}

// AppendEvent appends an event outside any transaction.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.IncidentEvent) error {
	return appendEvent(ctx, r.db, event)
}

// AppendEventTx appends an event inside tx.
func (r *Repository) AppendEventTx(ctx context.Context, tx pgx.Tx, event *domain.IncidentEvent) error {
	return appendEvent(ctx, tx, event)
}

// ListRecentEvents returns at most limit events for the incident, newest first.
func (r *Repository) ListRecentEvents(ctx context.Context, incidentID string, limit int) ([]*domain.IncidentEvent, error) {
	return listRecentEvents(ctx, r.db, incidentID, limit)
}

func appendEvent(ctx context.Context, q querier, event *domain.IncidentEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type, err)
	}

	query := `
		INSERT INTO incident_events (incident_id, type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err = q.QueryRow(ctx, query, event.IncidentID, event.Type, payload).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if postgres.IsForeignKeyViolation(err, "incident_events_incident_id_fkey") {
			return incidents.ErrIncidentNotFound
		}
		return fmt.Errorf("insert incident event: %w", err)
	}
	return nil
}

func listRecentEvents(ctx context.Context, q querier, incidentID string, limit int) ([]*domain.IncidentEvent, error) {
	query := `
		SELECT id, incident_id, type, payload, created_at
		FROM incident_events
		WHERE incident_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`
	rows, err := q.Query(ctx, query, incidentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list incident events: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.IncidentEvent, 0)
	for rows.Next() {
		var (
			event domain.IncidentEvent
			raw   []byte
		)
		if err := rows.Scan(&event.ID, &event.IncidentID, &event.Type, &raw, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident event: %w", err)
		}
		event.Payload, err = domain.DecodePayload(event.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", event.ID, err)
		}
		result = append(result, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident events: %w", err)
	}

	return result, nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(
		&incident.ID,
		&incident.Title,
		&incident.Description,
		&incident.Severity,
		&incident.Status,
		&incident.CreatedBy,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return &incident, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
