// Package incidents provides the incident mutation engine and its HTTP handlers.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bissquit/incident-ledger/internal/cache"
	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/idempotency"
	"github.com/bissquit/incident-ledger/internal/pkg/ctxlog"
	"github.com/bissquit/incident-ledger/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Read and pagination limits.
const (
	RecentEventsLimit = 20
	DefaultPageLimit  = 20
	MaxPageLimit      = 100
)

// maxKeyRaceRetries bounds how often Create re-checks the ledger after losing
// a concurrent insert for the same key.
const maxKeyRaceRetries = 3

// ErrInvalidSeverity is returned when a create carries an unknown severity.
var ErrInvalidSeverity = errors.New("invalid severity")

// Config holds service settings.
type Config struct {
	// CacheTTL bounds how long a read view stays cached. Zero uses the
	// coordinator default.
	CacheTTL time.Duration
}

// Service implements the incident mutation engine.
type Service struct {
	repo     Repository
	events   EventLog
	users    UserReader
	ledger   Ledger
	cache    *cache.Coordinator
	cacheTTL time.Duration
}

// NewService creates a new incident service.
func NewService(repo Repository, events EventLog, users UserReader, ledger Ledger, coordinator *cache.Coordinator, cfg Config) *Service {
	return &Service{
		repo:     repo,
		events:   events,
		users:    users,
		ledger:   ledger,
		cache:    coordinator,
		cacheTTL: cfg.CacheTTL,
	}
}

// CreateInput holds data for creating an incident.
// Field names are part of the idempotency fingerprint.
type CreateInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    domain.Severity `json:"severity"`
	CreatedBy   string          `json:"created_by"`
}

// CreateResult is returned by Create. Replayed is true when the incident was
// produced by an earlier request with the same idempotency key.
type CreateResult struct {
	Incident *domain.Incident
	Replayed bool
}

// CommentInput holds data for commenting on an incident.
type CommentInput struct {
	Comment string
	UserID  string
}

// ListInput holds list filters and 1-based pagination.
type ListInput struct {
	Status      *domain.IncidentStatus
	Severity    *domain.Severity
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Page        int
	Limit       int
}

// Pagination describes one page of a list.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// IncidentPage is one page of incidents, newest first.
type IncidentPage struct {
	Data       []*domain.Incident `json:"data"`
	Pagination Pagination         `json:"pagination"`
}

// Create creates an incident with its CREATED event. With a non-empty
// idempotencyKey, a retried identical request returns the original incident
// and a reused key with a different request fails ErrIdempotencyKeyConflict.
func (s *Service) Create(ctx context.Context, input CreateInput, idempotencyKey string) (*CreateResult, error) {
	if !input.Severity.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, input.Severity)
	}

	if err := s.ensureUser(ctx, input.CreatedBy); err != nil {
		return nil, err
	}

	if idempotencyKey == "" {
		incident, err := s.create(ctx, input, "", "")
		if err != nil {
			return nil, err
		}
		return &CreateResult{Incident: incident}, nil
	}

	ctx = ctxlog.With(ctx, "idempotency_key", idempotencyKey)

	requestHash, err := idempotency.Fingerprint(input)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		result, err := s.resolveKey(ctx, idempotencyKey, requestHash)
		if err != nil || result != nil {
			return result, err
		}

		incident, err := s.create(ctx, input, idempotencyKey, requestHash)
		if err == nil {
			return &CreateResult{Incident: incident}, nil
		}
		if !errors.Is(err, idempotency.ErrKeyExists) || attempt >= maxKeyRaceRetries {
			return nil, err
		}

		// A concurrent request bound the key first and our transaction was
		// rolled back. Resolve against the winner's record.
		metrics.IdempotencyKeyRaces.Inc()
		ctxlog.FromContext(ctx).Info("lost idempotency key race, re-checking", "attempt", attempt+1)
	}
}

// resolveKey returns a result for a matched key, a conflict error, or nil, nil
// when the key is free.
func (s *Service) resolveKey(ctx context.Context, key, requestHash string) (*CreateResult, error) {
	check, err := s.ledger.Check(ctx, key, requestHash)
	if err != nil {
		return nil, fmt.Errorf("check idempotency key: %w", err)
	}

	switch check.Outcome {
	case idempotency.OutcomeConflict:
		return nil, &KeyConflictError{Key: key}
	case idempotency.OutcomeMatched:
		incident, err := s.repo.GetIncident(ctx, check.IncidentID)
		if err != nil {
			return nil, fmt.Errorf("get replayed incident: %w", err)
		}
		ctxlog.FromContext(ctx).Debug("replaying idempotent create", "incident_id", incident.ID)
		return &CreateResult{Incident: incident, Replayed: true}, nil
	}
	return nil, nil
}

func (s *Service) create(ctx context.Context, input CreateInput, key, requestHash string) (*domain.Incident, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	incident := &domain.Incident{
		Title:       input.Title,
		Description: input.Description,
		Severity:    input.Severity,
		Status:      domain.StatusOpen,
		CreatedBy:   input.CreatedBy,
	}
	if err := s.repo.CreateIncidentTx(ctx, tx, incident); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	event := domain.NewEvent(incident.ID, domain.CreatedPayload{
		Title:       input.Title,
		Description: input.Description,
		Severity:    input.Severity,
		CreatedBy:   input.CreatedBy,
	})
	if err := s.events.AppendEventTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("append created event: %w", err)
	}

	if key != "" {
		if err := s.ledger.StoreTx(ctx, tx, key, requestHash, incident.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.IncidentsCreated.Inc()
	ctxlog.FromContext(ctx).Info("incident created",
		"incident_id", incident.ID,
		"severity", incident.Severity,
	)
	return incident, nil
}

// Transition moves the incident to status. Moving to the current status
// returns the row unchanged without writing anything.
func (s *Service) Transition(ctx context.Context, id string, status domain.IncidentStatus) (*domain.Incident, error) {
	if !isUUID(id) {
		return nil, ErrIncidentNotFound
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	incident, err := s.repo.GetIncidentForUpdateTx(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	noop, err := domain.CheckTransition(incident.Status, status)
	if err != nil {
		return nil, err
	}
	if noop {
		return incident, nil
	}

	from := incident.Status
	incident.Status = status
	if err := s.repo.UpdateIncidentStatusTx(ctx, tx, incident); err != nil {
		return nil, fmt.Errorf("update incident status: %w", err)
	}

	event := domain.NewEvent(id, domain.StatusChangedPayload{From: from, To: status})
	if err := s.events.AppendEventTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("append status event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(from), string(status)).Inc()
	ctxlog.FromContext(ctx).Info("incident status changed",
		"incident_id", id,
		"from", from,
		"to", status,
	)

	s.invalidate(ctx, id)
	return incident, nil
}

// Comment appends a COMMENTED event. The incident row is not modified.
func (s *Service) Comment(ctx context.Context, id string, input CommentInput) (*domain.IncidentEvent, error) {
	if !isUUID(id) {
		return nil, ErrIncidentNotFound
	}

	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	event := domain.NewEvent(id, domain.CommentedPayload{
		Comment: input.Comment,
		UserID:  input.UserID,
	})
	if err := s.events.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append comment event: %w", err)
	}

	s.invalidate(ctx, id)
	return event, nil
}

// Get returns the incident read view, served from cache when possible.
func (s *Service) Get(ctx context.Context, id string) (*domain.IncidentDetails, error) {
	if !isUUID(id) {
		return nil, ErrIncidentNotFound
	}

	key := cache.Key(cache.EntityIncident, id)

	var cached domain.IncidentDetails
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	gen := s.cache.Generation()
	details, err := s.repo.GetIncidentDetails(ctx, id, RecentEventsLimit)
	if err != nil {
		return nil, fmt.Errorf("get incident details: %w", err)
	}
	if details.Events == nil {
		details.Events = []*domain.IncidentEvent{}
	}

	s.cache.SetIfGeneration(ctx, key, details, s.cacheTTL, gen)
	return details, nil
}

// ListEvents returns up to limit of the incident's events, newest first.
func (s *Service) ListEvents(ctx context.Context, id string, limit int) ([]*domain.IncidentEvent, error) {
	if !isUUID(id) {
		return nil, ErrIncidentNotFound
	}

	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	events, err := s.events.ListRecentEvents(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// List returns one page of incidents matching the filters, newest first.
func (s *Service) List(ctx context.Context, input ListInput) (*IncidentPage, error) {
	page := input.Page
	if page < 1 {
		page = 1
	}
	limit := clampLimit(input.Limit)

	incidents, total, err := s.repo.ListIncidents(ctx, ListFilter{
		Status:      input.Status,
		Severity:    input.Severity,
		CreatedFrom: input.CreatedFrom,
		CreatedTo:   input.CreatedTo,
		Limit:       limit,
		Offset:      (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}

	return &IncidentPage{
		Data: incidents,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	}, nil
}

func (s *Service) ensureUser(ctx context.Context, id string) error {
	if !isUUID(id) {
		return ErrUserNotFound
	}
	exists, err := s.users.UserExists(ctx, id)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

// invalidate drops every cached view of the incident. It must run after the
// write has committed and is not bound to the request's cancellation.
func (s *Service) invalidate(ctx context.Context, id string) {
	s.cache.Invalidate(context.WithoutCancel(ctx), cache.Pattern(cache.EntityIncident, id))
}

func (s *Service) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		ctxlog.FromContext(ctx).Error("failed to rollback transaction", "error", err)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit < 1:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}

func isUUID(s string) bool {
	return uuid.Validate(s) == nil
}
