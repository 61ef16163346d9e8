package incidents

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Header names.
const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

// MaxIdempotencyKeyLength bounds the Idempotency-Key header.
const MaxIdempotencyKeyLength = 255

// Error codes.
const (
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeIncidentNotFound        = "INCIDENT_NOT_FOUND"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeIdempotencyKeyConflict  = "IDEMPOTENCY_KEY_CONFLICT"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Code: CodeUserNotFound, Message: "user not found"},
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Code: CodeIncidentNotFound, Message: "incident not found"},
	{Error: ErrInvalidSeverity, Status: http.StatusBadRequest, Code: httputil.CodeValidation},
}

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers incident routes. Mutating routes are wrapped with
// limit when it is not nil.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	mutating := r
	if limit != nil {
		mutating = r.With(limit)
	}

	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/incidents/{id}/events", h.ListEvents)
	mutating.Post("/incidents", h.CreateIncident)
	mutating.Patch("/incidents/{id}/status", h.UpdateStatus)
	mutating.Post("/incidents/{id}/comments", h.AddComment)
}

// CreateIncidentRequest represents the request body for creating an incident.
type CreateIncidentRequest struct {
	Title       string `json:"title" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"required"`
	Severity    string `json:"severity" validate:"required,oneof=P1 P2 P3"`
	CreatedBy   string `json:"created_by" validate:"required,uuid"`
}

// ToInput converts the request to service input.
func (r *CreateIncidentRequest) ToInput() CreateInput {
	return CreateInput{
		Title:       r.Title,
		Description: r.Description,
		Severity:    domain.Severity(r.Severity),
		CreatedBy:   r.CreatedBy,
	}
}

// UpdateStatusRequest represents the request body for a status transition.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=OPEN ACK RESOLVED"`
}

// AddCommentRequest represents the request body for commenting.
type AddCommentRequest struct {
	Comment string `json:"comment" validate:"required,min=1"`
	UserID  string `json:"user_id" validate:"required,uuid"`
}

// listQuery mirrors the list query string for validation.
type listQuery struct {
	Status   string `validate:"omitempty,oneof=OPEN ACK RESOLVED"`
	Severity string `validate:"omitempty,oneof=P1 P2 P3"`
	Page     int    `validate:"min=1"`
	Limit    int    `validate:"min=1,max=100"`
}

// CreateIncident handles POST /incidents request.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeInvalidJSON, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > MaxIdempotencyKeyLength {
		httputil.ValidationError(w, fmt.Errorf("%s must be at most %d characters", IdempotencyKeyHeader, MaxIdempotencyKeyLength))
		return
	}

	result, err := h.service.Create(r.Context(), req.ToInput(), key)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	if result.Replayed {
		w.Header().Set(ReplayedHeader, "true")
		httputil.Success(w, http.StatusOK, result.Incident)
		return
	}
	httputil.Success(w, http.StatusCreated, result.Incident)
}

// GetIncident handles GET /incidents/{id} request.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, details)
}

// ListIncidents handles GET /incidents request.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	input, err := h.parseListQuery(r)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	page, err := h.service.List(r.Context(), input)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, page)
}

// ListEvents handles GET /incidents/{id}/events request.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := DefaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxPageLimit {
			httputil.ValidationError(w, fmt.Errorf("limit must be an integer between 1 and %d", MaxPageLimit))
			return
		}
		limit = n
	}

	events, err := h.service.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, events)
}

// UpdateStatus handles PATCH /incidents/{id}/status request.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeInvalidJSON, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), domain.IncidentStatus(req.Status))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// AddComment handles POST /incidents/{id}/comments request.
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req AddCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeInvalidJSON, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	event, err := h.service.Comment(r.Context(), chi.URLParam(r, "id"), CommentInput{
		Comment: req.Comment,
		UserID:  req.UserID,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, event)
}

func (h *Handler) parseListQuery(r *http.Request) (ListInput, error) {
	q := r.URL.Query()
	lq := listQuery{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Page:     1,
		Limit:    DefaultPageLimit,
	}

	var err error
	if v := q.Get("page"); v != "" {
		if lq.Page, err = strconv.Atoi(v); err != nil {
			return ListInput{}, errors.New("page must be an integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if lq.Limit, err = strconv.Atoi(v); err != nil {
			return ListInput{}, errors.New("limit must be an integer")
		}
	}
	if err := h.validator.Struct(lq); err != nil {
		return ListInput{}, err
	}

	input := ListInput{Page: lq.Page, Limit: lq.Limit}
	if lq.Status != "" {
		status := domain.IncidentStatus(lq.Status)
		input.Status = &status
	}
	if lq.Severity != "" {
		severity := domain.Severity(lq.Severity)
		input.Severity = &severity
	}
	if input.CreatedFrom, err = parseTimeParam(q.Get("created_from"), "created_from"); err != nil {
		return ListInput{}, err
	}
	if input.CreatedTo, err = parseTimeParam(q.Get("created_to"), "created_to"); err != nil {
		return ListInput{}, err
	}

	return input, nil
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates.
func parseTimeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an ISO 8601 date or timestamp", name)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var transitionErr *domain.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		allowed := transitionErr.Allowed
		if allowed == nil {
			allowed = []domain.IncidentStatus{}
		}
		httputil.ErrorWithDetails(w, http.StatusBadRequest, CodeInvalidStatusTransition, transitionErr.Error(), map[string]any{
			"current_status":      transitionErr.Current,
			"attempted_status":    transitionErr.Attempted,
			"allowed_transitions": allowed,
		})
		return
	}

	var conflictErr *KeyConflictError
	if errors.As(err, &conflictErr) {
		httputil.ErrorWithDetails(w, http.StatusConflict, CodeIdempotencyKeyConflict, conflictErr.Error(), map[string]string{
			"idempotency_key": conflictErr.Key,
		})
		return
	}

	httputil.HandleError(r.Context(), w, err, errorMappings)
}
