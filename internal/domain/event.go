package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the kind of fact recorded in the incident event log.
type EventType string

// Event types.
const (
	EventTypeCreated       EventType = "CREATED"
	EventTypeStatusChanged EventType = "STATUS_CHANGED"
	EventTypeCommented     EventType = "COMMENTED"
)

// ErrUnknownEventType is returned when decoding a payload of an unknown kind.
var ErrUnknownEventType = errors.New("unknown event type")

// EventPayload is the kind-specific body of an IncidentEvent.
// Implementations: CreatedPayload, StatusChangedPayload, CommentedPayload.
type EventPayload interface {
	EventType() EventType
}

// CreatedPayload records the incident as it was first written.
type CreatedPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	CreatedBy   string   `json:"created_by"`
}

// EventType implements EventPayload.
func (CreatedPayload) EventType() EventType { return EventTypeCreated }

// StatusChangedPayload records a lifecycle move.
type StatusChangedPayload struct {
	From IncidentStatus `json:"from"`
	To   IncidentStatus `json:"to"`
}

// EventType implements EventPayload.
func (StatusChangedPayload) EventType() EventType { return EventTypeStatusChanged }

// CommentedPayload records a free-text comment.
type CommentedPayload struct {
	Comment string `json:"comment"`
	UserID  string `json:"user_id"`
}

// EventType implements EventPayload.
func (CommentedPayload) EventType() EventType { return EventTypeCommented }

// IncidentEvent is an immutable entry of the append-only event log.
type IncidentEvent struct {
	ID         string       `json:"id"`
	IncidentID string       `json:"incident_id"`
	Type       EventType    `json:"type"`
	Payload    EventPayload `json:"payload"`
	CreatedAt  time.Time    `json:"created_at"`
}

// NewEvent builds an unsaved event whose Type follows the payload.
func NewEvent(incidentID string, payload EventPayload) *IncidentEvent {
	return &IncidentEvent{
		IncidentID: incidentID,
		Type:       payload.EventType(),
		Payload:    payload,
	}
}

// DecodePayload decodes raw JSON into the payload variant for t.
func DecodePayload(t EventType, raw []byte) (EventPayload, error) {
	switch t {
	case EventTypeCreated:
		var p CreatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventTypeStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventTypeCommented:
		var p CommentedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
}

// UnmarshalJSON restores the concrete payload variant from its type tag.
func (e *IncidentEvent) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         string          `json:"id"`
		IncidentID string          `json:"incident_id"`
		Type       EventType       `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		CreatedAt  time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	payload, err := DecodePayload(aux.Type, aux.Payload)
	if err != nil {
		return err
	}

	*e = IncidentEvent{
		ID:         aux.ID,
		IncidentID: aux.IncidentID,
		Type:       aux.Type,
		Payload:    payload,
		CreatedAt:  aux.CreatedAt,
	}
	return nil
}
