// Package domain holds the incident ledger's data model and the pure rules
// that govern it.
package domain

import "time"

// IncidentStatus is the lifecycle stage of an incident.
type IncidentStatus string

// Incident statuses.
const (
	StatusOpen     IncidentStatus = "OPEN"
	StatusAck      IncidentStatus = "ACK"
	StatusResolved IncidentStatus = "RESOLVED"
)

// IsValid checks if the status is one of the defined lifecycle stages.
func (s IncidentStatus) IsValid() bool {
	return s == StatusOpen || s == StatusAck || s == StatusResolved
}

// Severity is the incident priority. P1 is the highest.
type Severity string

// Severity levels.
const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	return s == SeverityP1 || s == SeverityP2 || s == SeverityP3
}

// Incident is the current state of an incident.
// Severity is fixed at creation; Status only changes through a transition.
type Incident struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Status      IncidentStatus `json:"status"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IncidentDetails is the read view of an incident: the row, its creator and
// the most recent events, newest first.
type IncidentDetails struct {
	Incident
	Creator *UserSummary     `json:"creator,omitempty"`
	Events  []*IncidentEvent `json:"events"`
}

// UserSummary is the subset of a user embedded in incident views.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
