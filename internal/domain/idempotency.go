package domain

import "time"

// IdempotencyRecord maps a client key to the fingerprint of the first request
// that used it and the incident that request produced.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	IncidentID  string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// IsLive reports whether the record still binds its key at now.
func (r *IdempotencyRecord) IsLive(now time.Time) bool {
	return r.ExpiresAt.After(now)
}
