package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition matches every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError describes a rejected lifecycle move.
type InvalidTransitionError struct {
	Current   IncidentStatus
	Attempted IncidentStatus
	Allowed   []IncidentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.Current, e.Attempted)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// statusTransitions lists the moves out of each status. RESOLVED is terminal.
var statusTransitions = map[IncidentStatus][]IncidentStatus{
	StatusOpen:     {StatusAck, StatusResolved},
	StatusAck:      {StatusResolved},
	StatusResolved: {},
}

// AllowedTransitions returns the statuses reachable from s in one move.
// The result is a fresh slice; unknown statuses yield an empty one.
func AllowedTransitions(s IncidentStatus) []IncidentStatus {
	allowed := statusTransitions[s]
	out := make([]IncidentStatus, len(allowed))
	copy(out, allowed)
	return out
}

// CheckTransition decides whether an incident in current may move to requested.
// noop is true for a self-transition, which is always allowed and must not be
// persisted or logged by the caller.
func CheckTransition(current, requested IncidentStatus) (noop bool, err error) {
	if !current.IsValid() || !requested.IsValid() {
		return false, &InvalidTransitionError{
			Current:   current,
			Attempted: requested,
			Allowed:   AllowedTransitions(current),
		}
	}

	if current == requested {
		return true, nil
	}

	for _, s := range statusTransitions[current] {
		if s == requested {
			return false, nil
		}
	}

	return false, &InvalidTransitionError{
		Current:   current,
		Attempted: requested,
		Allowed:   AllowedTransitions(current),
	}
}
