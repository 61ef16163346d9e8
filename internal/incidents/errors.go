package incidents

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	ErrIncidentNotFound       = errors.New("incident not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused with a different request")
)

// KeyConflictError identifies the reused idempotency key.
type KeyConflictError struct {
	Key string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with a different request", e.Key)
}

// Is makes errors.Is(err, ErrIdempotencyKeyConflict) hold.
func (e *KeyConflictError) Is(target error) bool {
	return target == ErrIdempotencyKeyConflict
}
