package idempotency

import "errors"

// Repository errors.
var (
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// Ledger errors.
var (
	// ErrKeyExists is returned by Store when the key is already bound by a live
	// record. Callers resolve it by running Check again.
	ErrKeyExists = errors.New("idempotency key already stored")
)
