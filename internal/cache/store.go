// Package cache implements the read-through cache coordinator. The cache is a
// disposable view: every failure degrades to a miss or a no-op, never an error
// for the caller.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrMiss is returned by a Store when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the key/value backend the coordinator drives.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys matching a glob pattern (`*`, `?`, `[...]`).
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// Entity names used as the first key segment.
const (
	EntityIncident = "incident"
)

// Key builds a structured key: <entity>:<id>[:<qualifier>...].
func Key(entity, id string, qualifiers ...string) string {
	parts := append([]string{entity, id}, qualifiers...)
	return strings.Join(parts, ":")
}

// Pattern matches the entity's key and every qualified key beneath it.
// The trailing * also matches ids that extend id ("incident:1*" matches
// "incident:10"), so ids must be fixed-length such as UUIDs.
func Pattern(entity, id string) string {
	return Key(entity, id) + "*"
}
