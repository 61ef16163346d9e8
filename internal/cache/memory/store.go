// Package memory is an in-process cache backend built on an expirable LRU.
package memory

import (
	"context"
	"path"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bissquit/incident-ledger/internal/cache"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store keeps at most size entries. Each entry carries its own expiry; maxTTL
// bounds how long the LRU holds any entry regardless of the requested TTL.
type Store struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// NewStore creates a new in-memory store.
func NewStore(size int, maxTTL time.Duration) *Store {
	if size <= 0 {
		size = 10000
	}
	return &Store{
		lru: expirable.NewLRU[string, entry](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns the value for key, or cache.ErrMiss.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, cache.ErrMiss
	}
	if !s.now().Before(e.expiresAt) {
		s.lru.Remove(key)
		return nil, cache.ErrMiss
	}
	return e.data, nil
}

// Set stores a copy of value for ttl.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)
	s.lru.Add(key, entry{data: data, expiresAt: s.now().Add(ttl)})
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

// Keys returns live keys matching the glob pattern.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	now := s.now()
	var out []string
	for _, k := range s.lru.Keys() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if e, found := s.lru.Peek(k); found && now.Before(e.expiresAt) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
