package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bissquit/incident-ledger/internal/pkg/ctxlog"
	"github.com/bissquit/incident-ledger/internal/pkg/metrics"
)

// Default settings.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultOpTimeout = 500 * time.Millisecond
)

// Config configures a Coordinator.
type Config struct {
	TTL       time.Duration
	OpTimeout time.Duration
}

// Coordinator wraps a Store with JSON encoding, timeouts and failure
// isolation. A nil Store disables caching.
//
// The generation counter guards read-through fills: a reader records
// Generation before loading from the store of record and fills with
// SetIfGeneration, which refuses or undoes the write once any Invalidate has
// run in between. Invalidate bumps the generation before listing keys.
type Coordinator struct {
	store      Store
	ttl        time.Duration
	opTimeout  time.Duration
	generation atomic.Uint64
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(store Store, cfg Config) *Coordinator {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Coordinator{
		store:     store,
		ttl:       ttl,
		opTimeout: opTimeout,
	}
}

// Enabled reports whether a backend is configured.
func (c *Coordinator) Enabled() bool {
	return c.store != nil
}

// TTL returns the default entry lifetime.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Get decodes the cached value for key into dst. It reports false on a miss,
// a decode failure or any backend failure.
func (c *Coordinator) Get(ctx context.Context, key string, dst any) bool {
	if c.store == nil {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	data, err := c.store.Get(opCtx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			observe("get", "miss")
			return false
		}
		observe("get", "error")
		ctxlog.FromContext(ctx).Warn("cache get failed", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		observe("get", "error")
		ctxlog.FromContext(ctx).Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		return false
	}

	observe("get", "hit")
	return true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *Coordinator) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.store == nil {
		return
	}
	c.set(ctx, key, value, ttl)
}

// Generation returns the current invalidation generation.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// SetIfGeneration stores value only if no invalidation happened since gen was
// read. It reports whether the value was written and kept.
//
// An invalidation that lands while the backend write is in flight may list
// keys before the write arrives; the generation is re-checked afterwards and
// the key deleted if it moved. Invalidate never waits for fills.
func (c *Coordinator) SetIfGeneration(ctx context.Context, key string, value any, ttl time.Duration, gen uint64) bool {
	if c.store == nil {
		return false
	}

	if c.generation.Load() != gen {
		observe("set", "skipped")
		ctxlog.FromContext(ctx).Debug("cache fill skipped after invalidation", "key", key)
		return false
	}
	if !c.set(ctx, key, value, ttl) {
		return false
	}
	if c.generation.Load() == gen {
		return true
	}

	observe("set", "reverted")
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Delete(opCtx, key); err != nil {
		observe("set", "error")
		ctxlog.FromContext(ctx).Warn("cache fill revert failed", "key", key, "error", err)
	}
	return false
}

// Invalidate removes every key matching pattern. Call it only after the write
// that made those entries stale has committed.
func (c *Coordinator) Invalidate(ctx context.Context, pattern string) {
	c.generation.Add(1)

	if c.store == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	logger := ctxlog.FromContext(ctx)

	keys, err := c.store.Keys(opCtx, pattern)
	if err != nil {
		observe("invalidate", "error")
		logger.Warn("cache invalidation failed: list keys", "pattern", pattern, "error", err)
		return
	}
	if len(keys) == 0 {
		observe("invalidate", "ok")
		return
	}

	if err := c.store.Delete(opCtx, keys...); err != nil {
		observe("invalidate", "error")
		logger.Warn("cache invalidation failed: delete keys", "pattern", pattern, "keys", len(keys), "error", err)
		return
	}

	observe("invalidate", "ok")
	logger.Debug("cache invalidated", "pattern", pattern, "keys", len(keys))
}

// Ping checks the backend. A disabled cache is always healthy.
func (c *Coordinator) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.store.Ping(opCtx)
}

func (c *Coordinator) set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(value)
	if err != nil {
		observe("set", "error")
		ctxlog.FromContext(ctx).Warn("cache value unencodable", "key", key, "error", err)
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.store.Set(opCtx, key, data, ttl); err != nil {
		observe("set", "error")
		ctxlog.FromContext(ctx).Warn("cache set failed", "key", key, "error", err)
		return false
	}

	observe("set", "ok")
	return true
}

func observe(op, result string) {
	metrics.CacheOperations.WithLabelValues(op, result).Inc()
}
