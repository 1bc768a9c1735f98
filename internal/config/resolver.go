// Package config resolves runtime configuration through three tiers:
// process memory, the distributed cache, and the runtime_config table.
// Callers always supply a static fallback, so a resolver read never fails.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrInvalidConfig marks a runtime_config row that failed schema validation.
// Such rows fail closed: the caller's static fallback is used.
var ErrInvalidConfig = errors.New("invalid runtime config")

// ErrCacheMiss is returned by a DistCache when the key is absent.
var ErrCacheMiss = errors.New("config cache miss")

// distCachePrefix namespaces resolver keys in the distributed cache.
const distCachePrefix = "runtime_config:"

// defaultTTL bounds both the process-memory entries and the write-back TTL.
const defaultTTL = 60 * time.Second

// DistCache is the distributed cache tier.
type DistCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RowSource is the system-of-record tier: one runtime_config row by key.
type RowSource interface {
	GetRuntimeConfig(ctx context.Context, key string) (json.RawMessage, error)
}

type memEntry struct {
	raw     json.RawMessage
	expires time.Time
}

// Resolver looks configuration up memory-first. Values observed within one
// TTL window are stable; a change in the system of record is visible
// process-wide within one TTL cycle.
type Resolver struct {
	cache DistCache
	rows  RowSource
	ttl   time.Duration

	mu  sync.RWMutex
	mem map[string]memEntry

	group singleflight.Group
	now   func() time.Time
}

// NewResolver creates a resolver over the given tiers. Either tier may be
// nil; a nil tier is skipped.
func NewResolver(cache DistCache, rows RowSource) *Resolver {
	return &Resolver{
		cache: cache,
		rows:  rows,
		ttl:   defaultTTL,
		mem:   make(map[string]memEntry),
		now:   time.Now,
	}
}

// lookup walks the tiers and returns the raw JSON value, or ok=false when no
// tier holds the key. Tier failures are logged and skipped.
func (r *Resolver) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	r.mu.RLock()
	entry, hit := r.mem[key]
	r.mu.RUnlock()
	if hit && entry.expires.After(r.now()) {
		return entry.raw, true
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		raw, ok := r.lookupRemote(ctx, key)
		if !ok {
			return nil, ErrCacheMiss
		}
		return raw, nil
	})
	if err != nil {
		return nil, false
	}
	return v.(json.RawMessage), true
}

func (r *Resolver) lookupRemote(ctx context.Context, key string) (json.RawMessage, bool) {
	if r.cache != nil {
		val, err := r.cache.Get(ctx, distCachePrefix+key)
		switch {
		case err == nil:
			raw := json.RawMessage(val)
			if json.Valid(raw) {
				r.remember(key, raw)
				return raw, true
			}
			slog.Warn("config: distributed cache holds malformed JSON", "key", key)
		case !errors.Is(err, ErrCacheMiss):
			slog.Warn("config: distributed cache read failed", "key", key, "error", err)
		}
	}

	if r.rows != nil {
		raw, err := r.rows.GetRuntimeConfig(ctx, key)
		if err != nil {
			slog.Warn("config: system of record read failed", "key", key, "error", err)
			return nil, false
		}
		if raw != nil {
			r.remember(key, raw)
			if r.cache != nil {
				// Write-back is fire-and-forget; the next reader may still
				// miss the cache and that is fine.
				go func(val string) {
					wbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := r.cache.Set(wbCtx, distCachePrefix+key, val, r.ttl); err != nil {
						slog.Warn("config: cache write-back failed", "key", key, "error", err)
					}
				}(string(raw))
			}
			return raw, true
		}
	}

	return nil, false
}

func (r *Resolver) remember(key string, raw json.RawMessage) {
	r.mu.Lock()
	r.mem[key] = memEntry{raw: raw, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// GetInt reads a numeric key. JSON numbers and numeric strings both coerce;
// anything else falls back.
func (r *Resolver) GetInt(ctx context.Context, key string, fallback int) int {
	raw, ok := r.lookup(ctx, key)
	if !ok {
		return fallback
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("config: numeric key failed to decode", "key", key, "error", err)
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	slog.Warn("config: numeric key holds non-numeric value", "key", key, "error", ErrInvalidConfig)
	return fallback
}

// GetString reads a text key; empty strings fail closed.
func (r *Resolver) GetString(ctx context.Context, key string, fallback string) string {
	raw, ok := r.lookup(ctx, key)
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		slog.Warn("config: text key holds non-text or empty value", "key", key, "error", ErrInvalidConfig)
		return fallback
	}
	return s
}

// GetAIConfigSource reads and validates the channel layout. Ill-formed rows
// fail closed to the static fallback.
func (r *Resolver) GetAIConfigSource(ctx context.Context, fallback *AIConfigSource) *AIConfigSource {
	raw, ok := r.lookup(ctx, KeyAIConfigSource)
	if !ok {
		return fallback
	}
	src, err := ParseAIConfigSource(raw)
	if err != nil {
		slog.Warn("config: ai_config_source failed validation", "error", err)
		return fallback
	}
	return src
}
