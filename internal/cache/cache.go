// Package cache provides the in-process TTL cache injected into provider
// adapters, plus a scheduled janitor that sweeps expired entries.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-ndc/internal/observability/metrics"
)

// TTLs for cached provider responses
const (
	NormalizationTTL = 7 * 24 * time.Hour
	RegistryTTL      = 24 * time.Hour
	AutocompleteTTL  = time.Hour
)

// Store is the capability adapters use to avoid redundant upstream calls.
// A stored nil value is a hit and must be distinguishable from a miss.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is a mutex-guarded map with per-entry expiry. Expired entries are
// evicted lazily on read and in bulk by Sweep.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a TTLCache
type Option func(*TTLCache)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) { c.now = now }
}

// WithMetrics records hits, misses and size to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *TTLCache) { c.metrics = m }
}

// New creates an empty cache
func New(opts ...Option) *TTLCache {
	c := &TTLCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the unexpired value stored under key
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		ok = false
	}

	c.metrics.CacheLookup(namespace(key), ok)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were removed
func (c *TTLCache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(size)
	return removed
}

// Stats describes the cache contents
type Stats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// Stats returns the current size and sorted keys, expired entries included
func (c *TTLCache) Stats() Stats {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return Stats{Size: len(keys), Keys: keys}
}

// GetAs returns the value under key when present and of type T
func GetAs[T any](s Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// namespace is the key prefix up to the second colon, e.g. "fda:search"
func namespace(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return parts[0]
	}
	return parts[0] + ":" + parts[1]
}
