package propauthz

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CacheConfig sizes the ristretto caches behind the resolvers.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// DefaultCacheConfig fits roughly 100k cached entries per cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{NumCounters: 1_000_000, MaxCost: 100_000, BufferItems: 64}
}

func (c CacheConfig) withDefaults() CacheConfig {
	d := DefaultCacheConfig()
	if c.NumCounters <= 0 {
		c.NumCounters = d.NumCounters
	}
	if c.MaxCost <= 0 {
		c.MaxCost = d.MaxCost
	}
	if c.BufferItems <= 0 {
		c.BufferItems = d.BufferItems
	}
	return c
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is a ristretto cache whose expiry is judged by an injected clock.
// A TTL <= 0 disables caching.
type ttlCache[V any] struct {
	c   *ristretto.Cache
	ttl time.Duration
	now func() time.Time
	gen atomic.Uint64
}

func newTTLCache[V any](cfg CacheConfig, ttl time.Duration, now func() time.Time) (*ttlCache[V], error) {
	if now == nil {
		now = time.Now
	}
	tc := &ttlCache[V]{ttl: ttl, now: now}
	if ttl <= 0 {
		return tc, nil
	}
	cfg = cfg.withDefaults()
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	tc.c = c
	return tc, nil
}

func (tc *ttlCache[V]) get(key string) (V, bool) {
	var zero V
	if tc.c == nil {
		return zero, false
	}
	raw, ok := tc.c.Get(key)
	if !ok {
		return zero, false
	}
	entry, ok := raw.(ttlEntry[V])
	if !ok {
		return zero, false
	}
	if !tc.now().Before(entry.expiresAt) {
		tc.c.Del(key)
		return zero, false
	}
	return entry.value, true
}

// generation is read before a load; setFresh drops the value if an
// invalidation happened while it was loading.
func (tc *ttlCache[V]) generation() uint64 { return tc.gen.Load() }

func (tc *ttlCache[V]) setFresh(key string, v V, gen uint64) {
	if tc.c == nil || tc.gen.Load() != gen {
		return
	}
	tc.c.SetWithTTL(key, ttlEntry[V]{value: v, expiresAt: tc.now().Add(tc.ttl)}, 1, tc.ttl)
	tc.c.Wait()
	if tc.gen.Load() != gen {
		tc.c.Del(key)
	}
}

func (tc *ttlCache[V]) del(key string) {
	tc.gen.Add(1)
	if tc.c != nil {
		tc.c.Del(key)
	}
}

func (tc *ttlCache[V]) clear() {
	tc.gen.Add(1)
	if tc.c != nil {
		tc.c.Clear()
	}
}

func (tc *ttlCache[V]) close() {
	if tc.c != nil {
		tc.c.Close()
	}
}

// ============================================================================
// SUPER-ADMIN CACHE
// ============================================================================

// SuperAdminCache memoizes the super-admin flag for a bounded time. Build one
// per process and share it; it is safe for concurrent use.
type SuperAdminCache struct {
	dir   SuperAdminDirectory
	cache *ttlCache[bool]
}

// NewSuperAdminCache wraps dir. A nil dir reports nobody as super-admin.
func NewSuperAdminCache(dir SuperAdminDirectory, ttl time.Duration, now func() time.Time, cfg CacheConfig) (*SuperAdminCache, error) {
	c, err := newTTLCache[bool](cfg, ttl, now)
	if err != nil {
		return nil, err
	}
	return &SuperAdminCache{dir: dir, cache: c}, nil
}

// IsSuperAdmin returns false together with the error when the directory fails.
func (s *SuperAdminCache) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	if s == nil || s.dir == nil || userID == "" {
		return false, nil
	}
	if v, ok := s.cache.get(userID); ok {
		return v, nil
	}
	gen := s.cache.generation()
	ok, err := s.dir.IsSuperAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	s.cache.setFresh(userID, ok, gen)
	return ok, nil
}

func (s *SuperAdminCache) Invalidate(userID string) { s.cache.del(userID) }

func (s *SuperAdminCache) Clear() { s.cache.clear() }

func (s *SuperAdminCache) Close() { s.cache.close() }
