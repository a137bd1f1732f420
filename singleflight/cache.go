// Package singleflight implements the generic single-flight coordinator of
// spec.md §4.3: an async cache with TTL + staleAt, independent of an
// in-flight promise map that joins concurrent callers of the same key.
// Grounded on O-tero-Distributed-Caching-System/cache-manager's
// RequestCoalescer (wait-group join pattern) and L1Cache (TTL item shape,
// lazy expiry on Get), generalized to a pluggable async Adapter and to
// per-joiner independent cancellation.
package singleflight

import (
	"context"
	"sync"
	"time"
)

// Item is one cached entry. CreatedAt <= StaleAt <= ExpiresAt when StaleAt
// is set, per spec.md §3.
type Item struct {
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time
	StaleAt   *time.Time
}

// IsLive reports whether the item has not yet hit its hard expiry at now.
func (it Item) IsLive(now time.Time) bool {
	return now.Before(it.ExpiresAt)
}

// IsStale reports whether the item has crossed its soft StaleAt but not yet
// its hard ExpiresAt.
func (it Item) IsStale(now time.Time) bool {
	return it.StaleAt != nil && !now.Before(*it.StaleAt) && now.Before(it.ExpiresAt)
}

// SetOptions configures a cache write.
type SetOptions struct {
	TTL     time.Duration
	StaleIn time.Duration // if >0 and < TTL, the item becomes stale before it expires
}

// GetResult is returned by GetCache on a hit.
type GetResult struct {
	Value   any
	IsStale bool
}

// Coordinator owns both independent surfaces described in spec.md §4.3: the
// cache (backed by a pluggable Adapter) and the in-flight promise map. A key
// may exist in either, both, or neither.
type Coordinator struct {
	adapter Adapter

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// New creates a Coordinator over adapter. A nil adapter uses the built-in
// in-memory map.
func New(adapter Adapter) *Coordinator {
	if adapter == nil {
		adapter = NewMemoryAdapter()
	}
	return &Coordinator{
		adapter:  adapter,
		inflight: make(map[string]*inflightEntry),
	}
}

// GetCache returns the live value for key, or (zero, false, nil) on a clean
// miss/expiry. Adapter errors propagate to the caller, who decides whether
// to treat them as a miss (spec.md §4.3 failure semantics).
func (c *Coordinator) GetCache(ctx context.Context, key string) (GetResult, bool, error) {
	item, ok, err := c.adapter.Get(ctx, key)
	if err != nil {
		return GetResult{}, false, err
	}
	if !ok {
		return GetResult{}, false, nil
	}

	now := time.Now()
	if !item.IsLive(now) {
		// Expired: observed here, per spec.md §4.8 "cache-expire is emitted
		// when a get observes expiry". Callers emit the event; we just
		// clean up the dead entry.
		_ = c.adapter.Delete(ctx, key)
		return GetResult{}, false, nil
	}

	return GetResult{Value: item.Value, IsStale: item.IsStale(now)}, true, nil
}

// SetCache stores value under key with the given TTL/StaleIn.
func (c *Coordinator) SetCache(ctx context.Context, key string, value any, opts SetOptions) error {
	now := time.Now()
	item := Item{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(opts.TTL),
	}
	if opts.StaleIn > 0 && opts.StaleIn < opts.TTL {
		staleAt := now.Add(opts.StaleIn)
		item.StaleAt = &staleAt
	}
	return c.adapter.Set(ctx, key, item)
}

func (c *Coordinator) DeleteCache(ctx context.Context, key string) error {
	return c.adapter.Delete(ctx, key)
}

func (c *Coordinator) HasCache(ctx context.Context, key string) (bool, error) {
	return c.adapter.Has(ctx, key)
}

func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.adapter.Clear(ctx)
}

// Adapter returns the backing store the coordinator was constructed with
// (the built-in MemoryAdapter when New was given nil). Lets callers reach
// predicate-based invalidation without having to have held onto the
// adapter themselves.
func (c *Coordinator) Adapter() Adapter { return c.adapter }

// Stats reports the current cache and in-flight sizes.
type Stats struct {
	CacheSize     int
	InflightCount int
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	size, err := c.adapter.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	inflight := len(c.inflight)
	c.mu.Unlock()
	return Stats{CacheSize: size, InflightCount: inflight}, nil
}
