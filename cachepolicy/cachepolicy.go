// Package cachepolicy implements spec.md §4.8: response caching with
// stale-while-revalidate and an invalidation surface, built on the
// single-flight coordinator's cache side. Grounded on singleflight's
// GetCache/SetCache (TTL + staleAt semantics already live there); this
// package adds the policy.Base rule layer, the SWR background-revalidation
// trigger, and the predicate-based invalidation spec.md exposes on the
// engine.
package cachepolicy

import (
	"context"
	"time"

	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/singleflight"
)

// Rule is a cache-specific policy rule.
type Rule struct {
	Matcher policy.Matcher
	TTL     time.Duration
	StaleIn time.Duration
}

func matcherOf(r Rule) policy.Matcher { return r.Matcher }

func mergeDefaults(defaults, override Rule) Rule {
	merged := defaults
	if override.TTL != 0 {
		merged.TTL = override.TTL
	}
	if override.StaleIn != 0 {
		merged.StaleIn = override.StaleIn
	}
	return merged
}

// Sink receives cache lifecycle notifications (bridged onto the engine's
// event bus as fetch-cache-hit|miss|stale|set|expire|revalidate|
// revalidate-error, spec.md §7).
type Sink interface {
	CacheHit(key string)
	CacheMiss(key string)
	CacheStale(key string)
	CacheSet(key string)
	CacheExpire(key string)
	CacheRevalidate(key string)
	CacheRevalidateError(key string, err error)
}

type noopSink struct{}

func (noopSink) CacheHit(string)                    {}
func (noopSink) CacheMiss(string)                   {}
func (noopSink) CacheStale(string)                  {}
func (noopSink) CacheSet(string)                    {}
func (noopSink) CacheExpire(string)                 {}
func (noopSink) CacheRevalidate(string)             {}
func (noopSink) CacheRevalidateError(string, error) {}

// Entry is the full unit cachepolicy stores and returns: spec.md §3/§4.8
// require a cache hit to reconstruct the whole response envelope (status +
// headers), not just the decoded body.
type Entry struct {
	Value   any
	Status  int
	Headers map[string]string
}

// Op is the underlying network call a cache miss (or a revalidation)
// invokes.
type Op func(ctx context.Context) (Entry, error)

// Policy composes policy.Base with a singleflight.Coordinator's cache
// surface.
type Policy struct {
	base  *policy.Base[Rule]
	coord *singleflight.Coordinator
	sink  Sink

	// Storable decides whether a response is cacheable; defaults to
	// status ∈ [200,300).
	Storable func(status int) bool
}

// New creates a Policy over coord. A nil sink disables event notification.
func New(coord *singleflight.Coordinator, sink Sink) *Policy {
	if sink == nil {
		sink = noopSink{}
	}
	return &Policy{
		base:     policy.NewBase(matcherOf, mergeDefaults),
		coord:    coord,
		sink:     sink,
		Storable: defaultStorable,
	}
}

func defaultStorable(status int) bool { return status >= 200 && status < 300 }

// Init normalizes the cache policy's constructor config (spec.md §6:
// cachePolicy ∈ {false, true, full-config}).
func (p *Policy) Init(cfg policy.Config[Rule]) { p.base.Init(cfg) }

func (p *Policy) Enabled() bool { return p.base.Enabled() }

// Run executes op under cache semantics for (method, path, payload).
// hasInflight reports whether a dedupe-side in-flight entry already exists
// for this key (the engine wires this to the shared dedupe coordinator);
// when true, Run skips scheduling its own background revalidation since
// one is already effectively underway (spec.md §4.8).
func (p *Policy) Run(ctx context.Context, method, path string, payload any, skip func() bool, hasInflight func(key string) bool, op Op) (Entry, error) {
	rule, found := p.base.Resolve(method, path, skip)
	if !found {
		return op(ctx)
	}

	key := p.base.Serializer()(method, path, payload)

	hadEntry, _ := p.coord.HasCache(ctx, key)
	result, hit, err := p.coord.GetCache(ctx, key)
	if err != nil {
		// Adapter failure degrades to a miss (spec.md §4.8/§5).
		return p.miss(ctx, key, rule, op)
	}
	if !hit {
		if hadEntry {
			p.sink.CacheExpire(key)
		}
		return p.miss(ctx, key, rule, op)
	}

	entry, _ := result.Value.(Entry)
	if !result.IsStale {
		p.sink.CacheHit(key)
		return entry, nil
	}

	p.sink.CacheStale(key)
	if hasInflight == nil || !hasInflight(key) {
		go p.revalidate(key, rule, op)
	}
	return entry, nil
}

func (p *Policy) miss(ctx context.Context, key string, rule Rule, op Op) (Entry, error) {
	p.sink.CacheMiss(key)
	entry, err := op(ctx)
	if err == nil && p.Storable(entry.Status) {
		if setErr := p.coord.SetCache(ctx, key, entry, singleflight.SetOptions{TTL: rule.TTL, StaleIn: rule.StaleIn}); setErr == nil {
			p.sink.CacheSet(key)
		}
	}
	return entry, err
}

func (p *Policy) revalidate(key string, rule Rule, op Op) {
	ctx := context.Background()
	entry, err := op(ctx)
	if err != nil {
		p.sink.CacheRevalidateError(key, err)
		return
	}
	if !p.Storable(entry.Status) {
		p.sink.CacheRevalidateError(key, errNotStorable)
		return
	}
	if setErr := p.coord.SetCache(ctx, key, entry, singleflight.SetOptions{TTL: rule.TTL, StaleIn: rule.StaleIn}); setErr != nil {
		p.sink.CacheRevalidateError(key, setErr)
		return
	}
	p.sink.CacheRevalidate(key)
}

var errNotStorable = &notStorableError{}

type notStorableError struct{}

func (*notStorableError) Error() string { return "cachepolicy: revalidation response not storable" }

// ClearCache removes every cached entry.
func (p *Policy) ClearCache(ctx context.Context) error { return p.coord.ClearCache(ctx) }

// DeleteCache removes a single key.
func (p *Policy) DeleteCache(ctx context.Context, key string) error { return p.coord.DeleteCache(ctx, key) }

// CacheStats reports the coordinator's current cache/in-flight sizes.
func (p *Policy) CacheStats(ctx context.Context) (singleflight.Stats, error) { return p.coord.Stats(ctx) }

// InvalidateCache deletes every key for which predicate returns true. Uses
// the coordinator's own adapter, so it works whether that adapter was
// supplied explicitly or defaulted to the built-in MemoryAdapter. Requires
// the adapter to implement singleflight.Enumerable; returns
// ErrInvalidationUnsupported otherwise.
func (p *Policy) InvalidateCache(ctx context.Context, predicate func(key string) bool) error {
	enum, ok := p.coord.Adapter().(singleflight.Enumerable)
	if !ok {
		return ErrInvalidationUnsupported
	}
	keys, err := enum.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if predicate(k) {
			if err := p.coord.DeleteCache(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidatePath deletes every cache key matching m (spec.md §4.8's
// is/startsWith/endsWith/includes/regex grammar, applied to the raw key
// rather than a request path since keys are pre-serialized).
func (p *Policy) InvalidatePath(ctx context.Context, m policy.Matcher) error {
	return p.InvalidateCache(ctx, func(key string) bool {
		return m.Matches("", key)
	})
}

// ErrInvalidationUnsupported is returned by InvalidateCache/InvalidatePath
// when the configured adapter can't enumerate its keys.
var ErrInvalidationUnsupported = &unsupportedError{}

type unsupportedError struct{}

func (*unsupportedError) Error() string {
	return "cachepolicy: adapter does not support key enumeration"
}
