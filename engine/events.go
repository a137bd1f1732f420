package engine

import (
	"time"

	"github.com/fetchkit/engine/eventbus"
)

// busSink bridges the policy-internal Sink interfaces (dedupepolicy.Sink,
// cachepolicy.Sink, ratelimiter.EventSink) onto the engine's event bus
// under their fetch-prefixed canonical names (spec.md §7).
type busSink struct {
	bus *eventbus.Bus
}

func newBusSink(bus *eventbus.Bus) *busSink { return &busSink{bus: bus} }

// dedupepolicy.Sink
func (s *busSink) DedupeStart(key string) { s.bus.Emit(eventbus.FetchDedupeStart, map[string]any{"key": key}) }
func (s *busSink) DedupeJoin(key string, waitingCount int64) {
	s.bus.Emit(eventbus.FetchDedupeJoin, map[string]any{"key": key, "waitingCount": waitingCount})
}
func (s *busSink) DedupeComplete(key string) {
	s.bus.Emit(eventbus.FetchDedupeComplete, map[string]any{"key": key})
}
func (s *busSink) DedupeError(key string, err error) {
	s.bus.Emit(eventbus.FetchDedupeError, map[string]any{"key": key, "error": err})
}

// cachepolicy.Sink
func (s *busSink) CacheHit(key string) { s.bus.Emit(eventbus.FetchCacheHit, map[string]any{"key": key}) }
func (s *busSink) CacheMiss(key string) {
	s.bus.Emit(eventbus.FetchCacheMiss, map[string]any{"key": key})
}
func (s *busSink) CacheStale(key string) {
	s.bus.Emit(eventbus.FetchCacheStale, map[string]any{"key": key})
}
func (s *busSink) CacheSet(key string) { s.bus.Emit(eventbus.FetchCacheSet, map[string]any{"key": key}) }
func (s *busSink) CacheExpire(key string) {
	s.bus.Emit(eventbus.FetchCacheExpire, map[string]any{"key": key})
}
func (s *busSink) CacheRevalidate(key string) {
	s.bus.Emit(eventbus.FetchCacheRevalidate, map[string]any{"key": key})
}
func (s *busSink) CacheRevalidateError(key string, err error) {
	s.bus.Emit(eventbus.FetchCacheRevalidateError, map[string]any{"key": key, "error": err})
}

// ratelimiter.EventSink
func (s *busSink) RatelimitWait(key string, priority int) {
	s.bus.Emit(eventbus.FetchRatelimitWait, map[string]any{"key": key, "priority": priority})
}
func (s *busSink) RatelimitAcquire(key string, priority int, waited time.Duration) {
	s.bus.Emit(eventbus.FetchRatelimitAcquire, map[string]any{"key": key, "priority": priority, "waited": waited})
}
func (s *busSink) RatelimitReject(key string, reason string) {
	s.bus.Emit(eventbus.FetchRatelimitReject, map[string]any{"key": key, "reason": reason})
}
