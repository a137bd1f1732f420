package cachepolicy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/singleflight"
)

type testSink struct {
	hits, misses, stales, sets, expires, revalidates, revalidateErrs atomic.Int64
}

func (s *testSink) CacheHit(string)                    { s.hits.Add(1) }
func (s *testSink) CacheMiss(string)                   { s.misses.Add(1) }
func (s *testSink) CacheStale(string)                  { s.stales.Add(1) }
func (s *testSink) CacheSet(string)                    { s.sets.Add(1) }
func (s *testSink) CacheExpire(string)                 { s.expires.Add(1) }
func (s *testSink) CacheRevalidate(string)             { s.revalidates.Add(1) }
func (s *testSink) CacheRevalidateError(string, error) { s.revalidateErrs.Add(1) }

func enabledPolicy(t *testing.T, sink Sink) (*Policy, *singleflight.Coordinator) {
	t.Helper()
	coord := singleflight.New(nil)
	p := New(coord, sink)
	p.Init(policy.Config[Rule]{
		Enabled:  true,
		Defaults: Rule{TTL: 200 * time.Millisecond, StaleIn: 50 * time.Millisecond},
	})
	return p, coord
}

func TestRun_MissThenSetThenHit(t *testing.T) {
	sink := &testSink{}
	p, _ := enabledPolicy(t, sink)

	var calls atomic.Int64
	op := func(context.Context) (Entry, error) {
		calls.Add(1)
		return Entry{Value: "V1", Status: 200, Headers: map[string]string{"x-req": "1"}}, nil
	}

	entry, err := p.Run(context.Background(), "GET", "/x", nil, nil, func(string) bool { return false }, op)
	require.NoError(t, err)
	assert.Equal(t, "V1", entry.Value)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, int64(1), sink.misses.Load())
	assert.Equal(t, int64(1), sink.sets.Load())

	entry, err = p.Run(context.Background(), "GET", "/x", nil, nil, func(string) bool { return false }, op)
	require.NoError(t, err)
	assert.Equal(t, "V1", entry.Value)
	assert.Equal(t, "1", entry.Headers["x-req"], "cache hit reconstructs the whole envelope, not just the body")
	assert.Equal(t, int64(1), calls.Load(), "second call must be served from cache")
	assert.Equal(t, int64(1), sink.hits.Load())
}

func TestRun_NonStorableStatusNotCached(t *testing.T) {
	sink := &testSink{}
	p, _ := enabledPolicy(t, sink)

	op := func(context.Context) (Entry, error) {
		return Entry{Value: "err-body", Status: 500}, nil
	}
	_, err := p.Run(context.Background(), "GET", "/x", nil, nil, nil, op)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sink.sets.Load())
}

func TestRun_StaleHitTriggersBackgroundRevalidation(t *testing.T) {
	sink := &testSink{}
	p, _ := enabledPolicy(t, sink)

	var calls atomic.Int64
	op := func(context.Context) (Entry, error) {
		n := calls.Add(1)
		if n == 1 {
			return Entry{Value: "V1", Status: 200}, nil
		}
		return Entry{Value: "V2", Status: 200}, nil
	}

	_, err := p.Run(context.Background(), "GET", "/sw", nil, nil, func(string) bool { return false }, op)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond) // cross staleIn=50ms but stay under ttl=200ms

	entry, err := p.Run(context.Background(), "GET", "/sw", nil, nil, func(string) bool { return false }, op)
	require.NoError(t, err)
	assert.Equal(t, "V1", entry.Value, "stale hit returns the cached value immediately")
	assert.Equal(t, int64(1), sink.stales.Load())

	require.Eventually(t, func() bool { return sink.revalidates.Load() == 1 }, time.Second, 5*time.Millisecond)

	entry, err = p.Run(context.Background(), "GET", "/sw", nil, nil, func(string) bool { return false }, op)
	require.NoError(t, err)
	assert.Equal(t, "V2", entry.Value, "after revalidation completes the fresh value is served")
}

func TestRun_DisabledSkipsCacheEntirely(t *testing.T) {
	coord := singleflight.New(nil)
	p := New(coord, nil)

	calls := 0
	op := func(context.Context) (Entry, error) {
		calls++
		return Entry{Value: "v", Status: 200}, nil
	}
	_, err := p.Run(context.Background(), "GET", "/x", nil, nil, nil, op)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), "GET", "/x", nil, nil, nil, op)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvalidateCache_DeletesMatchingKeys(t *testing.T) {
	sink := &testSink{}
	p, coord := enabledPolicy(t, sink)
	_ = coord

	p2 := New(singleflight.New(nil), nil)
	p2.Init(policy.Config[Rule]{Enabled: true, Defaults: Rule{TTL: time.Minute}})

	op := func(context.Context) (Entry, error) { return Entry{Value: "v", Status: 200}, nil }
	_, _ = p2.Run(context.Background(), "GET", "/users/1", nil, nil, nil, op)
	_, _ = p2.Run(context.Background(), "GET", "/orders/1", nil, nil, nil, op)

	err := p2.InvalidatePath(context.Background(), policy.Matcher{Match: policy.MatchIncludes, Pattern: "/users"})
	require.NoError(t, err)

	stats, err := p2.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CacheSize)
	_ = p
}
