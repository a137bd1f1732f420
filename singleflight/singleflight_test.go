package singleflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_FreshHit(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	require.NoError(t, c.SetCache(ctx, "k", "v1", SetOptions{TTL: time.Minute}))

	res, ok, err := c.GetCache(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", res.Value)
	assert.False(t, res.IsStale)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	c := New(nil)
	_, ok, err := c.GetCache(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_StaleWindow(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	now := time.Now()
	item := Item{
		Value:     "v1",
		CreatedAt: now.Add(-100 * time.Millisecond),
		ExpiresAt: now.Add(150 * time.Millisecond),
	}
	staleAt := now.Add(-10 * time.Millisecond)
	item.StaleAt = &staleAt

	require.NoError(t, c.adapter.Set(ctx, "k", item))

	res, ok, err := c.GetCache(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, res.IsStale)

	time.Sleep(200 * time.Millisecond)
	_, ok, err = c.GetCache(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must be gone once past ExpiresAt")
}

func TestInflight_OriginatorAndJoinersShareOutcome(t *testing.T) {
	c := New(nil)
	info, settle, cleanup, ok := c.TrackInflight("k")
	require.True(t, ok)
	assert.Equal(t, int64(1), info.WaitingCount)

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _, joined := c.JoinInflight(context.Background(), "k")
			require.True(t, joined)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	settle("result", nil)
	cleanup()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "result", r)
	}
	assert.False(t, c.HasInflight("k"))
}

func TestInflight_JoinerCancellationDoesNotAffectOriginator(t *testing.T) {
	c := New(nil)
	_, settle, cleanup, ok := c.TrackInflight("slow")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	joinErrCh := make(chan error, 1)
	go func() {
		_, err, _, _ := c.JoinInflight(ctx, "slow")
		joinErrCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-joinErrCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("joiner did not observe cancellation")
	}

	// Originator is unaffected: it settles normally afterward.
	settle("done", nil)
	cleanup()
	assert.False(t, c.HasInflight("slow"))
}

func TestTrackInflight_SecondCallerMustJoin(t *testing.T) {
	c := New(nil)
	_, _, cleanup, ok := c.TrackInflight("k")
	require.True(t, ok)
	defer cleanup()

	_, _, _, ok2 := c.TrackInflight("k")
	assert.False(t, ok2, "a second originator must not be allowed while one is in flight")
}

func TestCleanup_Idempotent(t *testing.T) {
	c := New(nil)
	_, settle, cleanup, ok := c.TrackInflight("k")
	require.True(t, ok)
	settle("v", nil)

	assert.NotPanics(t, func() {
		cleanup()
		cleanup()
	})
}
