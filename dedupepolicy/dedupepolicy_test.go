package dedupepolicy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/singleflight"
)

type testSink struct {
	mu      sync.Mutex
	starts  int
	joins   int
	completes int
	errors  int
}

func (s *testSink) DedupeStart(string)        { s.mu.Lock(); s.starts++; s.mu.Unlock() }
func (s *testSink) DedupeJoin(string, int64)  { s.mu.Lock(); s.joins++; s.mu.Unlock() }
func (s *testSink) DedupeComplete(string)     { s.mu.Lock(); s.completes++; s.mu.Unlock() }
func (s *testSink) DedupeError(string, error) { s.mu.Lock(); s.errors++; s.mu.Unlock() }

func enabledPolicy(sink Sink) *Policy {
	p := New(singleflight.New(nil), sink)
	p.Init(policy.Config[Rule]{Enabled: true})
	return p
}

func TestRun_DisabledPassesThrough(t *testing.T) {
	p := New(singleflight.New(nil), nil)
	calls := 0
	value, err := p.Run(context.Background(), "GET", "/x", nil, nil, func(context.Context) (any, error) {
		calls++
		return "v", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Equal(t, 1, calls)
}

func TestRun_ConcurrentCallersShareSingleInvocation(t *testing.T) {
	sink := &testSink{}
	p := enabledPolicy(sink)

	var serverCalls atomic.Int64
	op := func(context.Context) (any, error) {
		serverCalls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "payload", nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.Run(context.Background(), "GET", "/x", nil, nil, op)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), serverCalls.Load())
	for _, r := range results {
		assert.Equal(t, "payload", r)
	}
	sink.mu.Lock()
	assert.Equal(t, 1, sink.starts)
	assert.Equal(t, n-1, sink.joins)
	sink.mu.Unlock()
}

func TestRun_JoinerCancellationDoesNotAffectOriginator(t *testing.T) {
	sink := &testSink{}
	p := enabledPolicy(sink)

	release := make(chan struct{})
	op := func(context.Context) (any, error) {
		<-release
		return "done", nil
	}

	originatorDone := make(chan any, 1)
	go func() {
		v, _ := p.Run(context.Background(), "GET", "/slow", nil, nil, op)
		originatorDone <- v
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	joinerErrCh := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, "GET", "/slow", nil, nil, op)
		joinerErrCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-joinerErrCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("joiner did not observe cancellation")
	}

	close(release)
	select {
	case v := <-originatorDone:
		assert.Equal(t, "done", v)
	case <-time.After(time.Second):
		t.Fatal("originator never completed")
	}
}

func TestRun_OriginatorErrorPropagatesToJoiners(t *testing.T) {
	sink := &testSink{}
	p := enabledPolicy(sink)

	boom := errors.New("boom")
	start := make(chan struct{})
	op := func(context.Context) (any, error) {
		<-start
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Run(context.Background(), "GET", "/err", nil, nil, op)
			errs[i] = err
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}
