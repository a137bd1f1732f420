// Package ratelimiter implements the per-endpoint token-bucket rate limiter
// of spec.md §4.5: lazy refill, priority-ordered waiters with FIFO
// tie-break, and strict dispatch-in-heap-order semantics. Refill arithmetic
// is delegated to golang.org/x/time/rate (the same library
// O-tero-Distributed-Caching-System's warming/service.go uses for
// origin-RPS limiting); the priority ordering it lacks is layered on top
// using our own priorityqueue.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fetchkit/engine/priorityqueue"
	"golang.org/x/time/rate"
)

// BucketConfig configures one endpoint's token bucket.
type BucketConfig struct {
	Capacity     float64
	RefillPerSec float64
	MaxQueue     int // 0 means unbounded
}

// AcquireOptions configures a single Acquire call.
type AcquireOptions struct {
	Priority int // lower = served earlier; default 0
	Timeout  time.Duration
}

// EventSink receives rate limiter lifecycle notifications; the engine
// bridges these onto its event bus (ratelimit-wait/acquire/reject, spec.md
// §4.5). A nil sink is replaced with a no-op.
type EventSink interface {
	RatelimitWait(key string, priority int)
	RatelimitAcquire(key string, priority int, waited time.Duration)
	RatelimitReject(key string, reason string)
}

type noopSink struct{}

func (noopSink) RatelimitWait(string, int)                  {}
func (noopSink) RatelimitAcquire(string, int, time.Duration) {}
func (noopSink) RatelimitReject(string, string)              {}

// RejectError is returned when a call is not admitted: immediately for zero
// capacity or a full queue, or after waiting when opts.Timeout elapses or
// the limiter is closed. Reason names which.
type RejectError struct {
	Key    string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ratelimiter: request to %q rejected: %s", e.Key, e.Reason)
}

// Limiter owns one token bucket per endpoint key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	sink    EventSink
}

// New creates a Limiter. A nil sink disables event notification.
func New(sink EventSink) *Limiter {
	if sink == nil {
		sink = noopSink{}
	}
	return &Limiter{buckets: make(map[string]*bucket), sink: sink}
}

func (l *Limiter) bucketFor(key string, cfg BucketConfig) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(cfg)
		l.buckets[key] = b
	}
	return b
}

// Acquire blocks until a token is available for key, opts.Timeout elapses,
// ctx is cancelled, or cfg immediately rejects the call (zero capacity or a
// full bounded queue). Admission within a bucket follows strict priority
// order with FIFO tie-break (spec.md §4.5).
func (l *Limiter) Acquire(ctx context.Context, key string, cfg BucketConfig, opts AcquireOptions) error {
	if cfg.Capacity <= 0 {
		l.sink.RatelimitReject(key, "zero_capacity")
		return &RejectError{Key: key, Reason: "zero_capacity"}
	}

	b := l.bucketFor(key, cfg)
	return b.acquire(ctx, key, opts, l.sink)
}

// Stats reports the current token level and waiter count for key, mostly
// for tests and diagnostics.
func (l *Limiter) Stats(key string) (tokens float64, waiting int, ok bool) {
	l.mu.Lock()
	b, exists := l.buckets[key]
	l.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	return b.snapshot()
}

// bucket is one endpoint's token reservoir plus its waiter queue. Token
// accounting and refill are delegated entirely to rate.Limiter; the bucket
// only adds priority-ordered waiting on top of its AllowN admission calls.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	maxQueue int
	waiters  *priorityqueue.Queue

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

type waiter struct {
	key      string
	priority int
	grant    chan struct{}
	removed  bool
}

func newBucket(cfg BucketConfig) *bucket {
	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefillPerSec), int(cfg.Capacity)),
		maxQueue: cfg.MaxQueue,
		waiters:  priorityqueue.New(priorityqueue.FIFO),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

func (b *bucket) acquire(ctx context.Context, key string, opts AcquireOptions, sink EventSink) error {
	b.mu.Lock()

	if b.waiters.Len() == 0 && b.limiter.AllowN(time.Now(), 1) {
		b.mu.Unlock()
		sink.RatelimitAcquire(key, opts.Priority, 0)
		return nil
	}

	if b.maxQueue > 0 && b.waiters.Len() >= b.maxQueue {
		b.mu.Unlock()
		sink.RatelimitReject(key, "queue_full")
		return &RejectError{Key: key, Reason: "queue_full"}
	}

	w := &waiter{key: key, priority: opts.Priority, grant: make(chan struct{})}
	b.waiters.Push(w, opts.Priority)
	b.mu.Unlock()

	sink.RatelimitWait(key, opts.Priority)
	b.signalDispatcher()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	enqueuedAt := time.Now()
	select {
	case <-w.grant:
		sink.RatelimitAcquire(key, opts.Priority, time.Since(enqueuedAt))
		return nil
	case <-ctx.Done():
		b.removeWaiter(w)
		return ctx.Err()
	case <-timeoutCh:
		b.removeWaiter(w)
		sink.RatelimitReject(key, "timeout")
		return &RejectError{Key: key, Reason: "timeout"}
	case <-b.closed:
		b.removeWaiter(w)
		return &RejectError{Key: key, Reason: "closed"}
	}
}

func (b *bucket) removeWaiter(w *waiter) {
	b.mu.Lock()
	b.waiters.Remove(func(v any) bool { return v.(*waiter) == w })
	w.removed = true
	b.mu.Unlock()
}

func (b *bucket) signalDispatcher() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop resolves queued waiters as tokens accrue. It wakes on a new
// waiter arriving or on a timer set for when the next whole token becomes
// available, so waiters are served even without a concurrent Acquire call
// driving the refill.
func (b *bucket) dispatchLoop() {
	for {
		b.mu.Lock()

		now := time.Now()
		for b.waiters.Len() > 0 && b.limiter.AllowN(now, 1) {
			v := b.waiters.Pop()
			w := v.(*waiter)
			close(w.grant)
		}

		var wait time.Duration
		if b.waiters.Len() > 0 {
			rps := float64(b.limiter.Limit())
			if rps <= 0 {
				wait = time.Hour
			} else {
				needed := 1 - b.limiter.Tokens()
				if needed < 0 {
					needed = 0
				}
				wait = time.Duration(needed / rps * float64(time.Second))
				if wait <= 0 {
					wait = time.Millisecond
				}
			}
		} else {
			wait = time.Hour
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-b.wake:
			timer.Stop()
		case <-timer.C:
		case <-b.closed:
			timer.Stop()
			return
		}
	}
}

func (b *bucket) snapshot() (tokens float64, waiting int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.Tokens(), b.waiters.Len(), true
}

// Close stops every bucket's dispatch goroutine and releases its queued
// waiters with a "closed" RejectError. Used by the engine on destroy to
// avoid leaking goroutines.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.buckets {
		b.once.Do(func() { close(b.closed) })
	}
}
