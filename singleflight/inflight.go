package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// inflightEntry is the in-flight side's per-key bookkeeping (spec.md §3
// "In-Flight Entry"). Exactly one entry exists per key during its
// lifetime; waitingCount starts at 1 (the originator) and increments on
// every join.
type inflightEntry struct {
	done         chan struct{}
	value        any
	err          error
	waitingCount atomic.Int64
	startedAt    time.Time
}

// InflightInfo is the public, read-only view of an in-flight entry.
type InflightInfo struct {
	WaitingCount int64
	StartedAt    time.Time
}

// HasInflight reports whether key currently has an originator in flight.
func (c *Coordinator) HasInflight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// GetInflight returns the public info for key's in-flight entry, if any.
func (c *Coordinator) GetInflight(key string) (InflightInfo, bool) {
	c.mu.Lock()
	entry, ok := c.inflight[key]
	c.mu.Unlock()
	if !ok {
		return InflightInfo{}, false
	}
	return InflightInfo{WaitingCount: entry.waitingCount.Load(), StartedAt: entry.startedAt}, true
}

// TrackInflight registers the calling goroutine as the originator for key.
// It returns the entry's info, a settle function the originator MUST call
// exactly once with its outcome, and an idempotent cleanup closure. The
// typical use is:
//
//	_, settle, cleanup, ok := c.TrackInflight(key)
//	if !ok {
//		// join instead (see JoinInflight)
//	}
//	defer cleanup()
//	value, err := doWork()
//	settle(value, err)
//
// If key is already in flight, ok is false and the caller should join
// instead of originate.
func (c *Coordinator) TrackInflight(key string) (info InflightInfo, settle func(value any, err error), cleanup func(), ok bool) {
	c.mu.Lock()
	if _, exists := c.inflight[key]; exists {
		c.mu.Unlock()
		return InflightInfo{}, nil, nil, false
	}

	entry := &inflightEntry{done: make(chan struct{}), startedAt: time.Now()}
	entry.waitingCount.Store(1)
	c.inflight[key] = entry
	c.mu.Unlock()

	var settleOnce sync.Once
	var cleanupOnce sync.Once

	settle = func(value any, err error) {
		settleOnce.Do(func() {
			entry.value = value
			entry.err = err
			close(entry.done)
		})
	}
	cleanup = func() {
		cleanupOnce.Do(func() {
			c.mu.Lock()
			if c.inflight[key] == entry {
				delete(c.inflight, key)
			}
			c.mu.Unlock()
		})
	}

	return InflightInfo{WaitingCount: 1, StartedAt: entry.startedAt}, settle, cleanup, true
}

// JoinInflight waits for key's current originator to settle, incrementing
// the entry's waiting count immediately. If ctx is cancelled first, it
// returns ctx.Err() WITHOUT touching the originator or any other joiner —
// spec.md §4.7's independent-cancellation invariant. ok is false if no
// entry exists for key (the caller should originate instead).
func (c *Coordinator) JoinInflight(ctx context.Context, key string) (value any, err error, waitingCount int64, ok bool) {
	c.mu.Lock()
	entry, exists := c.inflight[key]
	c.mu.Unlock()
	if !exists {
		return nil, nil, 0, false
	}

	waitingCount = entry.waitingCount.Add(1)

	select {
	case <-entry.done:
		return entry.value, entry.err, waitingCount, true
	case <-ctx.Done():
		return nil, ctx.Err(), waitingCount, true
	}
}
