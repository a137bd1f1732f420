// Package priorityqueue implements the min-heap used by the rate limiter to
// order waiters by (priority, sequence), per spec.md §4.4. Lower priority
// values are served first; ties are broken by arrival order (FIFO) or
// reverse arrival order (LIFO), selectable per queue.
package priorityqueue

import "container/heap"

// Order selects the tie-break rule when two items share a priority.
type Order int

const (
	FIFO Order = iota
	LIFO
)

// item is one heap entry; Value is opaque to the queue.
type item struct {
	value    any
	priority int
	sequence int64
}

// innerHeap implements container/heap.Interface. Its Less method encodes
// the tie-break order.
type innerHeap struct {
	items []*item
	order Order
}

func (h innerHeap) Len() int { return len(h.items) }

func (h innerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if h.order == LIFO {
		return a.sequence > b.sequence
	}
	return a.sequence < b.sequence
}

func (h innerHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *innerHeap) Push(x any) { h.items = append(h.items, x.(*item)) }

func (h *innerHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// Queue is a priority queue keyed by (priority, sequence). It is not safe
// for concurrent use; callers (the rate limiter) own their own locking.
type Queue struct {
	h        innerHeap
	sequence int64
}

// New creates an empty queue with the given tie-break order.
func New(order Order) *Queue {
	return &Queue{h: innerHeap{order: order}}
}

// Push inserts value with the given priority (lower = earlier) and returns
// the sequence number it was assigned. Complexity: O(log n).
func (q *Queue) Push(value any, priority int) int64 {
	q.sequence++
	heap.Push(&q.h, &item{value: value, priority: priority, sequence: q.sequence})
	return q.sequence
}

// Pop removes and returns the front value, or nil if the queue is empty.
// Complexity: O(log n).
func (q *Queue) Pop() any {
	if q.h.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*item)
	return it.value
}

// Peek returns the front value without removing it, or nil if empty.
// Complexity: O(1).
func (q *Queue) Peek() any {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h.items[0].value
}

// PeekMany returns up to n front values in pop order without removing them.
func (q *Queue) PeekMany(n int) []any {
	sorted := q.ToSortedSlice()
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// PopMany removes and returns up to n front values in pop order.
func (q *Queue) PopMany(n int) []any {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v := q.Pop()
		if v == nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// Find returns the first value matching predicate in heap storage order (not
// necessarily pop order), or nil if none match.
func (q *Queue) Find(predicate func(value any) bool) any {
	for _, it := range q.h.items {
		if predicate(it.value) {
			return it.value
		}
	}
	return nil
}

// Remove deletes the first item matching predicate, if any, restoring the
// heap invariant. Returns true if an item was removed. Used to let a waiter
// cancel itself without disturbing its peers (spec.md §4.5 "a waiter
// cancelled via signal removes itself and does not affect peers").
func (q *Queue) Remove(predicate func(value any) bool) bool {
	for i, it := range q.h.items {
		if predicate(it.value) {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int { return q.h.Len() }

// Heapify builds a new queue holding values, each prioritized by
// priorityOf, constructing the heap in O(n).
func Heapify(values []any, priorityOf func(any) int, order Order) *Queue {
	q := New(order)
	items := make([]*item, len(values))
	for i, v := range values {
		q.sequence++
		items[i] = &item{value: v, priority: priorityOf(v), sequence: q.sequence}
	}
	q.h.items = items
	heap.Init(&q.h)
	return q
}

// ToSortedSlice returns all values in pop order without mutating the queue.
// Complexity: O(n log n).
func (q *Queue) ToSortedSlice() []any {
	clone := q.Clone()
	out := make([]any, 0, clone.Len())
	for {
		v := clone.Pop()
		if v == nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// Clone returns a deep-enough copy (new heap storage, same values) so
// popping the clone never mutates the original.
func (q *Queue) Clone() *Queue {
	items := make([]*item, len(q.h.items))
	for i, it := range q.h.items {
		c := *it
		items[i] = &c
	}
	return &Queue{h: innerHeap{items: items, order: q.h.order}, sequence: q.sequence}
}

// Clear removes all items from the queue.
func (q *Queue) Clear() {
	q.h.items = nil
}
