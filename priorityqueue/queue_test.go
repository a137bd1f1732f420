package priorityqueue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EmptyPeekPopReturnNil(t *testing.T) {
	q := New(FIFO)
	assert.Nil(t, q.Peek())
	assert.Nil(t, q.Pop())
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(FIFO)
	q.Push("low-priority", 5)
	q.Push("high-priority", 1)
	q.Push("mid-priority", 3)

	require.Equal(t, "high-priority", q.Pop())
	require.Equal(t, "mid-priority", q.Pop())
	require.Equal(t, "low-priority", q.Pop())
}

func TestQueue_FIFOTieBreak(t *testing.T) {
	q := New(FIFO)
	q.Push("first", 1)
	q.Push("second", 1)
	q.Push("third", 1)

	assert.Equal(t, "first", q.Pop())
	assert.Equal(t, "second", q.Pop())
	assert.Equal(t, "third", q.Pop())
}

func TestQueue_LIFOTieBreak(t *testing.T) {
	q := New(LIFO)
	q.Push("first", 1)
	q.Push("second", 1)
	q.Push("third", 1)

	assert.Equal(t, "third", q.Pop())
	assert.Equal(t, "second", q.Pop())
	assert.Equal(t, "first", q.Pop())
}

func TestQueue_PopOrderMatchesStableSort(t *testing.T) {
	type entry struct {
		val      int
		priority int
		seq      int
	}

	q := New(FIFO)
	var entries []entry
	for i := 0; i < 50; i++ {
		p := rand.Intn(5)
		q.Push(i, p)
		entries = append(entries, entry{val: i, priority: p, seq: i})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})

	for _, e := range entries {
		require.Equal(t, e.val, q.Pop())
	}
}

func TestQueue_RemoveDoesNotAffectPeers(t *testing.T) {
	q := New(FIFO)
	q.Push("a", 1)
	q.Push("b", 1)
	q.Push("c", 1)

	removed := q.Remove(func(v any) bool { return v == "b" })
	require.True(t, removed)
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "a", q.Pop())
	assert.Equal(t, "c", q.Pop())
}

func TestQueue_CloneDoesNotMutateOriginal(t *testing.T) {
	q := New(FIFO)
	q.Push("a", 1)
	q.Push("b", 2)

	clone := q.Clone()
	clone.Pop()

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, clone.Len())
}

func TestQueue_PeekManyAndPopMany(t *testing.T) {
	q := New(FIFO)
	q.Push("a", 1)
	q.Push("b", 2)
	q.Push("c", 3)

	peeked := q.PeekMany(2)
	assert.Equal(t, []any{"a", "b"}, peeked)
	assert.Equal(t, 3, q.Len(), "peek must not remove")

	popped := q.PopMany(2)
	assert.Equal(t, []any{"a", "b"}, popped)
	assert.Equal(t, 1, q.Len())
}

func TestHeapify(t *testing.T) {
	values := []any{5, 1, 3, 2, 4}
	q := Heapify(values, func(v any) int { return v.(int) }, FIFO)

	for i := 1; i <= 5; i++ {
		require.Equal(t, i, q.Pop())
	}
}

func TestQueue_ToSortedSliceNonDestructive(t *testing.T) {
	q := New(FIFO)
	q.Push("a", 2)
	q.Push("b", 1)

	sorted := q.ToSortedSlice()
	assert.Equal(t, []any{"b", "a"}, sorted)
	assert.Equal(t, 2, q.Len())
}
