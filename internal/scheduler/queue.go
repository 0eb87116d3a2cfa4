package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// ChunkQueue is a capacity-bounded priority queue of pending chunks. Lower
// priority values are dequeued first; equal priorities leave in insertion
// order. Items handed out by Poll keep counting against the capacity until
// Done or Requeue, so re-inserting a failed item never blocks while
// producers still see backpressure.
type ChunkQueue[T any] struct {
	capacity int

	mu          sync.Mutex
	entries     entryHeap[T]
	seq         uint64
	outstanding int
	maxQueued   int
	changed     chan struct{}
}

// NewChunkQueue creates a queue holding at most capacity items, counting
// both queued and checked-out ones.
func NewChunkQueue[T any](capacity int) *ChunkQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ChunkQueue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Capacity returns the configured bound.
func (q *ChunkQueue[T]) Capacity() int {
	return q.capacity
}

func (q *ChunkQueue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *ChunkQueue[T]) pushLocked(item T, priority int) {
	q.seq++
	heap.Push(&q.entries, entry[T]{item: item, priority: priority, seq: q.seq})
	if len(q.entries) > q.maxQueued {
		q.maxQueued = len(q.entries)
	}
	q.notifyLocked()
}

// Put adds item, blocking while the queue is at capacity. It returns false
// without adding the item once stop is closed.
func (q *ChunkQueue[T]) Put(stop <-chan struct{}, item T, priority int) bool {
	for {
		q.mu.Lock()
		if len(q.entries)+q.outstanding < q.capacity {
			q.pushLocked(item, priority)
			q.mu.Unlock()
			return true
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-stop:
			return false
		}
	}
}

// Poll removes the lowest-priority item, waiting up to timeout for one.
// The item stays checked out until Done or Requeue.
func (q *ChunkQueue[T]) Poll(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := heap.Pop(&q.entries).(entry[T])
			q.outstanding++
			q.mu.Unlock()
			return e.item, true
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-timer.C:
			var zero T
			return zero, false
		}
	}
}

// Requeue returns a checked-out item with a new priority.
func (q *ChunkQueue[T]) Requeue(item T, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.pushLocked(item, priority)
}

// Done releases a checked-out item's capacity.
func (q *ChunkQueue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.notifyLocked()
}

// Len returns the number of items waiting for a worker.
func (q *ChunkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Outstanding returns the number of checked-out items.
func (q *ChunkQueue[T]) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Idle reports whether nothing is queued or checked out.
func (q *ChunkQueue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0 && q.outstanding == 0
}

// MaxQueued returns the high-water mark of waiting items.
func (q *ChunkQueue[T]) MaxQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxQueued
}

type entry[T any] struct {
	item     T
	priority int
	seq      uint64
}

type entryHeap[T any] []entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	var zero entry[T]
	old[n-1] = zero
	*h = old[:n-1]
	return e
}
