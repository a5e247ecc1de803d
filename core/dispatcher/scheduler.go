package dispatcher

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Tick carries what a due callback may need: the instant it was scheduled
// for and a handle to schedule further callbacks. Callbacks never receive the
// dispatcher itself.
type Tick struct {
	Due      time.Time
	Schedule func(when time.Time, cb Callback) error
}

// Callback runs when its scheduled instant comes due.
type Callback func(ctx context.Context, tick Tick) error

// Scheduled pairs a due callback with its target instant.
type Scheduled struct {
	When     time.Time
	Callback Callback
	seq      uint64
}

// SchedulerQueue is a priority queue of (when, seq, callback) triples. The
// per-queue monotonic seq breaks same-instant ties FIFO.
type SchedulerQueue struct {
	mu    sync.Mutex
	items schedHeap
	seq   uint64
}

// NewSchedulerQueue builds an empty scheduler queue.
func NewSchedulerQueue() *SchedulerQueue {
	q := &SchedulerQueue{}
	heap.Init(&q.items)
	return q
}

// Schedule enqueues cb to run at when. Policy checks (past instants) belong
// to the owning dispatcher.
func (q *SchedulerQueue) Schedule(when time.Time, cb Callback) {
	if cb == nil {
		return
	}
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &Scheduled{When: when.UTC(), Callback: cb, seq: q.seq})
	q.mu.Unlock()
}

// PeekWhen returns the earliest scheduled instant.
func (q *SchedulerQueue) PeekWhen() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].When, true
}

// PopDue removes and returns every callback with when ≤ now, in (when, seq)
// order.
func (q *SchedulerQueue) PopDue(now time.Time) []*Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*Scheduled
	for len(q.items) > 0 && !q.items[0].When.After(now) {
		due = append(due, heap.Pop(&q.items).(*Scheduled))
	}
	return due
}

// Len returns the number of pending callbacks.
func (q *SchedulerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every pending callback. Used on dispatcher stop.
func (q *SchedulerQueue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}

type schedHeap []*Scheduled

func (h schedHeap) Len() int { return len(h) }

func (h schedHeap) Less(i, j int) bool {
	if h[i].When.Equal(h[j].When) {
		return h[i].seq < h[j].seq
	}
	return h[i].When.Before(h[j].When)
}

func (h schedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *schedHeap) Push(x any) {
	*h = append(*h, x.(*Scheduled))
}

func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
