package event

import (
	"fmt"
	"sync"
	"time"
)

// Queue is an unbounded FIFO source fed from the dispatcher task itself,
// typically by components that emit events while handling another event (an
// exchange emitting order updates during matching). Push never blocks, so a
// same-task feeder cannot deadlock against the draining loop.
type Queue struct {
	mu       sync.Mutex
	events   []Event
	closed   bool
	lastPush time.Time
}

// NewQueue builds an empty queue source.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends ev. It fails when the queue is closed, ev carries a zero
// instant, or ev would break the per-source time ordering.
func (q *Queue) Push(ev Event) error {
	if ev == nil {
		return fmt.Errorf("event: push nil event: %w", ErrZeroWhen)
	}
	when := ev.When()
	if when.IsZero() {
		return ErrZeroWhen
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if !q.lastPush.IsZero() && when.Before(q.lastPush) {
		return fmt.Errorf("%w: got %s after %s", ErrOutOfOrder, when.Format(time.RFC3339Nano), q.lastPush.Format(time.RFC3339Nano))
	}
	q.events = append(q.events, ev)
	q.lastPush = when
	return nil
}

// Close marks the queue terminated once remaining events drain. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// PeekWhen returns the earliest queued instant.
func (q *Queue) PeekWhen() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return time.Time{}, false
	}
	return q.events[0].When(), true
}

// Pop removes and returns the earliest queued event, nil when none.
func (q *Queue) Pop() Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev
}

// Terminated reports whether the queue is closed and drained.
func (q *Queue) Terminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Producer returns nil; queues are driven synchronously.
func (q *Queue) Producer() Producer { return nil }

// Len returns the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
