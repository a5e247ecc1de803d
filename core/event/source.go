package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Producer populates a source from a background task. Start and Stop are both
// idempotent; when Start succeeded, Stop must run on every dispatcher exit
// path so scoped resources (sockets, file handles, tasks) are released.
type Producer interface {
	Start(ctx context.Context) error
	Stop()
}

// Source is a lazy, ordered producer of events. Two consecutive Pops must
// return non-decreasing When. Sources may buffer internally; the multiplexer
// assumes only that PeekWhen reflects the earliest deliverable event.
type Source interface {
	// PeekWhen returns the earliest deliverable instant, or false when the
	// source is transiently empty or terminated.
	PeekWhen() (time.Time, bool)
	// Pop removes and returns the event PeekWhen referred to, nil when none.
	Pop() Event
	// Terminated reports that the source will never again produce.
	Terminated() bool
	// Producer returns the attached background producer, nil when the source
	// is driven synchronously.
	Producer() Producer
}

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("event: source closed")
	// ErrOutOfOrder is returned by Push when an event would violate the
	// non-decreasing When contract.
	ErrOutOfOrder = errors.New("event: out-of-order event")
	// ErrZeroWhen is returned by Push for events missing an instant.
	ErrZeroWhen = errors.New("event: zero event time")
)

// Buffer is the standard bounded FIFO source fed by a producer goroutine and
// drained by the dispatcher. Push blocks while the buffer is full, giving
// producers natural backpressure.
type Buffer struct {
	ch chan Event

	pushMu   sync.Mutex
	closed   bool
	lastPush time.Time

	mu      sync.Mutex
	head    Event
	drained bool

	producer Producer
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithProducer attaches the background producer owning this buffer.
func WithProducer(p Producer) BufferOption {
	return func(b *Buffer) {
		b.producer = p
	}
}

// NewBuffer builds a bounded source holding at most capacity undelivered
// events. Capacity < 1 is raised to 1.
func NewBuffer(capacity int, opts ...BufferOption) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		ch:       make(chan Event, capacity),
		producer: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Push appends ev, blocking while the buffer is full. It fails when the
// buffer is closed, ev carries a zero instant, or ev would break the
// per-source time ordering.
func (b *Buffer) Push(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("event: push nil event: %w", ErrZeroWhen)
	}
	when := ev.When()
	if when.IsZero() {
		return ErrZeroWhen
	}

	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !b.lastPush.IsZero() && when.Before(b.lastPush) {
		return fmt.Errorf("%w: got %s after %s", ErrOutOfOrder, when.Format(time.RFC3339Nano), b.lastPush.Format(time.RFC3339Nano))
	}

	select {
	case b.ch <- ev:
		b.lastPush = when
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the source terminated once remaining events drain. Idempotent.
func (b *Buffer) Close() {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// PeekWhen returns the earliest buffered instant.
func (b *Buffer) PeekWhen() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fill()
	if b.head == nil {
		return time.Time{}, false
	}
	return b.head.When(), true
}

// Pop removes and returns the earliest buffered event, nil when none.
func (b *Buffer) Pop() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fill()
	ev := b.head
	b.head = nil
	return ev
}

// Terminated reports whether the buffer is closed and fully drained.
func (b *Buffer) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fill()
	return b.head == nil && b.drained
}

// Producer returns the attached producer, nil when none.
func (b *Buffer) Producer() Producer {
	return b.producer
}

// Len returns the number of undelivered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.ch)
	if b.head != nil {
		n++
	}
	return n
}

// fill moves the next channel value into the head slot without blocking.
// Callers hold b.mu.
func (b *Buffer) fill() {
	if b.head != nil || b.drained {
		return
	}
	select {
	case ev, ok := <-b.ch:
		if !ok {
			b.drained = true
			return
		}
		b.head = ev
	default:
	}
}

// ReplaySource yields a fixed, pre-ordered series of events and terminates.
type ReplaySource struct {
	mu     sync.Mutex
	events []Event
	next   int
}

// NewReplaySource builds a source over evs, which must already be in
// non-decreasing When order.
func NewReplaySource(evs ...Event) (*ReplaySource, error) {
	for i, ev := range evs {
		if ev == nil || ev.When().IsZero() {
			return nil, fmt.Errorf("event: replay index %d: %w", i, ErrZeroWhen)
		}
		if i > 0 && ev.When().Before(evs[i-1].When()) {
			return nil, fmt.Errorf("event: replay index %d: %w", i, ErrOutOfOrder)
		}
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return &ReplaySource{events: out}, nil
}

// PeekWhen returns the instant of the next undelivered event.
func (s *ReplaySource) PeekWhen() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.events) {
		return time.Time{}, false
	}
	return s.events[s.next].When(), true
}

// Pop returns the next undelivered event, nil when exhausted.
func (s *ReplaySource) Pop() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.events) {
		return nil
	}
	ev := s.events[s.next]
	s.next++
	return ev
}

// Terminated reports whether every event has been delivered.
func (s *ReplaySource) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next >= len(s.events)
}

// Producer returns nil; replay sources are synchronous.
func (s *ReplaySource) Producer() Producer { return nil }
