package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tempora/core/event"
)

// State describes what the multiplexer can currently deliver.
type State int

const (
	// StateReady means at least one source has a deliverable event.
	StateReady State = iota
	// StateIdle means no event is deliverable now but at least one
	// non-terminated source remains.
	StateIdle
	// StateExhausted means every source has terminated.
	StateExhausted
)

// String returns the symbolic name for the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Multiplexer merges a dynamic set of sources into one monotonically
// non-decreasing stream by always selecting the source whose next event has
// the earliest when. Ties go to the earliest-registered source; the entries
// slice keeps registration order, including across prunes.
type Multiplexer struct {
	mu      sync.Mutex
	entries []*muxEntry
	version atomic.Uint64
}

type muxEntry struct {
	src     event.Source
	lastPop time.Time
	popped  bool
}

// NewMultiplexer builds an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{}
}

// Add registers src. Registration order decides same-instant tie-breaks.
func (m *Multiplexer) Add(src event.Source) error {
	if src == nil {
		return fmt.Errorf("dispatcher: add nil source")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.src == src {
			return fmt.Errorf("dispatcher: source already registered")
		}
	}
	m.entries = append(m.entries, &muxEntry{src: src})
	m.version.Add(1)
	return nil
}

// Version increments whenever a source is added. The run loop uses it to skip
// producer rescans on unchanged iterations.
func (m *Multiplexer) Version() uint64 {
	return m.version.Load()
}

// PeekWhen returns the earliest deliverable instant across all sources.
func (m *Multiplexer) PeekWhen() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, when := m.earliest()
	if entry == nil {
		return time.Time{}, false
	}
	return when, true
}

// PopEarliest removes and returns the earliest deliverable event together
// with the source that produced it. It fails when a source breaks its
// ordering contract, which the dispatcher treats as fatal.
func (m *Multiplexer) PopEarliest() (event.Event, event.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, when := m.earliest()
	if entry == nil {
		return nil, nil, nil
	}
	ev := entry.src.Pop()
	if ev == nil {
		// The source reneged between peek and pop; treat as transient.
		return nil, nil, nil
	}
	if !ev.When().Equal(when) {
		return nil, nil, fmt.Errorf("dispatcher: source popped %s after peeking %s: %w",
			ev.When().Format(time.RFC3339Nano), when.Format(time.RFC3339Nano), event.ErrOutOfOrder)
	}
	if entry.popped && ev.When().Before(entry.lastPop) {
		return nil, nil, fmt.Errorf("dispatcher: source went backward from %s to %s: %w",
			entry.lastPop.Format(time.RFC3339Nano), ev.When().Format(time.RFC3339Nano), event.ErrOutOfOrder)
	}
	entry.lastPop = ev.When()
	entry.popped = true
	return ev, entry.src, nil
}

// State reports readiness after pruning terminated sources.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	if len(m.entries) == 0 {
		return StateExhausted
	}
	for _, e := range m.entries {
		if _, ok := e.src.PeekWhen(); ok {
			return StateReady
		}
	}
	return StateIdle
}

// Producers returns the producers attached to registered sources, in
// registration order, without duplicates.
func (m *Multiplexer) Producers() []event.Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[event.Producer]struct{})
	var out []event.Producer
	for _, e := range m.entries {
		p := e.src.Producer()
		if p == nil {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Len returns the number of registered, non-pruned sources.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.entries)
}

// BufferedDepth sums the queued event counts of sources that expose one.
func (m *Multiplexer) BufferedDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := 0
	for _, e := range m.entries {
		if counter, ok := e.src.(interface{ Len() int }); ok {
			depth += counter.Len()
		}
	}
	return depth
}

// earliest picks the entry holding the minimum next instant. Callers hold
// m.mu.
func (m *Multiplexer) earliest() (*muxEntry, time.Time) {
	m.prune()
	var best *muxEntry
	var bestWhen time.Time
	for _, e := range m.entries {
		when, ok := e.src.PeekWhen()
		if !ok {
			continue
		}
		if best == nil || when.Before(bestWhen) {
			best = e
			bestWhen = when
		}
	}
	return best, bestWhen
}

// prune drops terminated sources. Callers hold m.mu.
func (m *Multiplexer) prune() {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.src.Terminated() {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = nil
	}
	m.entries = kept
}
