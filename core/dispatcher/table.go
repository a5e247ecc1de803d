package dispatcher

import (
	"context"
	"sync"

	"github.com/coachpo/tempora/core/event"
)

// Handler consumes one dispatched event. Returned errors are logged and
// suppressed unless the dispatcher runs with strict handlers.
type Handler func(ctx context.Context, ev event.Event) error

type subscription struct {
	handler Handler
	seq     uint64
}

// Table routes events to subscribers. Subscriptions are keyed by event kind
// or by source identity; delivery follows the global registration order
// across both key spaces.
type Table struct {
	mu      sync.RWMutex
	kinds   map[event.Kind][]subscription
	sources map[event.Source][]subscription
	seq     uint64
}

// NewTable builds an empty subscription table.
func NewTable() *Table {
	return &Table{
		kinds:   make(map[event.Kind][]subscription),
		sources: make(map[event.Source][]subscription),
	}
}

// SubscribeKind registers h for every event tagged kind.
func (t *Table) SubscribeKind(kind event.Kind, h Handler) {
	if h == nil {
		return
	}
	t.mu.Lock()
	t.seq++
	t.kinds[kind] = append(t.kinds[kind], subscription{handler: h, seq: t.seq})
	t.mu.Unlock()
}

// SubscribeSource registers h for every event popped from src.
func (t *Table) SubscribeSource(src event.Source, h Handler) {
	if h == nil || src == nil {
		return
	}
	t.mu.Lock()
	t.seq++
	t.sources[src] = append(t.sources[src], subscription{handler: h, seq: t.seq})
	t.mu.Unlock()
}

// HandlersFor returns the handlers subscribed to ev's kind or to src, merged
// in registration order.
func (t *Table) HandlersFor(ev event.Event, src event.Source) []Handler {
	t.mu.RLock()
	byKind := t.kinds[ev.Kind()]
	bySource := t.sources[src]
	merged := make([]Handler, 0, len(byKind)+len(bySource))
	i, j := 0, 0
	for i < len(byKind) && j < len(bySource) {
		if byKind[i].seq < bySource[j].seq {
			merged = append(merged, byKind[i].handler)
			i++
		} else {
			merged = append(merged, bySource[j].handler)
			j++
		}
	}
	for ; i < len(byKind); i++ {
		merged = append(merged, byKind[i].handler)
	}
	for ; j < len(bySource); j++ {
		merged = append(merged, bySource[j].handler)
	}
	t.mu.RUnlock()
	return merged
}

// Len returns the total number of registered subscriptions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, subs := range t.kinds {
		n += len(subs)
	}
	for _, subs := range t.sources {
		n += len(subs)
	}
	return n
}
