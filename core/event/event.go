// Package event defines the primitives that flow through Tempora dispatchers:
// timestamped events, the sources that yield them, and the producers that
// populate sources from background tasks.
package event

import "time"

// Kind tags an event class for subscription routing. Packages defining
// concrete events declare their own Kind constants.
type Kind string

// Event is a timestamped occurrence delivered through a dispatcher.
// Implementations are immutable after construction.
type Event interface {
	// When returns the instant the event refers to, always offset-aware UTC.
	When() time.Time
	// Kind returns the routing tag subscriptions are keyed by.
	Kind() Kind
}

// Base carries the fields shared by all events. Concrete events embed it.
type Base struct {
	kind Kind
	when time.Time
}

// NewBase builds the shared event core, normalizing the instant to UTC.
func NewBase(kind Kind, when time.Time) Base {
	return Base{kind: kind, when: when.UTC()}
}

// When returns the event instant.
func (b Base) When() time.Time { return b.when }

// Kind returns the routing tag.
func (b Base) Kind() Kind { return b.kind }

// Generic wraps an arbitrary payload in an event envelope. Useful for
// user-defined occurrences and tests.
type Generic struct {
	Base
	Payload any
}

// NewGeneric builds a payload-carrying event.
func NewGeneric(kind Kind, when time.Time, payload any) *Generic {
	return &Generic{Base: NewBase(kind, when), Payload: payload}
}
