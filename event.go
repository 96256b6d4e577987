package stoat

import (
	"sort"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking, allowing append regardless of current version.
	AnyVersion = adapters.AnyVersion

	// NoStream indicates the aggregate must not have events yet.
	NoStream = adapters.NoStream

	// StreamExists indicates the aggregate must already have events.
	StreamExists = adapters.StreamExists
)

// DomainEvent is an immutable fact recorded for one aggregate.
type DomainEvent = adapters.DomainEvent

// Metadata contains contextual information about an event.
type Metadata = adapters.Metadata

// Snapshot is a materialization of aggregate state at a version.
type Snapshot = adapters.Snapshot

// SequenceCheckpoint is a tamper-evident marker of the last order-checked position.
type SequenceCheckpoint = adapters.SequenceCheckpoint

// EventStream is an ordered, finite and restartable sequence of events for one
// aggregate or a merged multi-aggregate window. Slicing and filtering operate
// on the loaded events and never re-query storage.
type EventStream struct {
	events []DomainEvent
}

// NewEventStream creates a stream over events in the given order.
func NewEventStream(events []DomainEvent) *EventStream {
	return &EventStream{events: events}
}

// MergeStreams merges streams into one window ordered by global sequence,
// falling back to occurrence time for events without one.
// Per-aggregate version order is preserved.
func MergeStreams(streams ...*EventStream) *EventStream {
	var merged []DomainEvent
	for _, s := range streams {
		if s != nil {
			merged = append(merged, s.events...)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.AggregateID == b.AggregateID {
			return a.Version < b.Version
		}
		if a.GlobalSequence != 0 && b.GlobalSequence != 0 {
			return a.GlobalSequence < b.GlobalSequence
		}
		return a.OccurredAt.Before(b.OccurredAt)
	})
	return &EventStream{events: merged}
}

// Events returns the events in stream order.
func (s *EventStream) Events() []DomainEvent {
	out := make([]DomainEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of events in the stream.
func (s *EventStream) Len() int {
	return len(s.events)
}

// IsEmpty reports whether the stream has no events.
func (s *EventStream) IsEmpty() bool {
	return len(s.events) == 0
}

// First returns the first event.
func (s *EventStream) First() (DomainEvent, bool) {
	if len(s.events) == 0 {
		return DomainEvent{}, false
	}
	return s.events[0], true
}

// Last returns the last event.
func (s *EventStream) Last() (DomainEvent, bool) {
	if len(s.events) == 0 {
		return DomainEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

// LastVersion returns the version of the last event, or 0 for an empty stream.
func (s *EventStream) LastVersion() int64 {
	if e, ok := s.Last(); ok {
		return e.Version
	}
	return 0
}

// Limit returns a stream with at most n events.
func (s *EventStream) Limit(n int) *EventStream {
	if n < 0 || n >= len(s.events) {
		return &EventStream{events: s.events}
	}
	return &EventStream{events: s.events[:n]}
}

// Skip returns a stream without the first n events.
func (s *EventStream) Skip(n int) *EventStream {
	if n <= 0 {
		return &EventStream{events: s.events}
	}
	if n >= len(s.events) {
		return &EventStream{}
	}
	return &EventStream{events: s.events[n:]}
}

// VersionRange keeps events with from <= Version <= to; to <= 0 is unbounded.
func (s *EventStream) VersionRange(from, to int64) *EventStream {
	out := make([]DomainEvent, 0, len(s.events))
	for _, e := range s.events {
		if e.Version >= from && (to <= 0 || e.Version <= to) {
			out = append(out, e)
		}
	}
	return &EventStream{events: out}
}

// FilterTypes keeps events whose type is one of eventTypes.
func (s *EventStream) FilterTypes(eventTypes ...string) *EventStream {
	allowed := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = struct{}{}
	}
	out := make([]DomainEvent, 0, len(s.events))
	for _, e := range s.events {
		if _, ok := allowed[e.EventType]; ok {
			out = append(out, e)
		}
	}
	return &EventStream{events: out}
}

// ForAggregate keeps events of one aggregate.
func (s *EventStream) ForAggregate(aggregateID string) *EventStream {
	out := make([]DomainEvent, 0, len(s.events))
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return &EventStream{events: out}
}

// Each calls fn for every event in order, stopping at the first error.
// The stream can be iterated any number of times.
func (s *EventStream) Each(fn func(DomainEvent) error) error {
	for _, e := range s.events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
