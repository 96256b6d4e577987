// Package assertions provides assertions and diffs over stoat event logs.
// Events are compared by type and payload; ids, timestamps and metadata that
// the store assigns are ignored unless a helper names them.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-stoat"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []stoat.DomainEvent, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d: %v", len(types), len(events), EventTypes(events))
	}

	for i, expectedType := range types {
		if events[i].EventType != expectedType {
			t.Errorf("Event %d: expected type %s, got %s", i, expectedType, events[i].EventType)
		}
	}
}

// AssertEventCount checks the number of events.
func AssertEventCount(t TB, events []stoat.DomainEvent, expected int) {
	t.Helper()

	if len(events) != expected {
		t.Errorf("Expected %d events, got %d", expected, len(events))
	}
}

// AssertNoEvents checks that no events were produced.
func AssertNoEvents(t TB, events []stoat.DomainEvent) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("Expected no events, got %d: %v", len(events), EventTypes(events))
	}
}

// AssertContainsEventType checks that at least one event has the type.
func AssertContainsEventType(t TB, events []stoat.DomainEvent, eventType string) {
	t.Helper()

	if CountMatches(events, MatchEventType(eventType)) == 0 {
		t.Errorf("Events do not contain event of type %s: %v", eventType, EventTypes(events))
	}
}

// AssertPayload checks one payload field of an event.
func AssertPayload(t TB, event stoat.DomainEvent, key string, expected interface{}) {
	t.Helper()

	actual, ok := event.Payload[key]
	if !ok {
		t.Errorf("Event %s v%d has no payload field %q", event.EventType, event.Version, key)
		return
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Event %s v%d field %q: expected %v (%T), got %v (%T)",
			event.EventType, event.Version, key, expected, expected, actual, actual)
	}
}

// AssertContiguous checks that events belong to one aggregate and carry
// versions from, from+1, ... without gaps.
func AssertContiguous(t TB, events []stoat.DomainEvent, from int64) {
	t.Helper()

	for i, e := range events {
		if want := from + int64(i); e.Version != want {
			t.Errorf("Event %d: expected version %d, got %d", i, want, e.Version)
		}
		if e.AggregateID != events[0].AggregateID {
			t.Errorf("Event %d: belongs to %q, not %q", i, e.AggregateID, events[0].AggregateID)
		}
	}
}

// EventTypes returns the type of each event.
func EventTypes(events []stoat.DomainEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

// EventDiff represents a difference between expected and actual events.
type EventDiff struct {
	Index    int
	Expected *stoat.DomainEvent
	Actual   *stoat.DomainEvent
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event type or payload did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// sameEvent compares type and payload.
func sameEvent(a, b stoat.DomainEvent) bool {
	return a.EventType == b.EventType && reflect.DeepEqual(a.Payload, b.Payload)
}

// DiffEvents compares two event slices and returns the differences.
func DiffEvents(expected, actual []stoat.DomainEvent) []EventDiff {
	var diffs []EventDiff

	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: &actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: &expected[i], Type: DiffMissing})
		case !sameEvent(expected[i], actual[i]):
			diffs = append(diffs, EventDiff{Index: i, Expected: &expected[i], Actual: &actual[i], Type: DiffMismatch})
		}
	}
	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		if diff.Expected != nil {
			fmt.Fprintf(&buf, "    - %s %v\n", diff.Expected.EventType, diff.Expected.Payload)
		}
		if diff.Actual != nil {
			fmt.Fprintf(&buf, "    + %s %v\n", diff.Actual.EventType, diff.Actual.Payload)
		}
	}
	return buf.String()
}

// AssertEventsEqual compares two event slices and fails if they differ.
func AssertEventsEqual(t TB, expected, actual []stoat.DomainEvent) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// AssertEventsMatch checks that actual starts with expected, allowing extra
// events at the end.
func AssertEventsMatch(t TB, expected, actual []stoat.DomainEvent) {
	t.Helper()

	if len(actual) < len(expected) {
		t.Fatalf("Expected at least %d events, got %d", len(expected), len(actual))
	}
	AssertEventsEqual(t, expected, actual[:len(expected)])
}

// EventMatcher reports whether an event matches.
type EventMatcher func(event stoat.DomainEvent) bool

// MatchEventType matches events of one type.
func MatchEventType(eventType string) EventMatcher {
	return func(e stoat.DomainEvent) bool {
		return e.EventType == eventType
	}
}

// MatchPayload matches events whose payload field equals value.
func MatchPayload(key string, value interface{}) EventMatcher {
	return func(e stoat.DomainEvent) bool {
		v, ok := e.Payload[key]
		return ok && reflect.DeepEqual(v, value)
	}
}

// MatchAggregate matches events of one aggregate.
func MatchAggregate(aggregateID string) EventMatcher {
	return func(e stoat.DomainEvent) bool {
		return e.AggregateID == aggregateID
	}
}

// AssertAnyMatch checks that at least one event matches.
func AssertAnyMatch(t TB, events []stoat.DomainEvent, matcher EventMatcher) {
	t.Helper()

	if CountMatches(events, matcher) == 0 {
		t.Error("No events matched the criteria")
	}
}

// AssertAllMatch checks that every event matches.
func AssertAllMatch(t TB, events []stoat.DomainEvent, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if !matcher(e) {
			t.Errorf("Event %d (%s) did not match the criteria", i, e.EventType)
		}
	}
}

// AssertNoneMatch checks that no event matches.
func AssertNoneMatch(t TB, events []stoat.DomainEvent, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if matcher(e) {
			t.Errorf("Event %d (%s) unexpectedly matched the criteria", i, e.EventType)
		}
	}
}

// CountMatches counts events that match.
func CountMatches(events []stoat.DomainEvent, matcher EventMatcher) int {
	n := 0
	for _, e := range events {
		if matcher(e) {
			n++
		}
	}
	return n
}

// FilterEvents returns events that match.
func FilterEvents(events []stoat.DomainEvent, matcher EventMatcher) []stoat.DomainEvent {
	var out []stoat.DomainEvent
	for _, e := range events {
		if matcher(e) {
			out = append(out, e)
		}
	}
	return out
}
