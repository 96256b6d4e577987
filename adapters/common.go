package adapters

import (
	"fmt"
	"sort"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream requires the aggregate to have no events.
	NoStream int64 = 0

	// StreamExists requires the aggregate to have events.
	StreamExists int64 = -2
)

// ConcurrencyError provides details about a version conflict.
type ConcurrencyError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(aggregateID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stoat: concurrency conflict on aggregate %q: expected version %d, actual version %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// Is implements errors.Is compatibility.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// AggregateNotFoundError provides details about a missing aggregate.
type AggregateNotFoundError struct {
	AggregateID string
}

// NewAggregateNotFoundError creates a new AggregateNotFoundError.
func NewAggregateNotFoundError(aggregateID string) *AggregateNotFoundError {
	return &AggregateNotFoundError{AggregateID: aggregateID}
}

// Error implements the error interface.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("stoat: aggregate %q not found", e.AggregateID)
}

// Is implements errors.Is compatibility.
func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// EventOrderingError describes a sequence gap or violation.
type EventOrderingError struct {
	AggregateID string
	Index       int
	Expected    int64
	Actual      int64
}

// NewEventOrderingError creates a new EventOrderingError.
func NewEventOrderingError(aggregateID string, index int, expected, actual int64) *EventOrderingError {
	return &EventOrderingError{
		AggregateID: aggregateID,
		Index:       index,
		Expected:    expected,
		Actual:      actual,
	}
}

// Error implements the error interface.
func (e *EventOrderingError) Error() string {
	return fmt.Sprintf("stoat: event ordering violation on aggregate %q at index %d: expected sequence %d, got %d",
		e.AggregateID, e.Index, e.Expected, e.Actual)
}

// Is implements errors.Is compatibility.
func (e *EventOrderingError) Is(target error) bool {
	return target == ErrEventOrdering
}

// CheckVersion validates the expected version against the current version.
// This implements the optimistic concurrency control logic shared by all backends.
func CheckVersion(aggregateID string, expected, current int64) error {
	switch expected {
	case AnyVersion:
		return nil
	case StreamExists:
		if current == 0 {
			return NewAggregateNotFoundError(aggregateID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(aggregateID, expected, current)
		}
		return nil
	}
}

// CheckContiguous verifies that events continue current without gaps.
func CheckContiguous(aggregateID string, current int64, events []DomainEvent) error {
	next := current + 1
	for i, e := range events {
		if e.AggregateID != "" && e.AggregateID != aggregateID {
			return fmt.Errorf("stoat: event %d belongs to aggregate %q, not %q", i, e.AggregateID, aggregateID)
		}
		if e.Version != next {
			return NewEventOrderingError(aggregateID, i, next, e.Version)
		}
		next++
	}
	return nil
}

// FilterVersions returns events with from <= Version <= to (to <= 0 means unbounded).
func FilterVersions(events []DomainEvent, from, to int64) []DomainEvent {
	out := make([]DomainEvent, 0, len(events))
	for _, e := range events {
		if e.Version < from {
			continue
		}
		if to > 0 && e.Version > to {
			break
		}
		out = append(out, e)
	}
	return out
}

// SortByVersion sorts events in place by Version.
func SortByVersion(events []DomainEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Version < events[j].Version
	})
}

// CopyEvent returns a deep copy of the event's mutable fields.
func CopyEvent(e DomainEvent) DomainEvent {
	if e.Payload != nil {
		payload := make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		e.Payload = payload
	}
	if e.Metadata.Custom != nil {
		custom := make(map[string]string, len(e.Metadata.Custom))
		for k, v := range e.Metadata.Custom {
			custom[k] = v
		}
		e.Metadata.Custom = custom
	}
	return e
}

// CopyEvents deep-copies a slice of events.
func CopyEvents(events []DomainEvent) []DomainEvent {
	out := make([]DomainEvent, len(events))
	for i, e := range events {
		out[i] = CopyEvent(e)
	}
	return out
}

// DefaultLimit returns a default limit value if the provided limit is invalid.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}

// UniqueIDs removes empty and duplicate ids, preserving order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
