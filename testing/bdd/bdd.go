// Package bdd provides Given-When-Then fixtures for stoat aggregates and
// command handlers.
//
//	bdd.Given(t, reconstructor, testutil.NewOrder("o-1"), history...).
//		When(func(o *testutil.Order) error { return o.Ship("T-1") }).
//		ThenEventTypes("OrderShipped")
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-stoat"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TestFixture tests one aggregate's behavior against a history.
type TestFixture[A stoat.Aggregate] struct {
	t             TB
	reconstructor *stoat.Reconstructor
	aggregate     A
	givenEvents   []stoat.DomainEvent
	result        error
	executed      bool
}

// Given sets up aggregate with historical events. Events without a version
// are numbered from 1 in order.
func Given[A stoat.Aggregate](t TB, r *stoat.Reconstructor, aggregate A, events ...stoat.DomainEvent) *TestFixture[A] {
	t.Helper()
	return &TestFixture[A]{
		t:             t,
		reconstructor: r,
		aggregate:     aggregate,
		givenEvents:   events,
	}
}

// When folds the history onto the aggregate and runs the command function.
func (f *TestFixture[A]) When(command func(A) error) *TestFixture[A] {
	f.t.Helper()

	history := make([]stoat.DomainEvent, len(f.givenEvents))
	for i, e := range f.givenEvents {
		if e.Version == 0 {
			e.Version = int64(i + 1)
		}
		e.AggregateID = f.aggregate.AggregateID()
		e.AggregateType = f.aggregate.AggregateType()
		history[i] = e
	}
	if err := f.reconstructor.ApplyEvents(f.aggregate, history); err != nil {
		f.t.Fatalf("bdd: failed to apply given events: %v", err)
	}
	f.aggregate.ClearUncommittedEvents()

	f.result = command(f.aggregate)
	f.executed = true
	return f
}

// Aggregate returns the aggregate under test.
func (f *TestFixture[A]) Aggregate() A {
	return f.aggregate
}

func (f *TestFixture[A]) succeeded(step string) []stoat.DomainEvent {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was executed", step)
	}
	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}
	return f.aggregate.UncommittedEvents()
}

// Then asserts the aggregate raised events with these types and payloads.
func (f *TestFixture[A]) Then(expected ...stoat.DomainEvent) {
	f.t.Helper()
	uncommitted := f.succeeded("Then")

	if len(uncommitted) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(uncommitted), expected, uncommitted)
	}
	for i, want := range expected {
		got := uncommitted[i]
		if got.EventType != want.EventType || !reflect.DeepEqual(got.Payload, want.Payload) {
			f.t.Errorf("Event %d mismatch:\nExpected: %s %+v\nActual: %s %+v",
				i, want.EventType, want.Payload, got.EventType, got.Payload)
		}
	}
}

// ThenEventTypes asserts the aggregate raised events of these types, in order.
func (f *TestFixture[A]) ThenEventTypes(types ...string) {
	f.t.Helper()
	uncommitted := f.succeeded("ThenEventTypes")

	got := eventTypes(uncommitted)
	if !reflect.DeepEqual(got, types) && !(len(got) == 0 && len(types) == 0) {
		f.t.Errorf("Expected event types %v, got %v", types, got)
	}
}

// ThenNoEvents asserts that no events were produced.
func (f *TestFixture[A]) ThenNoEvents() {
	f.t.Helper()
	if uncommitted := f.succeeded("ThenNoEvents"); len(uncommitted) > 0 {
		f.t.Errorf("Expected no events, got %d: %v", len(uncommitted), eventTypes(uncommitted))
	}
}

// ThenError asserts that the command produced the expected error.
func (f *TestFixture[A]) ThenError(expectedErr error) {
	f.t.Helper()
	f.failed("ThenError")
	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture[A]) ThenErrorContains(substring string) {
	f.t.Helper()
	f.failed("ThenErrorContains")
	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

func (f *TestFixture[A]) failed(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was executed", step)
	}
	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
}

func eventTypes(events []stoat.DomainEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

// CommandTestFixture tests command dispatch end to end through a bus.
type CommandTestFixture struct {
	t        TB
	ctx      context.Context
	bus      *stoat.CommandBus
	store    stoat.EventStore
	given    []givenStream
	result   stoat.CommandResult
	err      error
	executed bool
}

type givenStream struct {
	aggregateID   string
	aggregateType string
	events        []stoat.DomainEvent
}

// GivenCommand creates a new command test fixture with a command bus.
func GivenCommand(t TB, bus *stoat.CommandBus, store stoat.EventStore) *CommandTestFixture {
	t.Helper()
	return &CommandTestFixture{
		t:     t,
		ctx:   context.Background(),
		bus:   bus,
		store: store,
	}
}

// WithContext sets a custom context for the command execution.
func (f *CommandTestFixture) WithContext(ctx context.Context) *CommandTestFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents seeds the store before the command runs.
func (f *CommandTestFixture) WithExistingEvents(aggregateID, aggregateType string, events ...stoat.DomainEvent) *CommandTestFixture {
	f.given = append(f.given, givenStream{aggregateID: aggregateID, aggregateType: aggregateType, events: events})
	return f
}

// When seeds the store and dispatches the command.
func (f *CommandTestFixture) When(cmd stoat.Command) *CommandTestFixture {
	f.t.Helper()

	for _, g := range f.given {
		if f.store == nil {
			f.t.Fatal("bdd: WithExistingEvents() requires a store")
		}
		if err := f.store.Append(f.ctx, g.aggregateID, g.events, stoat.WithAggregateType(g.aggregateType)); err != nil {
			f.t.Fatalf("Failed to store given events for %s: %v", g.aggregateID, err)
		}
	}

	f.result, f.err = f.bus.Dispatch(f.ctx, cmd)
	f.executed = true
	return f
}

// Result returns the dispatch result.
func (f *CommandTestFixture) Result() stoat.CommandResult {
	return f.result
}

func (f *CommandTestFixture) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was dispatched", step)
	}
}

// ThenSucceeds asserts the command succeeded.
func (f *CommandTestFixture) ThenSucceeds() *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if !f.result.IsSuccess() {
		f.t.Fatalf("Expected success result but got error: %v", f.result.Error)
	}
	return f
}

// ThenFails asserts the command failed with the expected error.
func (f *CommandTestFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenFails")

	if f.err == nil && f.result.IsSuccess() {
		f.t.Fatal("Expected failure but got success")
	}

	errToCheck := f.err
	if errToCheck == nil {
		errToCheck = f.result.Error
	}
	if !errors.Is(errToCheck, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, errToCheck)
	}
}

// ThenReturnsAggregateID asserts the result contains the expected aggregate ID.
func (f *CommandTestFixture) ThenReturnsAggregateID(expected string) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsAggregateID")

	if f.result.AggregateID != expected {
		f.t.Errorf("Expected aggregate ID %q, got %q", expected, f.result.AggregateID)
	}
	return f
}

// ThenReturnsVersion asserts the result contains the expected version.
func (f *CommandTestFixture) ThenReturnsVersion(expected int64) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsVersion")

	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

// ThenProduced asserts the result carries events of these types, in order.
func (f *CommandTestFixture) ThenProduced(types ...string) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenProduced")

	if got := eventTypes(f.result.Events); !reflect.DeepEqual(got, types) && !(len(got) == 0 && len(types) == 0) {
		f.t.Errorf("Expected produced events %v, got %v", types, got)
	}
	return f
}
