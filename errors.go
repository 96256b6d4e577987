package stoat

import (
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Storage related sentinels are aliases to the adapters package errors.
var (
	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrAggregateNotFound indicates the aggregate has no events.
	ErrAggregateNotFound = adapters.ErrAggregateNotFound

	// ErrEventOrdering indicates a sequence gap or violation.
	ErrEventOrdering = adapters.ErrEventOrdering

	// ErrEmptyAggregateID indicates an empty aggregate ID was provided.
	ErrEmptyAggregateID = adapters.ErrEmptyAggregateID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrBackendUnavailable indicates a storage or cache backend cannot be reached.
	ErrBackendUnavailable = adapters.ErrBackendUnavailable

	// ErrEventStore indicates a storage or serialization failure.
	ErrEventStore = errors.New("stoat: event store failure")

	// ErrCheckpointTampered indicates a sequence checkpoint failed its integrity check.
	ErrCheckpointTampered = errors.New("stoat: checkpoint checksum mismatch")

	// ErrStoreClosed indicates the tiered store has been closed.
	ErrStoreClosed = errors.New("stoat: store closed")

	// ErrSerialization indicates state or payload encoding failed.
	ErrSerialization = errors.New("stoat: serialization failed")

	// ErrUnhandledEvent indicates an aggregate has no handler for an event type.
	ErrUnhandledEvent = errors.New("stoat: no handler for event type")

	// ErrSnapshotUnsupported indicates an aggregate type cannot be snapshotted.
	ErrSnapshotUnsupported = errors.New("stoat: aggregate does not support snapshots")

	// ErrUnknownAggregateType indicates no factory is registered for an aggregate type.
	ErrUnknownAggregateType = errors.New("stoat: aggregate type not registered")

	// ErrInvalidCacheTTL indicates tier TTLs are not ordered L1 <= L2 <= L3.
	ErrInvalidCacheTTL = errors.New("stoat: cache tier TTLs must satisfy L1 <= L2 <= L3")

	// Command and query related errors

	// ErrHandlerNotFound indicates no handler is registered for a command or query type.
	ErrHandlerNotFound = errors.New("stoat: handler not found")

	// ErrValidationFailed indicates command validation failed.
	ErrValidationFailed = errors.New("stoat: validation failed")

	// ErrUnauthorized indicates the authorization step rejected a command.
	ErrUnauthorized = errors.New("stoat: unauthorized")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("stoat: nil command")

	// ErrNilQuery indicates a nil query was passed to the query bus.
	ErrNilQuery = errors.New("stoat: nil query")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("stoat: handler panicked")

	// ErrCommandBusClosed indicates the command bus has been closed.
	ErrCommandBusClosed = errors.New("stoat: command bus closed")

	// ErrCircuitOpen indicates a circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("stoat: circuit breaker open")

	// ErrTimeout indicates a command or query exceeded its deadline.
	ErrTimeout = errors.New("stoat: timeout")
)

// ConcurrencyError provides detailed information about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// AggregateNotFoundError provides detailed information about a missing aggregate.
type AggregateNotFoundError = adapters.AggregateNotFoundError

// EventOrderingError describes a sequence gap or violation.
type EventOrderingError = adapters.EventOrderingError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(aggregateID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(aggregateID, expected, actual)
}

// NewAggregateNotFoundError creates a new AggregateNotFoundError.
func NewAggregateNotFoundError(aggregateID string) *AggregateNotFoundError {
	return adapters.NewAggregateNotFoundError(aggregateID)
}

// NewEventOrderingError creates a new EventOrderingError.
func NewEventOrderingError(aggregateID string, index int, expected, actual int64) *EventOrderingError {
	return adapters.NewEventOrderingError(aggregateID, index, expected, actual)
}

// EventStoreError wraps a serialization or backend failure.
type EventStoreError struct {
	Op          string
	AggregateID string
	Cause       error
}

// Error returns the error message.
func (e *EventStoreError) Error() string {
	if e.AggregateID != "" {
		return fmt.Sprintf("stoat: %s failed for aggregate %q: %v", e.Op, e.AggregateID, e.Cause)
	}
	return fmt.Sprintf("stoat: %s failed: %v", e.Op, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *EventStoreError) Is(target error) bool {
	return target == ErrEventStore
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *EventStoreError) Unwrap() error {
	return e.Cause
}

// NewEventStoreError creates a new EventStoreError.
func NewEventStoreError(op, aggregateID string, cause error) *EventStoreError {
	return &EventStoreError{Op: op, AggregateID: aggregateID, Cause: cause}
}

// CircuitBreakerOpenError is returned without attempting the call while a breaker is open.
type CircuitBreakerOpenError struct {
	Target     string
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("stoat: circuit breaker for %q is open, retry after %s", e.Target, e.RetryAfter)
}

// Is reports whether this error matches the target error.
func (e *CircuitBreakerOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// NewCircuitBreakerOpenError creates a new CircuitBreakerOpenError.
func NewCircuitBreakerOpenError(target string, retryAfter time.Duration) *CircuitBreakerOpenError {
	return &CircuitBreakerOpenError{Target: target, RetryAfter: retryAfter}
}

// TimeoutError is returned when a handler exceeds its configured duration.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stoat: %s timed out after %s", e.Operation, e.Timeout)
}

// Is reports whether this error matches the target error.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Timeout: timeout}
}

// HandlerNotFoundError provides detailed information about a missing handler.
type HandlerNotFoundError struct {
	MessageType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("stoat: no handler registered for %q", e.MessageType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a new HandlerNotFoundError.
func NewHandlerNotFoundError(messageType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{MessageType: messageType}
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
	// CommandData contains a JSON representation of the command for debugging.
	CommandData string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stoat: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack, commandData string) *PanicError {
	return &PanicError{
		CommandType: cmdType,
		Value:       value,
		Stack:       stack,
		CommandData: commandData,
	}
}

// AuthorizationError is returned when a command is rejected by the Authorizer.
type AuthorizationError struct {
	CommandType string
	Reason      string
}

// Error returns the error message.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("stoat: command %q not authorized: %s", e.CommandType, e.Reason)
}

// Is reports whether this error matches the target error.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(cmdType, reason string) *AuthorizationError {
	return &AuthorizationError{CommandType: cmdType, Reason: reason}
}

// SerializationError provides details about an encoding failure.
type SerializationError struct {
	Target    string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("stoat: failed to %s %s: %v", e.Operation, e.Target, e.Cause)
}

// Is implements errors.Is compatibility.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(target, operation string, cause error) *SerializationError {
	return &SerializationError{Target: target, Operation: operation, Cause: cause}
}

// UnhandledEventError reports an event type with no registered handler.
type UnhandledEventError struct {
	AggregateType string
	EventType     string
	Version       int64
}

// Error implements the error interface.
func (e *UnhandledEventError) Error() string {
	return fmt.Sprintf("stoat: aggregate %q has no handler for event %q at version %d",
		e.AggregateType, e.EventType, e.Version)
}

// Is implements errors.Is compatibility.
func (e *UnhandledEventError) Is(target error) bool {
	return target == ErrUnhandledEvent
}
