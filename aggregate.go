package stoat

// Aggregate defines the interface for event-sourced aggregates.
// An aggregate is a domain object whose state is derived from a sequence of events.
type Aggregate interface {
	// AggregateID returns the unique identifier for this aggregate instance.
	AggregateID() string

	// AggregateType returns the type/category of this aggregate (e.g., "Order", "Account").
	AggregateType() string

	// Version returns the version of the last persisted event applied.
	Version() int64

	// SetVersion is called by the reconstructor and the repository.
	SetVersion(v int64)

	// UncommittedEvents returns events that have been raised but not yet persisted.
	UncommittedEvents() []DomainEvent

	// ClearUncommittedEvents removes all uncommitted events after successful persistence.
	ClearUncommittedEvents()
}

// AggregateBase provides a default partial implementation of the Aggregate interface.
// Embed this struct in your aggregate types to get default behavior.
type AggregateBase struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []DomainEvent
}

// NewAggregateBase creates a new AggregateBase with the given ID and type.
func NewAggregateBase(id, aggregateType string) AggregateBase {
	return AggregateBase{
		id:            id,
		aggregateType: aggregateType,
	}
}

// AggregateID returns the aggregate's unique identifier.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// AggregateType returns the aggregate type.
func (a *AggregateBase) AggregateType() string {
	return a.aggregateType
}

// Version returns the current version of the aggregate.
func (a *AggregateBase) Version() int64 {
	return a.version
}

// SetVersion sets the aggregate version.
func (a *AggregateBase) SetVersion(v int64) {
	a.version = v
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateBase) UncommittedEvents() []DomainEvent {
	return a.uncommittedEvents
}

// ClearUncommittedEvents removes all uncommitted events.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// Raise records a new event as uncommitted. The aggregate applies the
// event to its own state; the store assigns the version on save.
func (a *AggregateBase) Raise(eventType string, payload map[string]interface{}) DomainEvent {
	e := DomainEvent{
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       payload,
	}
	a.uncommittedEvents = append(a.uncommittedEvents, e)
	return e
}

// HasUncommittedEvents returns true if there are events waiting to be persisted.
func (a *AggregateBase) HasUncommittedEvents() bool {
	return len(a.uncommittedEvents) > 0
}

// AggregateFactory creates a fresh, zero-state aggregate.
type AggregateFactory func(id string) Aggregate
