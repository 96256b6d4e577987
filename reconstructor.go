package stoat

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventHandler applies one event to an aggregate.
type EventHandler func(agg Aggregate, event DomainEvent) error

type aggregateDescriptor struct {
	name          string
	factory       AggregateFactory
	handlers      map[string]EventHandler
	ignoreUnknown bool
}

// AggregateRegistry maps aggregate type tags to factories and event types to
// handlers. It is populated at startup and read concurrently afterwards.
type AggregateRegistry struct {
	mu    sync.RWMutex
	types map[string]*aggregateDescriptor
}

// NewAggregateRegistry creates an empty registry.
func NewAggregateRegistry() *AggregateRegistry {
	return &AggregateRegistry{types: make(map[string]*aggregateDescriptor)}
}

// AggregateRegistration adds event handlers for one registered aggregate type.
type AggregateRegistration[A Aggregate] struct {
	registry   *AggregateRegistry
	descriptor *aggregateDescriptor
}

// RegisterAggregate registers an aggregate type with a factory producing
// fresh zero-state instances. Registering a type again replaces it.
func RegisterAggregate[A Aggregate](r *AggregateRegistry, aggregateType string, factory func(id string) A) *AggregateRegistration[A] {
	d := &aggregateDescriptor{
		name:     aggregateType,
		factory:  func(id string) Aggregate { return factory(id) },
		handlers: make(map[string]EventHandler),
	}

	r.mu.Lock()
	r.types[aggregateType] = d
	r.mu.Unlock()

	return &AggregateRegistration[A]{registry: r, descriptor: d}
}

// On registers the handler for an event type.
func (reg *AggregateRegistration[A]) On(eventType string, handler func(A, DomainEvent) error) *AggregateRegistration[A] {
	typeName := reg.descriptor.name
	wrapped := func(agg Aggregate, e DomainEvent) error {
		typed, ok := agg.(A)
		if !ok {
			return fmt.Errorf("stoat: handler for %s.%s got aggregate %T", typeName, eventType, agg)
		}
		return handler(typed, e)
	}

	reg.registry.mu.Lock()
	reg.descriptor.handlers[eventType] = wrapped
	reg.registry.mu.Unlock()
	return reg
}

// IgnoreUnknownEvents makes events without a handler advance the version
// instead of failing reconstruction.
func (reg *AggregateRegistration[A]) IgnoreUnknownEvents() *AggregateRegistration[A] {
	reg.registry.mu.Lock()
	reg.descriptor.ignoreUnknown = true
	reg.registry.mu.Unlock()
	return reg
}

// New creates a fresh aggregate of a registered type.
func (r *AggregateRegistry) New(aggregateType, aggregateID string) (Aggregate, error) {
	d, err := r.descriptor(aggregateType)
	if err != nil {
		return nil, err
	}
	return d.factory(aggregateID), nil
}

// Types returns the registered aggregate types, sorted.
func (r *AggregateRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handles reports whether the aggregate type has a handler for eventType.
func (r *AggregateRegistry) Handles(aggregateType, eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[aggregateType]
	if !ok {
		return false
	}
	_, ok = d.handlers[eventType]
	return ok
}

// handler looks up an event handler under the registry lock, so On may run
// while aggregates are being rebuilt.
func (r *AggregateRegistry) handler(d *aggregateDescriptor, eventType string) (EventHandler, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := d.handlers[eventType]
	return h, ok, d.ignoreUnknown
}

func (r *AggregateRegistry) descriptor(aggregateType string) (*aggregateDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregateType, aggregateType)
	}
	return d, nil
}

// Reconstructor rebuilds aggregates from snapshots and events.
type Reconstructor struct {
	registry   *AggregateRegistry
	upcaster   *EventVersioningManager
	serializer Serializer
	now        func() time.Time
}

// ReconstructorOption configures a Reconstructor.
type ReconstructorOption func(*Reconstructor)

// WithUpcaster passes every event through the versioning manager before it
// reaches a handler.
func WithUpcaster(m *EventVersioningManager) ReconstructorOption {
	return func(r *Reconstructor) {
		r.upcaster = m
	}
}

// WithStateSerializer sets the serializer for snapshot state. Default is JSON.
func WithStateSerializer(s Serializer) ReconstructorOption {
	return func(r *Reconstructor) {
		r.serializer = s
	}
}

// NewReconstructor creates a reconstructor over a registry.
func NewReconstructor(registry *AggregateRegistry, opts ...ReconstructorOption) *Reconstructor {
	r := &Reconstructor{
		registry:   registry,
		serializer: NewJSONSerializer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the aggregate registry.
func (r *Reconstructor) Registry() *AggregateRegistry {
	return r.registry
}

// Reconstitute folds events onto a fresh aggregate.
func (r *Reconstructor) Reconstitute(aggregateType, aggregateID string, events []DomainEvent) (Aggregate, error) {
	agg, err := r.registry.New(aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	if err := r.ApplyEvents(agg, events); err != nil {
		return nil, err
	}
	return agg, nil
}

// ReconstituteFromSnapshot restores a fresh aggregate from snapshot state.
// Tail events are applied afterwards with ApplyEvents.
func (r *Reconstructor) ReconstituteFromSnapshot(aggregateType string, snapshot *Snapshot) (Aggregate, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("stoat: nil snapshot")
	}
	if snapshot.AggregateType != "" && snapshot.AggregateType != aggregateType {
		return nil, fmt.Errorf("stoat: snapshot of %q is for type %q, not %q",
			snapshot.AggregateID, snapshot.AggregateType, aggregateType)
	}

	agg, err := r.registry.New(aggregateType, snapshot.AggregateID)
	if err != nil {
		return nil, err
	}
	codec, ok := agg.(StateCodec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotUnsupported, aggregateType)
	}

	state, err := DecodeState(r.serializer, snapshot.State)
	if err != nil {
		return nil, err
	}
	if err := codec.RestoreState(state); err != nil {
		return nil, fmt.Errorf("stoat: restore %s %q at version %d: %w",
			aggregateType, snapshot.AggregateID, snapshot.Version, err)
	}
	agg.SetVersion(snapshot.Version)
	return agg, nil
}

// ApplyEvents applies events in version order. They must continue the
// aggregate's version without gaps; events at or below it are skipped.
func (r *Reconstructor) ApplyEvents(agg Aggregate, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	d, err := r.registry.descriptor(agg.AggregateType())
	if err != nil {
		return err
	}

	ordered := make([]DomainEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	for i, e := range ordered {
		if e.Version <= agg.Version() {
			continue
		}
		if e.Version != agg.Version()+1 {
			return NewEventOrderingError(agg.AggregateID(), i, agg.Version()+1, e.Version)
		}

		if r.upcaster != nil {
			if e, err = r.upcaster.UpcastEvent(e); err != nil {
				return err
			}
		}

		handler, ok, ignoreUnknown := r.registry.handler(d, e.EventType)
		switch {
		case ok:
			if err := handler(agg, e); err != nil {
				return fmt.Errorf("stoat: apply %s to %s %q at version %d: %w",
					e.EventType, d.name, agg.AggregateID(), e.Version, err)
			}
		case !ignoreUnknown:
			return &UnhandledEventError{AggregateType: d.name, EventType: e.EventType, Version: e.Version}
		}
		agg.SetVersion(e.Version)
	}
	return nil
}

// Snapshot captures an aggregate's state at its current version.
func (r *Reconstructor) Snapshot(agg Aggregate) (*Snapshot, error) {
	codec, ok := agg.(StateCodec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotUnsupported, agg.AggregateType())
	}
	state, err := codec.SnapshotState()
	if err != nil {
		return nil, fmt.Errorf("stoat: snapshot %s %q: %w", agg.AggregateType(), agg.AggregateID(), err)
	}
	data, err := EncodeState(r.serializer, state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		AggregateID:   agg.AggregateID(),
		AggregateType: agg.AggregateType(),
		Version:       agg.Version(),
		State:         data,
		Metadata:      map[string]string{"serializer": r.serializer.Name()},
		CreatedAt:     r.now().UTC(),
	}, nil
}
