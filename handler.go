package stoat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CommandHandler handles one command type.
type CommandHandler interface {
	// CommandType returns the type of command this handler processes.
	CommandType() string

	// Handle processes the command and returns a result.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc struct {
	cmdType string
	fn      func(ctx context.Context, cmd Command) (CommandResult, error)
}

// NewCommandHandlerFunc creates a new CommandHandlerFunc.
func NewCommandHandlerFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) *CommandHandlerFunc {
	return &CommandHandlerFunc{
		cmdType: cmdType,
		fn:      fn,
	}
}

// CommandType returns the command type this handler processes.
func (h *CommandHandlerFunc) CommandType() string {
	return h.cmdType
}

// Handle processes the command.
func (h *CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return h.fn(ctx, cmd)
}

// GenericHandler is a type-safe command handler for a specific command type.
type GenericHandler[C Command] struct {
	handler func(ctx context.Context, cmd C) (CommandResult, error)
	cmdType string
}

// NewGenericHandler creates a new GenericHandler. The command type is read
// from the zero value of C, so C must not be a pointer type whose
// CommandType dereferences the receiver.
func NewGenericHandler[C Command](handler func(ctx context.Context, cmd C) (CommandResult, error)) *GenericHandler[C] {
	var zero C
	return &GenericHandler[C]{
		handler: handler,
		cmdType: zero.CommandType(),
	}
}

// CommandType returns the command type this handler processes.
func (h *GenericHandler[C]) CommandType() string {
	return h.cmdType
}

// Handle processes the command with type checking.
func (h *GenericHandler[C]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typed, ok := cmd.(C)
	if !ok {
		return NewErrorResult(fmt.Errorf("stoat: expected command type %T, got %T", *new(C), cmd)), nil
	}
	return h.handler(ctx, typed)
}

// AggregateHandler loads an aggregate through a Repository, executes the
// command against it and saves the raised events. The committed events are
// returned on the result for the event dispatch middleware.
type AggregateHandler[C AggregateCommand, A Aggregate] struct {
	repo          *Repository
	aggregateType string
	factory       func(id string) A
	executor      func(ctx context.Context, agg A, cmd C) error
	newID         func() string
}

// AggregateHandlerConfig configures an AggregateHandler.
type AggregateHandlerConfig[C AggregateCommand, A Aggregate] struct {
	Repository    *Repository
	AggregateType string
	// Factory creates the aggregate for commands without an aggregate ID
	// and for IDs that have no events yet.
	Factory  func(id string) A
	Executor func(ctx context.Context, agg A, cmd C) error
	// NewID generates IDs for creating commands. Defaults to uuid v4.
	NewID func() string
}

// NewAggregateHandler creates a new AggregateHandler.
func NewAggregateHandler[C AggregateCommand, A Aggregate](config AggregateHandlerConfig[C, A]) *AggregateHandler[C, A] {
	newID := config.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &AggregateHandler[C, A]{
		repo:          config.Repository,
		aggregateType: config.AggregateType,
		factory:       config.Factory,
		executor:      config.Executor,
		newID:         newID,
	}
}

// CommandType returns the command type this handler processes.
func (h *AggregateHandler[C, A]) CommandType() string {
	var zero C
	return zero.CommandType()
}

// Handle loads or creates the aggregate, executes the command and saves it.
// Load and save failures are returned as errors; executor failures are
// returned on the result.
func (h *AggregateHandler[C, A]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typed, ok := cmd.(C)
	if !ok {
		return NewErrorResult(fmt.Errorf("stoat: expected command type %T, got %T", *new(C), cmd)), nil
	}

	var agg A
	if id := typed.AggregateID(); id == "" {
		agg = h.factory(h.newID())
	} else {
		loaded, err := h.repo.Load(ctx, h.aggregateType, id)
		switch {
		case errors.Is(err, ErrAggregateNotFound) && h.factory != nil:
			agg = h.factory(id)
		case err != nil:
			return NewErrorResult(err), err
		default:
			agg, ok = loaded.Aggregate.(A)
			if !ok {
				err := fmt.Errorf("stoat: aggregate %q is %T, not %T", id, loaded.Aggregate, *new(A))
				return NewErrorResult(err), err
			}
		}
	}

	if err := h.executor(ctx, agg, typed); err != nil {
		return NewErrorResult(err), nil
	}

	previous := agg.Version()
	events := append([]DomainEvent(nil), agg.UncommittedEvents()...)
	md := Metadata{
		CorrelationID: CorrelationIDFromContext(ctx),
		CausationID:   CausationIDFromContext(ctx),
		TenantID:      TenantIDFromContext(ctx),
	}
	if err := h.repo.Save(ctx, agg, WithAppendMetadata(md)); err != nil {
		return NewErrorResult(err), err
	}
	for i := range events {
		events[i].AggregateID = agg.AggregateID()
		events[i].AggregateType = agg.AggregateType()
		events[i].Version = previous + int64(i) + 1
		events[i].Metadata = mergeMetadata(events[i].Metadata, md)
	}

	result := NewSuccessResult(agg.AggregateID(), agg.Version())
	result.Events = events
	return result, nil
}

// HandlerRegistry manages command handler registration and lookup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewHandlerRegistry creates a new HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a handler, replacing any handler for the same command type.
func (r *HandlerRegistry) Register(handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.CommandType()] = handler
}

// Get returns the handler for a command type, or nil.
func (r *HandlerRegistry) Get(cmdType string) CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmdType]
}

// Has returns true if a handler is registered for the command type.
func (r *HandlerRegistry) Has(cmdType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[cmdType]
	return ok
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// CommandTypes returns all registered command types, sorted.
func (r *HandlerRegistry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterGenericHandler registers a typed handler function.
func RegisterGenericHandler[C Command](registry *HandlerRegistry, handler func(ctx context.Context, cmd C) (CommandResult, error)) {
	registry.Register(NewGenericHandler(handler))
}
