package stoat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CommandStats counts command outcomes. A dispatch that returns an error or
// an error result is counted once, under the most specific outcome.
type CommandStats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Invalid    int64 `json:"invalid"`
	Conflicts  int64 `json:"conflicts"`
	TimedOut   int64 `json:"timed_out"`
	InFlight   int64 `json:"in_flight"`
}

// CommandBus routes commands to their handlers through a middleware chain
// and keeps per-outcome counters for the commands it has run.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	logger     Logger

	mu     sync.RWMutex
	closed bool

	inFlight   atomic.Int64
	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	invalid    atomic.Int64
	conflicts  atomic.Int64
	timedOut   atomic.Int64
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the command bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithHandlerRegistry sets a custom handler registry.
func WithHandlerRegistry(registry *HandlerRegistry) CommandBusOption {
	return func(b *CommandBus) {
		b.registry = registry
	}
}

// WithBusLogger sets the logger used for rejected and failed commands.
func WithBusLogger(l Logger) CommandBusOption {
	return func(b *CommandBus) {
		b.logger = orNoop(l)
	}
}

// NewCommandBus creates a command bus.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry: NewHandlerRegistry(),
		logger:   &noopLogger{},
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Register adds a handler to the command bus.
func (b *CommandBus) Register(handler CommandHandler) {
	b.registry.Register(handler)
}

// RegisterFunc registers a handler function for a command type.
func (b *CommandBus) RegisterFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) {
	b.Register(NewCommandHandlerFunc(cmdType, fn))
}

// Use appends middleware. Middleware runs in the order it was added.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Dispatch sends a command through the middleware chain to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}
	b.inFlight.Add(1)
	middleware := b.middleware[:len(b.middleware):len(b.middleware)]
	b.mu.RUnlock()
	defer b.inFlight.Add(-1)

	handler := b.registry.Get(cmd.CommandType())
	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		b.logger.Warn("No handler for command", "type", cmd.CommandType())
		return NewErrorResult(err), err
	}

	b.dispatched.Add(1)
	result, err := ChainMiddleware(middleware...)(handler.Handle)(ctx, cmd)
	b.record(cmd, result, err)
	return result, err
}

func (b *CommandBus) record(cmd Command, result CommandResult, err error) {
	err = resultError(result, err)
	switch {
	case err == nil:
		b.succeeded.Add(1)
	case errors.Is(err, ErrValidationFailed):
		b.invalid.Add(1)
	case errors.Is(err, ErrConcurrencyConflict):
		b.conflicts.Add(1)
		b.logger.Warn("Command lost a concurrent write", "type", cmd.CommandType(), "error", err)
	case errors.Is(err, ErrTimeout):
		b.timedOut.Add(1)
		b.failed.Add(1)
		b.logger.Error("Command timed out", "type", cmd.CommandType(), "error", err)
	default:
		b.failed.Add(1)
		b.logger.Error("Command failed", "type", cmd.CommandType(), "error", err)
	}
}

// DispatchAsync dispatches on a new goroutine. The channel receives exactly
// one result and is then closed.
func (b *CommandBus) DispatchAsync(ctx context.Context, cmd Command) <-chan DispatchResult {
	resultCh := make(chan DispatchResult, 1)
	go func() {
		defer close(resultCh)
		result, err := b.Dispatch(ctx, cmd)
		resultCh <- DispatchResult{CommandResult: result, Error: err}
	}()
	return resultCh
}

// HasHandler returns true if a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	return b.registry.Has(cmdType)
}

// Stats returns command counters.
func (b *CommandBus) Stats() CommandStats {
	return CommandStats{
		Dispatched: b.dispatched.Load(),
		Succeeded:  b.succeeded.Load(),
		Failed:     b.failed.Load(),
		Invalid:    b.invalid.Load(),
		Conflicts:  b.conflicts.Load(),
		TimedOut:   b.timedOut.Load(),
		InFlight:   b.inFlight.Load(),
	}
}

// Close stops the bus from accepting commands. Running commands continue.
func (b *CommandBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Shutdown closes the bus and waits until running commands finish or ctx is done.
func (b *CommandBus) Shutdown(ctx context.Context) error {
	_ = b.Close()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.inFlight.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DispatchResult is the outcome of DispatchAsync.
type DispatchResult struct {
	CommandResult
	Error error
}

// IsSuccess returns true if the dispatch was successful.
func (r DispatchResult) IsSuccess() bool {
	return r.Error == nil && r.CommandResult.IsSuccess()
}

// MiddlewareFunc is the function signature for command middleware.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a handler function with additional functionality.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware composes middleware so the first one is outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}
