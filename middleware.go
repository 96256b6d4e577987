package stoat

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Authorizer decides whether a command may run.
type Authorizer interface {
	Authorize(ctx context.Context, cmd Command) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, cmd Command) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// TransactionManager runs fn inside a transaction. A non-nil error from fn
// rolls the transaction back.
type TransactionManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactionFunc adapts a function to TransactionManager.
type TransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// WithinTransaction calls f.
func (f TransactionFunc) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// EventDispatcher publishes events a command has committed.
type EventDispatcher interface {
	DispatchEvents(ctx context.Context, events []DomainEvent) error
}

// EventDispatcherFunc adapts a function to EventDispatcher.
type EventDispatcherFunc func(ctx context.Context, events []DomainEvent) error

// DispatchEvents calls f.
func (f EventDispatcherFunc) DispatchEvents(ctx context.Context, events []DomainEvent) error {
	return f(ctx, events)
}

// PipelineOption configures NewCommandPipeline.
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	logger       Logger
	timeout      time.Duration
	validators   []Validator
	authorizer   Authorizer
	dispatcher   EventDispatcher
	transactions TransactionManager
	retry        *RetryConfig
}

// WithPipelineLogger sets the logger of the logging and dispatch stages.
func WithPipelineLogger(l Logger) PipelineOption {
	return func(c *pipelineConfig) {
		c.logger = orNoop(l)
	}
}

// WithCommandTimeout bounds every command. Zero disables the timeout stage.
func WithCommandTimeout(d time.Duration) PipelineOption {
	return func(c *pipelineConfig) {
		c.timeout = d
	}
}

// WithValidators adds validators that run after the command's own Validate.
func WithValidators(v ...Validator) PipelineOption {
	return func(c *pipelineConfig) {
		c.validators = append(c.validators, v...)
	}
}

// WithAuthorizer enables the authorization stage.
func WithAuthorizer(a Authorizer) PipelineOption {
	return func(c *pipelineConfig) {
		c.authorizer = a
	}
}

// WithEventDispatcher enables the event dispatch stage.
func WithEventDispatcher(d EventDispatcher) PipelineOption {
	return func(c *pipelineConfig) {
		c.dispatcher = d
	}
}

// WithTransactionManager enables the transaction stage.
func WithTransactionManager(tm TransactionManager) PipelineOption {
	return func(c *pipelineConfig) {
		c.transactions = tm
	}
}

// WithPipelineRetry retries the transaction and handler stages. Events are
// dispatched once, for the attempt that succeeded.
func WithPipelineRetry(config RetryConfig) PipelineOption {
	return func(c *pipelineConfig) {
		c.retry = &config
	}
}

// DefaultCommandTimeout bounds commands when no timeout is configured.
const DefaultCommandTimeout = 30 * time.Second

// NewCommandPipeline returns the fixed command chain:
// logging, timeout, validation, authorization, event dispatch, retry,
// transaction, recovery and then the handler. Stages without a configured
// collaborator are left out.
func NewCommandPipeline(opts ...PipelineOption) Middleware {
	cfg := pipelineConfig{
		logger:  &noopLogger{},
		timeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	chain := []Middleware{NewLoggingMiddleware(cfg.logger).Middleware()}
	if cfg.timeout > 0 {
		chain = append(chain, TimeoutMiddleware(cfg.timeout))
	}
	chain = append(chain, ValidationMiddleware(cfg.validators...))
	if cfg.authorizer != nil {
		chain = append(chain, AuthorizationMiddleware(cfg.authorizer))
	}
	if cfg.dispatcher != nil {
		chain = append(chain, EventDispatchMiddleware(cfg.dispatcher, cfg.logger))
	}
	if cfg.retry != nil {
		chain = append(chain, RetryMiddleware(*cfg.retry))
	}
	if cfg.transactions != nil {
		chain = append(chain, TransactionMiddleware(cfg.transactions))
	}
	chain = append(chain, RecoveryMiddleware())
	return ChainMiddleware(chain...)
}

// ValidationMiddleware calls cmd.Validate and then each validator. The
// first failure stops the command.
func ValidationMiddleware(validators ...Validator) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := validateCommand(cmd, validators); err != nil {
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

func validateCommand(cmd Command, validators []Validator) error {
	check := func(err error) error {
		if err == nil || errors.Is(err, ErrValidationFailed) {
			return err
		}
		return &ValidationError{CommandType: cmd.CommandType(), Message: err.Error(), Cause: err}
	}
	if err := check(cmd.Validate()); err != nil {
		return err
	}
	for _, v := range validators {
		if err := check(v.Validate(cmd)); err != nil {
			return err
		}
	}
	return nil
}

// AuthorizationMiddleware rejects commands the authorizer refuses. Errors
// that are not already authorization errors are wrapped in one.
func AuthorizationMiddleware(a Authorizer) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := a.Authorize(ctx, cmd); err != nil {
				if !errors.Is(err, ErrUnauthorized) {
					err = NewAuthorizationError(cmd.CommandType(), err.Error())
				}
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// TransactionMiddleware runs the rest of the chain in a transaction. A
// failed result rolls it back; a failed commit fails the command.
func TransactionMiddleware(tm TransactionManager) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var (
				result     CommandResult
				handlerErr error
				ran        bool
			)
			txErr := tm.WithinTransaction(ctx, func(ctx context.Context) error {
				ran = true
				result, handlerErr = next(ctx, cmd)
				return resultError(result, handlerErr)
			})
			if ran && (handlerErr != nil || result.IsError()) {
				return result, handlerErr
			}
			if txErr != nil {
				return NewErrorResult(txErr), txErr
			}
			return result, nil
		}
	}
}

// EventDispatchMiddleware publishes the events of successful commands after
// the inner chain returns. The events are already committed, so a dispatch
// failure is logged and does not fail the command.
func EventDispatchMiddleware(d EventDispatcher, logger Logger) Middleware {
	logger = orNoop(logger)
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			result, err := next(ctx, cmd)
			if err != nil || !result.IsSuccess() || len(result.Events) == 0 {
				return result, err
			}
			if dErr := d.DispatchEvents(ctx, result.Events); dErr != nil {
				logger.Error("Event dispatch failed",
					"type", cmd.CommandType(),
					"aggregate_id", result.AggregateID,
					"events", len(result.Events),
					"error", dErr,
				)
			}
			return result, nil
		}
	}
}

// RecoveryMiddleware turns handler panics into PanicError results.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					var commandData string
					if data, jsonErr := json.Marshal(cmd); jsonErr == nil {
						commandData = string(data)
					}
					panicErr := NewPanicError(cmd.CommandType(), r, string(debug.Stack()), commandData)
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: orNoop(logger)}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			m.logger.Debug("Dispatching command", "type", cmd.CommandType())

			result, err := next(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err != nil:
				m.logger.Error("Command failed",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", err,
				)
			case result.IsError():
				m.logger.Warn("Command returned error result",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", result.Error,
				)
			default:
				m.logger.Info("Command completed",
					"type", cmd.CommandType(),
					"duration", duration,
					"aggregate_id", result.AggregateID,
					"version", result.Version,
				)
			}
			return result, err
		}
	}
}

// TimeoutMiddleware fails commands that run longer than timeout with a
// TimeoutError. The call is not retried. The handler keeps its cancelled
// context and its late result is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			result, err := runWithTimeout(ctx, timeout, "command "+cmd.CommandType(), func(ctx context.Context) (CommandResult, error) {
				return next(ctx, cmd)
			})
			if err != nil && errors.Is(err, ErrTimeout) {
				return NewErrorResult(err), err
			}
			return result, err
		}
	}
}

type timed[T any] struct {
	value T
	err   error
}

// runWithTimeout runs fn on its own goroutine and stops waiting once the
// timeout elapses. Cancellation of the parent context is returned as is.
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan timed[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- timed[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			var zero T
			return zero, NewTimeoutError(operation, timeout)
		}
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, NewTimeoutError(operation, timeout)
		}
		return zero, ctx.Err()
	}
}

// RetryMiddleware retries failed commands with exponential backoff.
// Validation, authorization and timeout failures are never retried.
func RetryMiddleware(config RetryConfig) Middleware {
	shouldRetry := config.ShouldRetry
	config.ShouldRetry = func(err error) bool {
		if isPermanent(err) {
			return false
		}
		return shouldRetry == nil || shouldRetry(err)
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var (
				result CommandResult
				err    error
			)
			retryErr := config.retry(ctx, func(int) error {
				result, err = next(ctx, cmd)
				return resultError(result, err)
			})
			if retryErr != nil && ctx.Err() != nil && errors.Is(retryErr, ctx.Err()) {
				return NewErrorResult(retryErr), retryErr
			}
			return result, err
		}
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrHandlerPanicked) ||
		errors.Is(err, context.Canceled)
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDMiddleware puts a correlation ID in the context, taken from
// the command or generated. The default generator is uuid v4.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = uuid.NewString
	}
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}
			var id string
			if c, ok := cmd.(interface{ GetCorrelationID() string }); ok {
				id = c.GetCorrelationID()
			}
			if id == "" {
				id = generator()
			}
			return next(WithCorrelationID(ctx, id), cmd)
		}
	}
}

type causationIDKey struct{}

// CausationIDFromContext returns the causation ID from context.
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context with the causation ID set.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, id)
}

// CausationIDMiddleware puts the command's causation ID, or its command ID,
// in the context so the events it raises point back at it.
func CausationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CausationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}
			var id string
			if c, ok := cmd.(interface{ GetCausationID() string }); ok {
				id = c.GetCausationID()
			}
			if id == "" {
				if c, ok := cmd.(interface{ GetCommandID() string }); ok {
					id = c.GetCommandID()
				}
			}
			if id != "" {
				ctx = WithCausationID(ctx, id)
			}
			return next(ctx, cmd)
		}
	}
}

type tenantIDKey struct{}

// TenantIDFromContext returns the tenant ID from context.
func TenantIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantMiddleware extracts the tenant ID from the command into the context.
// When required, commands without one fail validation.
func TenantMiddleware(extractor func(Command) string, required bool) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if TenantIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}
			tenantID := ""
			if extractor != nil {
				tenantID = extractor(cmd)
			}
			if tenantID == "" && required {
				err := NewValidationError(cmd.CommandType(), "tenantId", "tenant ID is required")
				return NewErrorResult(err), err
			}
			if tenantID != "" {
				ctx = WithTenantID(ctx, tenantID)
			}
			return next(ctx, cmd)
		}
	}
}

// CommandTypeMiddleware applies middleware only to the given command types.
func CommandTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	return func(next MiddlewareFunc) MiddlewareFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if _, ok := typeSet[cmd.CommandType()]; ok {
				return wrapped(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}
