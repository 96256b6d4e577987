package stoat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipelineRecorder records the stages a command passes through.
type pipelineRecorder struct {
	mu     sync.Mutex
	steps  []string
	events []DomainEvent

	authErr     error
	commitErr   error
	dispatchErr error
}

func (r *pipelineRecorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *pipelineRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *pipelineRecorder) options(logger Logger) []PipelineOption {
	return []PipelineOption{
		WithPipelineLogger(logger),
		WithValidators(ValidatorFunc(func(cmd Command) error {
			r.add("validate")
			return nil
		})),
		WithAuthorizer(AuthorizerFunc(func(ctx context.Context, cmd Command) error {
			r.add("authorize")
			return r.authErr
		})),
		WithTransactionManager(TransactionFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
			r.add("begin")
			if err := fn(ctx); err != nil {
				r.add("rollback")
				return err
			}
			r.add("commit")
			return r.commitErr
		})),
		WithEventDispatcher(EventDispatcherFunc(func(ctx context.Context, events []DomainEvent) error {
			r.add("dispatch")
			r.mu.Lock()
			r.events = append(r.events, events...)
			r.mu.Unlock()
			return r.dispatchErr
		})),
	}
}

func pipelineBus(rec *pipelineRecorder, logger Logger, handler MiddlewareFunc, opts ...PipelineOption) *CommandBus {
	bus := NewCommandBus(WithMiddleware(NewCommandPipeline(append(rec.options(logger), opts...)...)))
	bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
		rec.add("handler")
		return handler(ctx, cmd)
	})
	return bus
}

func depositEvents(ctx context.Context, cmd Command) (CommandResult, error) {
	result := NewSuccessResult("acc-1", 2)
	result.Events = []DomainEvent{{AggregateID: "acc-1", EventType: "Deposited", Version: 2}}
	return result, nil
}

func TestCommandPipeline(t *testing.T) {
	ctx := context.Background()
	valid := depositFunds{AccountID: "acc-1", Amount: 10}

	t.Run("stages run in order", func(t *testing.T) {
		rec := &pipelineRecorder{}
		logger := newTestLogger()
		bus := pipelineBus(rec, logger, depositEvents)

		result, err := bus.Dispatch(ctx, valid)
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Equal(t, []string{"validate", "authorize", "begin", "handler", "commit", "dispatch"}, rec.recorded())
		assert.Len(t, rec.events, 1)
		assert.Contains(t, logger.infos(), "Command completed")
	})

	t.Run("invalid command stops before authorization", func(t *testing.T) {
		rec := &pipelineRecorder{}
		logger := newTestLogger()
		bus := pipelineBus(rec, logger, depositEvents)

		_, err := bus.Dispatch(ctx, depositFunds{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidationFailed)

		var multi *MultiValidationError
		require.ErrorAs(t, err, &multi)
		assert.Len(t, multi.Errors, 2)
		assert.Empty(t, rec.recorded(), "own Validate runs before extra validators")
		assert.Contains(t, logger.errors(), "Command failed")
	})

	t.Run("plain validator errors become validation errors", func(t *testing.T) {
		rec := &pipelineRecorder{}
		bus := pipelineBus(rec, nil, depositEvents, WithValidators(ValidatorFunc(func(Command) error {
			return errors.New("account is closed")
		})))

		_, err := bus.Dispatch(ctx, valid)
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.Contains(t, err.Error(), "account is closed")
		assert.NotContains(t, rec.recorded(), "authorize")
	})

	t.Run("unauthorized command never reaches the handler", func(t *testing.T) {
		rec := &pipelineRecorder{authErr: errors.New("not the owner")}
		bus := pipelineBus(rec, nil, depositEvents)

		_, err := bus.Dispatch(ctx, valid)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnauthorized)

		var authErr *AuthorizationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "DepositFunds", authErr.CommandType)
		assert.Equal(t, "not the owner", authErr.Reason)
		assert.Equal(t, []string{"validate", "authorize"}, rec.recorded())
	})

	t.Run("failed handler rolls back and dispatches nothing", func(t *testing.T) {
		rec := &pipelineRecorder{}
		bus := pipelineBus(rec, nil, func(ctx context.Context, cmd Command) (CommandResult, error) {
			return NewErrorResult(ErrConcurrencyConflict), nil
		})

		result, err := bus.Dispatch(ctx, valid)
		require.NoError(t, err)
		assert.ErrorIs(t, result.Error, ErrConcurrencyConflict)
		assert.Equal(t, []string{"validate", "authorize", "begin", "handler", "rollback"}, rec.recorded())
	})

	t.Run("failed commit fails the command", func(t *testing.T) {
		commitErr := errors.New("serialization failure")
		rec := &pipelineRecorder{commitErr: commitErr}
		bus := pipelineBus(rec, nil, depositEvents)

		result, err := bus.Dispatch(ctx, valid)
		assert.ErrorIs(t, err, commitErr)
		assert.True(t, result.IsError())
		assert.NotContains(t, rec.recorded(), "dispatch")
	})

	t.Run("dispatch failure is logged and the command succeeds", func(t *testing.T) {
		rec := &pipelineRecorder{dispatchErr: errors.New("broker down")}
		logger := newTestLogger()
		bus := pipelineBus(rec, logger, depositEvents)

		result, err := bus.Dispatch(ctx, valid)
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Contains(t, logger.errors(), "Event dispatch failed")
	})

	t.Run("timeout", func(t *testing.T) {
		rec := &pipelineRecorder{}
		bus := pipelineBus(rec, nil, func(ctx context.Context, cmd Command) (CommandResult, error) {
			<-ctx.Done()
			return NewErrorResult(ctx.Err()), ctx.Err()
		}, WithCommandTimeout(20*time.Millisecond))

		start := time.Now()
		_, err := bus.Dispatch(ctx, valid)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("handler ignoring its context still times out", func(t *testing.T) {
		rec := &pipelineRecorder{}
		release := make(chan struct{})
		defer close(release)
		bus := pipelineBus(rec, nil, func(ctx context.Context, cmd Command) (CommandResult, error) {
			<-release
			return NewSuccessResult("acc-1", 2), nil
		}, WithCommandTimeout(10*time.Millisecond))

		_, err := bus.Dispatch(ctx, valid)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("panics are recovered", func(t *testing.T) {
		rec := &pipelineRecorder{}
		bus := pipelineBus(rec, nil, func(ctx context.Context, cmd Command) (CommandResult, error) {
			panic("ledger corrupted")
		})

		result, err := bus.Dispatch(ctx, valid)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandlerPanicked)
		assert.True(t, result.IsError())

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "ledger corrupted", panicErr.Value)
		assert.Contains(t, panicErr.CommandData, `"AccountID":"acc-1"`)
		assert.NotEmpty(t, panicErr.Stack)
		assert.Contains(t, rec.recorded(), "rollback")
	})

	t.Run("retry dispatches events once", func(t *testing.T) {
		rec := &pipelineRecorder{}
		var attempts atomic.Int32
		bus := pipelineBus(rec, nil, func(ctx context.Context, cmd Command) (CommandResult, error) {
			if attempts.Add(1) < 3 {
				return NewErrorResult(ErrConcurrencyConflict), ErrConcurrencyConflict
			}
			return depositEvents(ctx, cmd)
		}, WithPipelineRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}))

		result, err := bus.Dispatch(ctx, valid)
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Equal(t, int32(3), attempts.Load())
		assert.Equal(t, 3, countSteps(rec.recorded(), "begin"), "each attempt gets its own transaction")
		assert.Equal(t, 1, countSteps(rec.recorded(), "dispatch"))
	})
}

func countSteps(steps []string, step string) int {
	n := 0
	for _, s := range steps {
		if s == step {
			n++
		}
	}
	return n
}

func TestRetryMiddleware(t *testing.T) {
	ctx := context.Background()
	fast := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	run := func(cfg RetryConfig, handler func(attempt int32) (CommandResult, error)) (CommandResult, error, int32) {
		var attempts atomic.Int32
		chain := RetryMiddleware(cfg)(func(ctx context.Context, cmd Command) (CommandResult, error) {
			return handler(attempts.Add(1))
		})
		result, err := chain(ctx, depositFunds{})
		return result, err, attempts.Load()
	}

	t.Run("gives up after max attempts", func(t *testing.T) {
		_, err, attempts := run(fast, func(int32) (CommandResult, error) {
			return NewErrorResult(ErrBackendUnavailable), ErrBackendUnavailable
		})
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, int32(4), attempts)
	})

	t.Run("error results are retried", func(t *testing.T) {
		result, err, attempts := run(fast, func(n int32) (CommandResult, error) {
			if n == 1 {
				return NewErrorResult(ErrConcurrencyConflict), nil
			}
			return NewSuccessResult("acc-1", 1), nil
		})
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Equal(t, int32(2), attempts)
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		for _, permanent := range []error{
			NewValidationError("DepositFunds", "Amount", "must be positive"),
			NewAuthorizationError("DepositFunds", "denied"),
			NewTimeoutError("command DepositFunds", time.Second),
		} {
			_, err, attempts := run(fast, func(int32) (CommandResult, error) {
				return NewErrorResult(permanent), permanent
			})
			assert.ErrorIs(t, err, permanent)
			assert.Equal(t, int32(1), attempts, "%v", permanent)
		}
	})

	t.Run("ShouldRetry narrows retries", func(t *testing.T) {
		cfg := fast
		cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
		_, _, attempts := run(cfg, func(int32) (CommandResult, error) {
			return NewErrorResult(ErrBackendUnavailable), ErrBackendUnavailable
		})
		assert.Equal(t, int32(1), attempts)
	})

	t.Run("cancelled context stops the backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		chain := RetryMiddleware(RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour})(func(ctx context.Context, cmd Command) (CommandResult, error) {
			cancel()
			return NewErrorResult(ErrBackendUnavailable), ErrBackendUnavailable
		})
		_, err := chain(ctx, depositFunds{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestContextMiddleware(t *testing.T) {
	ctx := context.Background()
	capture := func(into *context.Context) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			*into = ctx
			return NewSuccessResult("", 0), nil
		}
	}

	t.Run("correlation id from command or generator", func(t *testing.T) {
		var got context.Context
		mw := CorrelationIDMiddleware(func() string { return "generated" })

		_, err := mw(capture(&got))(ctx, depositFunds{CommandBase: CommandBase{CorrelationID: "corr-1"}})
		require.NoError(t, err)
		assert.Equal(t, "corr-1", CorrelationIDFromContext(got))

		_, err = mw(capture(&got))(ctx, depositFunds{})
		require.NoError(t, err)
		assert.Equal(t, "generated", CorrelationIDFromContext(got))

		_, err = mw(capture(&got))(WithCorrelationID(ctx, "outer"), depositFunds{CommandBase: CommandBase{CorrelationID: "corr-1"}})
		require.NoError(t, err)
		assert.Equal(t, "outer", CorrelationIDFromContext(got))
	})

	t.Run("default correlation ids are unique", func(t *testing.T) {
		var first, second context.Context
		mw := CorrelationIDMiddleware(nil)
		_, _ = mw(capture(&first))(ctx, depositFunds{})
		_, _ = mw(capture(&second))(ctx, depositFunds{})
		assert.NotEmpty(t, CorrelationIDFromContext(first))
		assert.NotEqual(t, CorrelationIDFromContext(first), CorrelationIDFromContext(second))
	})

	t.Run("causation id falls back to command id", func(t *testing.T) {
		var got context.Context
		_, err := CausationIDMiddleware()(capture(&got))(ctx, depositFunds{CommandBase: CommandBase{CommandID: "cmd-7"}})
		require.NoError(t, err)
		assert.Equal(t, "cmd-7", CausationIDFromContext(got))
	})

	t.Run("tenant", func(t *testing.T) {
		var got context.Context
		extract := func(cmd Command) string {
			if c, ok := cmd.(depositFunds); ok {
				return c.GetMetadata("tenant")
			}
			return ""
		}

		_, err := TenantMiddleware(extract, true)(capture(&got))(ctx, depositFunds{CommandBase: CommandBase{Metadata: map[string]string{"tenant": "t-1"}}})
		require.NoError(t, err)
		assert.Equal(t, "t-1", TenantIDFromContext(got))

		_, err = TenantMiddleware(extract, true)(capture(&got))(ctx, depositFunds{})
		assert.ErrorIs(t, err, ErrValidationFailed)

		_, err = TenantMiddleware(extract, false)(capture(&got))(ctx, depositFunds{})
		assert.NoError(t, err)
	})
}

func TestCommandTypeMiddleware(t *testing.T) {
	var wrapped []string
	mw := CommandTypeMiddleware([]string{"DepositFunds"}, func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			wrapped = append(wrapped, cmd.CommandType())
			return next(ctx, cmd)
		}
	})
	chain := mw(func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewSuccessResult("", 0), nil
	})

	_, _ = chain(context.Background(), depositFunds{})
	_, _ = chain(context.Background(), openAccount{})
	assert.Equal(t, []string{"DepositFunds"}, wrapped)
}
