package stoat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBus_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("routes to the registered handler", func(t *testing.T) {
		bus := NewCommandBus()
		bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
			return NewSuccessResult(cmd.(depositFunds).AccountID, 2), nil
		})

		result, err := bus.Dispatch(ctx, depositFunds{AccountID: "acc-1", Amount: 5})
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Equal(t, "acc-1", result.AggregateID)
		assert.True(t, bus.HasHandler("DepositFunds"))
	})

	t.Run("missing handler", func(t *testing.T) {
		bus := NewCommandBus()
		result, err := bus.Dispatch(ctx, depositFunds{AccountID: "acc-1", Amount: 5})
		assert.ErrorIs(t, err, ErrHandlerNotFound)
		assert.True(t, result.IsError())
	})

	t.Run("nil command", func(t *testing.T) {
		_, err := NewCommandBus().Dispatch(ctx, nil)
		assert.ErrorIs(t, err, ErrNilCommand)
	})

	t.Run("closed bus", func(t *testing.T) {
		bus := NewCommandBus()
		require.NoError(t, bus.Close())
		_, err := bus.Dispatch(ctx, depositFunds{})
		assert.ErrorIs(t, err, ErrCommandBusClosed)
	})

	t.Run("middleware runs in registration order", func(t *testing.T) {
		var order []string
		record := func(name string) Middleware {
			return func(next MiddlewareFunc) MiddlewareFunc {
				return func(ctx context.Context, cmd Command) (CommandResult, error) {
					order = append(order, name+":before")
					result, err := next(ctx, cmd)
					order = append(order, name+":after")
					return result, err
				}
			}
		}

		bus := NewCommandBus(WithMiddleware(record("a")))
		bus.Use(record("b"))
		bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
			order = append(order, "handler")
			return NewSuccessResult("acc-1", 1), nil
		})

		_, err := bus.Dispatch(ctx, depositFunds{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, order)
	})

	t.Run("shared registry", func(t *testing.T) {
		registry := NewHandlerRegistry()
		RegisterGenericHandler(registry, func(ctx context.Context, cmd openAccount) (CommandResult, error) {
			return NewSuccessResult(cmd.AccountID, 1), nil
		})

		bus := NewCommandBus(WithHandlerRegistry(registry))
		result, err := bus.Dispatch(ctx, openAccount{AccountID: "acc-1", Owner: "ada"})
		require.NoError(t, err)
		assert.Equal(t, "acc-1", result.AggregateID)
	})
}

func TestCommandBus_DispatchAsync(t *testing.T) {
	bus := NewCommandBus()
	boom := errors.New("boom")
	bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewErrorResult(boom), boom
	})

	res := <-bus.DispatchAsync(context.Background(), depositFunds{})
	assert.False(t, res.IsSuccess())
	assert.ErrorIs(t, res.Error, boom)

	_, open := <-bus.DispatchAsync(context.Background(), depositFunds{})
	assert.True(t, open)
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next MiddlewareFunc) MiddlewareFunc {
			return func(ctx context.Context, cmd Command) (CommandResult, error) {
				order = append(order, name)
				return next(ctx, cmd)
			}
		}
	}

	chain := ChainMiddleware(tag("first"), tag("second"))(func(ctx context.Context, cmd Command) (CommandResult, error) {
		order = append(order, "handler")
		return NewSuccessResult("", 0), nil
	})
	_, err := chain(context.Background(), depositFunds{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestCommandBus_Stats(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	bus := NewCommandBus(WithBusLogger(logger))

	outcomes := map[string]error{
		"ok":       nil,
		"invalid":  NewValidationError("DepositFunds", "Amount", "must be positive"),
		"conflict": NewConcurrencyError("acc-1", 1, 2),
		"slow":     ErrTimeout,
		"broken":   errors.New("boom"),
	}
	bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
		if err := outcomes[cmd.(depositFunds).AccountID]; err != nil {
			return NewErrorResult(err), nil
		}
		return NewSuccessResult("ok", 1), nil
	})

	for id := range outcomes {
		_, err := bus.Dispatch(ctx, depositFunds{AccountID: id, Amount: 1})
		require.NoError(t, err)
	}
	_, err := bus.Dispatch(ctx, openAccount{AccountID: "acc-1"})
	require.ErrorIs(t, err, ErrHandlerNotFound)

	assert.Equal(t, CommandStats{
		Dispatched: 5,
		Succeeded:  1,
		Failed:     2,
		Invalid:    1,
		Conflicts:  1,
		TimedOut:   1,
	}, bus.Stats())
	assert.Len(t, logger.errors(), 2)
	assert.Len(t, logger.warnings(), 2)
}

func TestCommandBus_Shutdown(t *testing.T) {
	ctx := context.Background()
	bus := NewCommandBus()
	started := make(chan struct{})
	release := make(chan struct{})
	bus.RegisterFunc("DepositFunds", func(ctx context.Context, cmd Command) (CommandResult, error) {
		close(started)
		<-release
		return NewSuccessResult("acc-1", 1), nil
	})

	res := bus.DispatchAsync(ctx, depositFunds{AccountID: "acc-1"})
	<-started
	assert.Equal(t, int64(1), bus.Stats().InFlight)

	t.Run("times out while a command runs", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bus.Shutdown(short), context.DeadlineExceeded)

		_, err := bus.Dispatch(ctx, depositFunds{})
		assert.ErrorIs(t, err, ErrCommandBusClosed)
	})

	close(release)
	require.NoError(t, bus.Shutdown(ctx))
	assert.True(t, (<-res).IsSuccess())
	assert.Zero(t, bus.Stats().InFlight)
}
