package stoat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountHandlers(repo *Repository) (*AggregateHandler[openAccount, *testAccount], *AggregateHandler[depositFunds, *testAccount]) {
	open := NewAggregateHandler(AggregateHandlerConfig[openAccount, *testAccount]{
		Repository:    repo,
		AggregateType: "Account",
		Factory:       newTestAccount,
		NewID:         func() string { return "acc-new" },
		Executor: func(ctx context.Context, a *testAccount, cmd openAccount) error {
			if a.Version() > 0 {
				return errors.New("account already open")
			}
			a.Open(cmd.Owner, openedAt)
			return nil
		},
	})
	deposit := NewAggregateHandler(AggregateHandlerConfig[depositFunds, *testAccount]{
		Repository:    repo,
		AggregateType: "Account",
		Executor: func(ctx context.Context, a *testAccount, cmd depositFunds) error {
			a.Deposit(cmd.Amount)
			return nil
		},
	})
	return open, deposit
}

func TestAggregateHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("creates aggregates with a generated id", func(t *testing.T) {
		_, _, repo := newRepositoryFixture(t)
		open, _ := accountHandlers(repo)
		assert.Equal(t, "OpenAccount", open.CommandType())

		result, err := open.Handle(ctx, openAccount{Owner: "ada"})
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
		assert.Equal(t, "acc-new", result.AggregateID)
		assert.Equal(t, int64(1), result.Version)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "AccountOpened", result.Events[0].EventType)
		assert.Equal(t, int64(1), result.Events[0].Version)
		assert.Equal(t, "Account", result.Events[0].AggregateType)
	})

	t.Run("loads, executes and saves", func(t *testing.T) {
		f, _, repo := newRepositoryFixture(t)
		open, deposit := accountHandlers(repo)

		_, err := open.Handle(ctx, openAccount{AccountID: "acc-1", Owner: "ada"})
		require.NoError(t, err)

		cmdCtx := WithCausationID(WithCorrelationID(ctx, "corr-1"), "cmd-1")
		result, err := deposit.Handle(cmdCtx, depositFunds{AccountID: "acc-1", Amount: 25})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Version)
		require.Len(t, result.Events, 1)
		assert.Equal(t, int64(2), result.Events[0].Version)
		assert.Equal(t, "corr-1", result.Events[0].Metadata.CorrelationID)

		stored, err := f.store.Load(ctx, "acc-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "corr-1", stored[0].Metadata.CorrelationID)
		assert.Equal(t, "cmd-1", stored[0].Metadata.CausationID)

		loaded, err := repo.Load(ctx, "Account", "acc-1")
		require.NoError(t, err)
		assert.Equal(t, 25.0, loaded.Aggregate.(*testAccount).balance)
	})

	t.Run("executor failure is a result error", func(t *testing.T) {
		_, _, repo := newRepositoryFixture(t)
		open, _ := accountHandlers(repo)

		_, err := open.Handle(ctx, openAccount{AccountID: "acc-1", Owner: "ada"})
		require.NoError(t, err)

		result, err := open.Handle(ctx, openAccount{AccountID: "acc-1", Owner: "bob"})
		require.NoError(t, err)
		assert.True(t, result.IsError())
		assert.EqualError(t, result.Error, "account already open")
	})

	t.Run("unknown aggregate without factory", func(t *testing.T) {
		_, _, repo := newRepositoryFixture(t)
		_, deposit := accountHandlers(repo)

		result, err := deposit.Handle(ctx, depositFunds{AccountID: "missing", Amount: 1})
		assert.ErrorIs(t, err, ErrAggregateNotFound)
		assert.True(t, result.IsError())
	})

	t.Run("wrong command type", func(t *testing.T) {
		_, _, repo := newRepositoryFixture(t)
		_, deposit := accountHandlers(repo)

		result, err := deposit.Handle(ctx, openAccount{})
		require.NoError(t, err)
		assert.True(t, result.IsError())
	})

	t.Run("through the command pipeline", func(t *testing.T) {
		_, _, repo := newRepositoryFixture(t)
		open, deposit := accountHandlers(repo)

		var dispatched []DomainEvent
		bus := NewCommandBus(WithMiddleware(
			CorrelationIDMiddleware(func() string { return "corr-9" }),
			NewCommandPipeline(WithEventDispatcher(EventDispatcherFunc(func(ctx context.Context, events []DomainEvent) error {
				dispatched = append(dispatched, events...)
				return nil
			}))),
		))
		bus.Register(open)
		bus.Register(deposit)

		_, err := bus.Dispatch(ctx, openAccount{AccountID: "acc-1", Owner: "ada"})
		require.NoError(t, err)
		_, err = bus.Dispatch(ctx, depositFunds{AccountID: "acc-1", Amount: 5})
		require.NoError(t, err)
		_, err = bus.Dispatch(ctx, depositFunds{AccountID: "acc-1"})
		assert.ErrorIs(t, err, ErrValidationFailed)

		require.Len(t, dispatched, 2)
		assert.Equal(t, []string{"AccountOpened", "Deposited"}, []string{dispatched[0].EventType, dispatched[1].EventType})
		assert.Equal(t, "corr-9", dispatched[1].Metadata.CorrelationID)
	})
}

func TestGenericHandler(t *testing.T) {
	h := NewGenericHandler(func(ctx context.Context, cmd depositFunds) (CommandResult, error) {
		return NewSuccessResult(cmd.AccountID, 1), nil
	})
	assert.Equal(t, "DepositFunds", h.CommandType())

	result, err := h.Handle(context.Background(), depositFunds{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Equal(t, "acc-1", result.AggregateID)

	result, err = h.Handle(context.Background(), openAccount{})
	require.NoError(t, err)
	assert.True(t, result.IsError())
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	r.Register(NewCommandHandlerFunc("B", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewSuccessResult("", 0), nil
	}))
	RegisterGenericHandler(r, func(ctx context.Context, cmd openAccount) (CommandResult, error) {
		return NewSuccessResult("", 0), nil
	})

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"B", "OpenAccount"}, r.CommandTypes())
	assert.True(t, r.Has("OpenAccount"))
	assert.Nil(t, r.Get("Missing"))
}
