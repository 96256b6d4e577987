package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvents(aggregateID string, from, count int) []adapters.DomainEvent {
	events := make([]adapters.DomainEvent, count)
	for i := 0; i < count; i++ {
		v := int64(from + i)
		events[i] = adapters.DomainEvent{
			EventID:       fmt.Sprintf("%s-%d", aggregateID, v),
			AggregateID:   aggregateID,
			AggregateType: "Order",
			EventType:     "ItemAdded",
			SchemaVersion: 1,
			Payload:       map[string]interface{}{"n": v},
			Version:       v,
		}
	}
	return events
}

func TestWarmStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new aggregate", func(t *testing.T) {
		store := NewWarmStore()

		err := store.Append(ctx, "order-1", makeEvents("order-1", 1, 3), NoStream)

		require.NoError(t, err)
		version, err := store.GetVersion(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)

		events, err := store.Load(ctx, "order-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(1), events[0].GlobalSequence)
		assert.Equal(t, uint64(3), events[2].GlobalSequence)
	})

	t.Run("stale expected version leaves state unchanged", func(t *testing.T) {
		store := NewWarmStore()
		require.NoError(t, store.Append(ctx, "order-1", makeEvents("order-1", 1, 2), NoStream))

		err := store.Append(ctx, "order-1", makeEvents("order-1", 3, 1), 1)

		var concErr *adapters.ConcurrencyError
		require.ErrorAs(t, err, &concErr)
		assert.Equal(t, int64(1), concErr.ExpectedVersion)
		assert.Equal(t, int64(2), concErr.ActualVersion)
		assert.Equal(t, 2, store.EventCount())
	})

	t.Run("redelivered batch is a no-op", func(t *testing.T) {
		store := NewWarmStore()
		batch := makeEvents("order-1", 1, 3)
		require.NoError(t, store.Append(ctx, "order-1", batch, AnyVersion))

		err := store.Append(ctx, "order-1", batch, AnyVersion)

		require.NoError(t, err)
		assert.Equal(t, 3, store.EventCount())
	})

	t.Run("partially persisted batch appends the remainder", func(t *testing.T) {
		store := NewWarmStore()
		batch := makeEvents("order-1", 1, 4)
		require.NoError(t, store.Append(ctx, "order-1", batch[:2], AnyVersion))

		require.NoError(t, store.Append(ctx, "order-1", batch, AnyVersion))

		assert.Equal(t, 4, store.EventCount())
	})

	t.Run("different event at a stored version conflicts", func(t *testing.T) {
		store := NewWarmStore()
		require.NoError(t, store.Append(ctx, "order-1", makeEvents("order-1", 1, 1), AnyVersion))

		other := makeEvents("order-1", 1, 1)
		other[0].EventID = "other"
		err := store.Append(ctx, "order-1", other, AnyVersion)

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("gap is rejected", func(t *testing.T) {
		store := NewWarmStore()

		err := store.Append(ctx, "order-1", makeEvents("order-1", 2, 1), AnyVersion)

		assert.ErrorIs(t, err, adapters.ErrEventOrdering)
	})

	t.Run("validation errors", func(t *testing.T) {
		store := NewWarmStore()

		assert.ErrorIs(t, store.Append(ctx, "", makeEvents("x", 1, 1), AnyVersion), ErrEmptyAggregateID)
		assert.ErrorIs(t, store.Append(ctx, "x", nil, AnyVersion), ErrNoEvents)
	})

	t.Run("unavailable backend", func(t *testing.T) {
		store := NewWarmStore()
		store.SetUnavailable(true)

		err := store.Append(ctx, "order-1", makeEvents("order-1", 1, 1), AnyVersion)

		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("closed adapter", func(t *testing.T) {
		store := NewWarmStore()
		require.NoError(t, store.Close())

		err := store.Append(ctx, "order-1", makeEvents("order-1", 1, 1), AnyVersion)

		assert.ErrorIs(t, err, ErrAdapterClosed)
	})

	t.Run("concurrent writers with the same expected version", func(t *testing.T) {
		store := NewWarmStore()
		require.NoError(t, store.Append(ctx, "order-1", makeEvents("order-1", 1, 3), NoStream))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				batch := makeEvents("order-1", 4, 1)
				batch[0].EventID = fmt.Sprintf("writer-%d", i)
				errs[i] = store.Append(ctx, "order-1", batch, 3)
			}(i)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.True(t, errors.Is(err, ErrConcurrencyConflict))
				failures++
			}
		}
		assert.Equal(t, 1, failures)
	})
}

func TestWarmStore_Load(t *testing.T) {
	ctx := context.Background()
	store := NewWarmStore()
	require.NoError(t, store.Append(ctx, "order-1", makeEvents("order-1", 1, 5), NoStream))

	t.Run("version range", func(t *testing.T) {
		events, err := store.Load(ctx, "order-1", 2, 4)

		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, int64(2), events[0].Version)
		assert.Equal(t, int64(4), events[2].Version)
	})

	t.Run("missing aggregate returns empty", func(t *testing.T) {
		events, err := store.Load(ctx, "missing", 1, 0)

		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("returned events are copies", func(t *testing.T) {
		events, err := store.Load(ctx, "order-1", 1, 1)
		require.NoError(t, err)
		events[0].Payload["n"] = "mutated"

		again, err := store.Load(ctx, "order-1", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), again[0].Payload["n"])
	})
}

func TestWarmStore_Batch(t *testing.T) {
	ctx := context.Background()
	store := NewWarmStore()
	require.NoError(t, store.Append(ctx, "a", makeEvents("a", 1, 2), NoStream))
	require.NoError(t, store.Append(ctx, "b", makeEvents("b", 1, 1), NoStream))

	before := store.Calls().Batch

	logs, err := store.LoadBatch(ctx, []string{"a", "b", "c", "a"})
	require.NoError(t, err)
	versions, err := store.GetVersionsBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	exists, err := store.ExistsBatch(ctx, []string{"a", "c"})
	require.NoError(t, err)

	assert.Len(t, logs, 2)
	assert.Len(t, logs["a"], 2)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1, "c": 0}, versions)
	assert.Equal(t, map[string]bool{"a": true, "c": false}, exists)
	assert.Equal(t, before+3, store.Calls().Batch)
	assert.Equal(t, int64(0), store.Calls().Load)
}

func TestWarmStore_GlobalQueries(t *testing.T) {
	ctx := context.Background()
	store := NewWarmStore()

	created := makeEvents("a", 1, 1)
	created[0].EventType = "OrderCreated"
	require.NoError(t, store.Append(ctx, "a", created, NoStream))
	require.NoError(t, store.Append(ctx, "b", makeEvents("b", 1, 2), NoStream))

	t.Run("load by event type", func(t *testing.T) {
		events, err := store.LoadByEventType(ctx, "ItemAdded", 0, 10)

		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "b", events[0].AggregateID)
	})

	t.Run("load from global sequence", func(t *testing.T) {
		events, err := store.LoadFromGlobalSequence(ctx, 1, 1)

		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(2), events[0].GlobalSequence)
	})
}

func TestWarmStore_Latency(t *testing.T) {
	store := NewWarmStore(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := store.Append(ctx, "a", makeEvents("a", 1, 1), NoStream)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, store.EventCount())
}
