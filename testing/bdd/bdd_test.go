package bdd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/testing/testutil"
)

func created(customer string) stoat.DomainEvent {
	return stoat.DomainEvent{EventType: testutil.EventOrderCreated, Payload: map[string]interface{}{"customer_id": customer}}
}

func itemAdded(sku string, qty int64, price float64) stoat.DomainEvent {
	return stoat.DomainEvent{EventType: testutil.EventItemAdded, Payload: map[string]interface{}{"sku": sku, "quantity": qty, "price": price}}
}

func newReconstructor() *stoat.Reconstructor {
	return stoat.NewReconstructor(testutil.NewOrderRegistry())
}

func TestTestFixture(t *testing.T) {
	t.Run("Then matches raised events", func(t *testing.T) {
		Given(t, newReconstructor(), testutil.NewOrder("o-1"), created("cust-1")).
			When(func(o *testutil.Order) error { return o.AddItem("sku-1", 2, 10) }).
			Then(itemAdded("sku-1", 2, 10))
	})

	t.Run("history sets the version", func(t *testing.T) {
		f := Given(t, newReconstructor(), testutil.NewOrder("o-1"), created("c"), itemAdded("sku", 1, 1)).
			When(func(o *testutil.Order) error { return o.Ship("T-1") })

		f.ThenEventTypes(testutil.EventOrderShipped)
		assert.Equal(t, int64(2), f.Aggregate().Version())
		assert.Equal(t, testutil.StatusShipped, f.Aggregate().Status)
	})

	t.Run("ThenError", func(t *testing.T) {
		Given(t, newReconstructor(), testutil.NewOrder("o-1"), created("c")).
			When(func(o *testutil.Order) error { return o.Ship("T-1") }).
			ThenError(testutil.ErrEmptyOrder)
	})

	t.Run("ThenErrorContains", func(t *testing.T) {
		Given(t, newReconstructor(), testutil.NewOrder("o-1")).
			When(func(o *testutil.Order) error { return o.AddItem("sku-9", 1, 1) }).
			ThenErrorContains("sku-9")
	})

	t.Run("ThenNoEvents", func(t *testing.T) {
		Given(t, newReconstructor(), testutil.NewOrder("o-1"), created("c")).
			When(func(o *testutil.Order) error { return nil }).
			ThenNoEvents()
	})
}

func TestTestFixture_Failures(t *testing.T) {
	t.Run("wrong events", func(t *testing.T) {
		mt := testutil.RunWithMockT(func(m *testutil.MockT) {
			Given(m, newReconstructor(), testutil.NewOrder("o-1"), created("c")).
				When(func(o *testutil.Order) error { return o.AddItem("sku-1", 1, 1) }).
				Then(itemAdded("sku-2", 1, 1))
		})
		assert.True(t, mt.Failed())
		assert.False(t, mt.Fataled())
	})

	t.Run("unexpected error", func(t *testing.T) {
		mt := testutil.RunWithMockT(func(m *testutil.MockT) {
			Given(m, newReconstructor(), testutil.NewOrder("o-1"), created("c")).
				When(func(o *testutil.Order) error { return o.Create("c") }).
				ThenNoEvents()
		})
		assert.True(t, mt.Fataled())
		require.NotEmpty(t, mt.Messages())
		assert.Contains(t, mt.Messages()[0], "order already exists")
	})

	t.Run("Then before When", func(t *testing.T) {
		mt := testutil.RunWithMockT(func(m *testutil.MockT) {
			Given(m, newReconstructor(), testutil.NewOrder("o-1")).ThenNoEvents()
		})
		assert.True(t, mt.Fataled())
	})

	t.Run("history with a gap", func(t *testing.T) {
		gap := itemAdded("sku", 1, 1)
		gap.Version = 5
		mt := testutil.RunWithMockT(func(m *testutil.MockT) {
			Given(m, newReconstructor(), testutil.NewOrder("o-1"), created("c"), gap).
				When(func(o *testutil.Order) error { return nil })
		})
		assert.True(t, mt.Fataled())
	})
}

func newCommandStack(t *testing.T) (*stoat.CommandBus, *stoat.TieredEventStore) {
	t.Helper()
	store := stoat.NewTieredEventStore(memory.NewHotStore(), memory.NewWarmStore(), stoat.WithAsyncWarmWrites(false))
	t.Cleanup(func() { _ = store.Close() })
	repo := stoat.NewRepository(store, newReconstructor(), nil)
	bus := stoat.NewCommandBus(stoat.WithMiddleware(stoat.ValidationMiddleware()))
	testutil.RegisterOrderHandlers(bus, repo, func() string { return "o-new" })
	return bus, store
}

func TestCommandTestFixture(t *testing.T) {
	t.Run("creates an aggregate", func(t *testing.T) {
		bus, store := newCommandStack(t)

		GivenCommand(t, bus, store).
			When(testutil.CreateOrder{CustomerID: "cust-1"}).
			ThenSucceeds().
			ThenReturnsAggregateID("o-new").
			ThenReturnsVersion(1).
			ThenProduced(testutil.EventOrderCreated)
	})

	t.Run("acts on existing events", func(t *testing.T) {
		bus, store := newCommandStack(t)

		GivenCommand(t, bus, store).
			WithContext(stoat.WithCorrelationID(context.Background(), "corr-1")).
			WithExistingEvents("o-1", testutil.OrderType, created("c"), itemAdded("sku", 1, 3)).
			When(testutil.ShipOrder{OrderID: "o-1", TrackingNumber: "T-9"}).
			ThenSucceeds().
			ThenReturnsVersion(3).
			ThenProduced(testutil.EventOrderShipped)
	})

	t.Run("ThenFails with executor error", func(t *testing.T) {
		bus, store := newCommandStack(t)

		GivenCommand(t, bus, store).
			WithExistingEvents("o-1", testutil.OrderType, created("c")).
			When(testutil.ShipOrder{OrderID: "o-1"}).
			ThenFails(testutil.ErrEmptyOrder)
	})

	t.Run("ThenFails with validation error", func(t *testing.T) {
		bus, store := newCommandStack(t)

		GivenCommand(t, bus, store).
			When(testutil.CreateOrder{}).
			ThenFails(stoat.ErrValidationFailed)
	})
}
