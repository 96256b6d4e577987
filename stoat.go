// Package stoat provides a tiered event store, aggregate reconstruction and a
// multi-tier query cache for event-sourced Go applications.
//
// Events are appended per aggregate with strict ordering, written to a fast
// hot tier and a durable warm tier, and replayed into aggregates from the
// nearest snapshot. Read models are fronted by an L1/L2/L3 cache with tag
// based invalidation.
//
// # Quick Start
//
// Create a tiered store from in-memory backends for development:
//
//	import (
//	    "github.com/AshkanYarmoradi/go-stoat"
//	    "github.com/AshkanYarmoradi/go-stoat/adapters/memory"
//	)
//
//	store := stoat.NewTieredEventStore(memory.NewHotStore(), memory.NewWarmStore())
//	defer store.Close()
//
// For production, use Redis for the hot tier and PostgreSQL for the warm tier:
//
//	hot := redis.NewHotStore(redisClient)
//	warm, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := stoat.NewTieredEventStore(hot, warm,
//	    stoat.WithSequencer(stoat.NewEventSequencer(redis.NewSequenceCounter(redisClient))),
//	)
//
// # Appending Events
//
//	err := store.Append(ctx, "account-1", []stoat.DomainEvent{
//	    {EventType: "AccountOpened", Payload: map[string]interface{}{"owner": "ada"}},
//	}, stoat.ExpectVersion(stoat.NoStream), stoat.WithAggregateType("Account"))
//
// Version constants:
//   - AnyVersion (-1): Skip version check
//   - NoStream (0): Aggregate must not exist
//   - StreamExists (-2): Aggregate must exist
//
// # Aggregates
//
// Aggregates are rebuilt through an explicit registry of event handlers:
//
//	registry := stoat.NewAggregateRegistry()
//	stoat.RegisterAggregate(registry, "Account", NewAccount).
//	    On("AccountOpened", (*Account).applyOpened).
//	    On("MoneyDeposited", (*Account).applyDeposited)
//
//	repo := stoat.NewRepository(store, stoat.NewReconstructor(registry), snapshots)
//	result, err := repo.Load(ctx, "Account", "account-1")
//
// # Caching Queries
//
//	cache, err := stoat.NewCacheManager(l1, l2, l3)
//	queries := stoat.NewQueryBus(stoat.WithQueryCache(cache))
//	stoat.RegisterQueryHandler(queries, handleGetBalance)
//	balance, err := stoat.Ask[Balance](ctx, queries, GetBalance{AccountID: "account-1"})
package stoat

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}
