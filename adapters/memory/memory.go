// Package memory provides in-memory implementations of the backend contracts.
// These adapters are primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Version constants for optimistic concurrency control.
// These are re-exported from the adapters package for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Ensure WarmStore implements all required interfaces.
var (
	_ adapters.WarmStore     = (*WarmStore)(nil)
	_ adapters.StatsReporter = (*WarmStore)(nil)
)

// CallCounts records how many backend round trips each operation made.
type CallCounts struct {
	Append     int64
	Load       int64
	GetVersion int64
	Exists     int64
	Batch      int64
	Promote    int64
}

type counters struct {
	appendCalls  atomic.Int64
	loadCalls    atomic.Int64
	versionCalls atomic.Int64
	existsCalls  atomic.Int64
	batchCalls   atomic.Int64
	promoteCalls atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
}

func (c *counters) snapshot() CallCounts {
	return CallCounts{
		Append:     c.appendCalls.Load(),
		Load:       c.loadCalls.Load(),
		GetVersion: c.versionCalls.Load(),
		Exists:     c.existsCalls.Load(),
		Batch:      c.batchCalls.Load(),
		Promote:    c.promoteCalls.Load(),
	}
}

// WarmStore is an in-memory durable tier.
// It is thread-safe and suitable for unit testing.
type WarmStore struct {
	availability
	counters

	mu             sync.RWMutex
	logs           map[string][]adapters.DomainEvent
	globalEvents   []adapters.DomainEvent
	globalSequence uint64
	closed         bool
	latency        time.Duration
}

// Option configures a WarmStore.
type Option func(*WarmStore)

// WithLatency adds an artificial delay to every write.
func WithLatency(d time.Duration) Option {
	return func(s *WarmStore) {
		s.latency = d
	}
}

// NewWarmStore creates a new in-memory warm store.
func NewWarmStore(opts ...Option) *WarmStore {
	s := &WarmStore{
		logs:         make(map[string][]adapters.DomainEvent),
		globalEvents: make([]adapters.DomainEvent, 0),
	}
	s.availability.name = "warm"

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *WarmStore) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrAdapterClosed
	}
	return nil
}

// Append stores events with optimistic concurrency control.
// Events whose (aggregate, version) is already stored with the same EventID are skipped,
// which makes redelivered persistence tasks harmless.
func (s *WarmStore) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	s.appendCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return err
	}
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[aggregateID]
	current := int64(len(log))

	if err := adapters.CheckVersion(aggregateID, expectedVersion, current); err != nil {
		return err
	}

	// Skip the already-persisted prefix.
	pending := events
	for len(pending) > 0 && pending[0].Version >= 1 && pending[0].Version <= current {
		stored := log[pending[0].Version-1]
		if stored.EventID != pending[0].EventID {
			return adapters.NewConcurrencyError(aggregateID, pending[0].Version-1, current)
		}
		pending = pending[1:]
	}
	if len(pending) == 0 {
		return nil
	}

	if err := adapters.CheckContiguous(aggregateID, current, pending); err != nil {
		return err
	}

	for _, e := range pending {
		s.globalSequence++
		stored := adapters.CopyEvent(e)
		stored.AggregateID = aggregateID
		stored.GlobalSequence = s.globalSequence
		log = append(log, stored)
		s.globalEvents = append(s.globalEvents, stored)
	}
	s.logs[aggregateID] = log

	return nil
}

// Load retrieves events of an aggregate within a version range.
func (s *WarmStore) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	s.loadCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[aggregateID]
	if !ok {
		s.misses.Add(1)
		return []adapters.DomainEvent{}, nil
	}
	s.hits.Add(1)
	return adapters.CopyEvents(adapters.FilterVersions(log, fromVersion, toVersion)), nil
}

// GetVersion returns the current version of an aggregate.
func (s *WarmStore) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.versionCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[aggregateID])), nil
}

// Exists reports whether the aggregate has events.
func (s *WarmStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	s.existsCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[aggregateID]) > 0, nil
}

// LoadBatch loads several aggregates in a single call.
func (s *WarmStore) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]adapters.DomainEvent, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		if log, ok := s.logs[id]; ok && len(log) > 0 {
			result[id] = adapters.CopyEvents(log)
		}
	}
	return result, nil
}

// GetVersionsBatch returns versions of several aggregates in a single call.
func (s *WarmStore) GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int64, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		result[id] = int64(len(s.logs[id]))
	}
	return result, nil
}

// ExistsBatch reports existence of several aggregates in a single call.
func (s *WarmStore) ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]bool, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		result[id] = len(s.logs[id]) > 0
	}
	return result, nil
}

// LoadByEventType returns events of one type after a global sequence.
func (s *WarmStore) LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	limit = adapters.DefaultLimit(limit, 1000)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []adapters.DomainEvent
	for _, e := range s.globalEvents {
		if e.GlobalSequence > fromSequence && e.EventType == eventType {
			events = append(events, adapters.CopyEvent(e))
			if len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// LoadFromGlobalSequence loads events across aggregates after a global sequence.
func (s *WarmStore) LoadFromGlobalSequence(ctx context.Context, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	limit = adapters.DefaultLimit(limit, 1000)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []adapters.DomainEvent
	for _, e := range s.globalEvents {
		if e.GlobalSequence > fromSequence {
			events = append(events, adapters.CopyEvent(e))
			if len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// Stats reports tier statistics.
func (s *WarmStore) Stats(ctx context.Context) (adapters.TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return adapters.TierStats{
		Type:   "memory",
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   int64(len(s.logs)),
	}, nil
}

// Calls returns the number of backend calls made per operation.
func (s *WarmStore) Calls() CallCounts {
	return s.counters.snapshot()
}

// Close releases any resources held by the adapter.
func (s *WarmStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reset clears all data. Useful for testing.
func (s *WarmStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = make(map[string][]adapters.DomainEvent)
	s.globalEvents = make([]adapters.DomainEvent, 0)
	s.globalSequence = 0
}

// EventCount returns the total number of events stored.
func (s *WarmStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.globalEvents)
}

// AggregateCount returns the number of aggregates stored.
func (s *WarmStore) AggregateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}
