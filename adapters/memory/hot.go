package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var (
	_ adapters.HotStore      = (*HotStore)(nil)
	_ adapters.StatsReporter = (*HotStore)(nil)
)

// HotStore is a bounded in-memory hot tier.
// Aggregates are evicted whole, least recently used first, so a cached
// log is never partial.
type HotStore struct {
	availability
	counters

	mu            sync.Mutex
	entries       map[string]*list.Element
	order         *list.List
	maxAggregates int
	ttl           time.Duration
	now           func() time.Time
	closed        bool
}

type hotEntry struct {
	aggregateID string
	events      []adapters.DomainEvent
	touchedAt   time.Time
}

// HotOption configures a HotStore.
type HotOption func(*HotStore)

// WithMaxAggregates bounds the number of aggregates kept hot.
func WithMaxAggregates(n int) HotOption {
	return func(s *HotStore) {
		s.maxAggregates = n
	}
}

// WithHotTTL evicts aggregates not accessed within ttl.
func WithHotTTL(ttl time.Duration) HotOption {
	return func(s *HotStore) {
		s.ttl = ttl
	}
}

// WithHotClock overrides the clock used for TTL expiry.
func WithHotClock(now func() time.Time) HotOption {
	return func(s *HotStore) {
		s.now = now
	}
}

// NewHotStore creates a new in-memory hot tier.
func NewHotStore(opts ...HotOption) *HotStore {
	s := &HotStore{
		entries:       make(map[string]*list.Element),
		order:         list.New(),
		maxAggregates: 10000,
		now:           time.Now,
	}
	s.availability.name = "hot"

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HotStore) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.check()
}

// lookup returns the live entry for id, dropping it if expired. Caller holds mu.
func (s *HotStore) lookup(id string) *hotEntry {
	el, ok := s.entries[id]
	if !ok {
		return nil
	}
	entry := el.Value.(*hotEntry)
	if s.ttl > 0 && s.now().Sub(entry.touchedAt) > s.ttl {
		s.order.Remove(el)
		delete(s.entries, id)
		return nil
	}
	entry.touchedAt = s.now()
	s.order.MoveToFront(el)
	return entry
}

// store installs events for id and evicts beyond capacity. Caller holds mu.
func (s *HotStore) store(id string, events []adapters.DomainEvent) {
	if el, ok := s.entries[id]; ok {
		entry := el.Value.(*hotEntry)
		entry.events = events
		entry.touchedAt = s.now()
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&hotEntry{aggregateID: id, events: events, touchedAt: s.now()})
	s.entries[id] = el
	for s.maxAggregates > 0 && s.order.Len() > s.maxAggregates {
		last := s.order.Back()
		if last == nil {
			break
		}
		s.order.Remove(last)
		delete(s.entries, last.Value.(*hotEntry).aggregateID)
	}
}

// Append stores events atomically after the version check.
func (s *HotStore) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrAdapterClosed
	}

	var log []adapters.DomainEvent
	if entry := s.lookup(aggregateID); entry != nil {
		log = entry.events
	}
	current := int64(len(log))

	if err := adapters.CheckVersion(aggregateID, expectedVersion, current); err != nil {
		return err
	}
	if err := adapters.CheckContiguous(aggregateID, current, events); err != nil {
		return err
	}

	next := make([]adapters.DomainEvent, 0, len(log)+len(events))
	next = append(next, log...)
	next = append(next, adapters.CopyEvents(events)...)
	s.store(aggregateID, next)
	return nil
}

// Load retrieves events of a cached aggregate.
func (s *HotStore) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	s.loadCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookup(aggregateID)
	if entry == nil {
		s.misses.Add(1)
		return []adapters.DomainEvent{}, nil
	}
	s.hits.Add(1)
	return adapters.CopyEvents(adapters.FilterVersions(entry.events, fromVersion, toVersion)), nil
}

// GetVersion returns the cached version, or 0 when not cached.
func (s *HotStore) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.versionCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.lookup(aggregateID); entry != nil {
		return int64(len(entry.events)), nil
	}
	return 0, nil
}

// Exists reports whether the aggregate is cached.
func (s *HotStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	s.existsCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(aggregateID) != nil, nil
}

// LoadBatch loads several cached aggregates.
func (s *HotStore) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]adapters.DomainEvent, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		if entry := s.lookup(id); entry != nil {
			s.hits.Add(1)
			result[id] = adapters.CopyEvents(entry.events)
		} else {
			s.misses.Add(1)
		}
	}
	return result, nil
}

// GetVersionsBatch returns cached versions; uncached aggregates report 0.
func (s *HotStore) GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]int64, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		if entry := s.lookup(id); entry != nil {
			result[id] = int64(len(entry.events))
		} else {
			result[id] = 0
		}
	}
	return result, nil
}

// ExistsBatch reports which aggregates are cached.
func (s *HotStore) ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error) {
	s.batchCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]bool, len(aggregateIDs))
	for _, id := range adapters.UniqueIDs(aggregateIDs) {
		result[id] = s.lookup(id) != nil
	}
	return result, nil
}

// Promote caches a full log loaded from the warm tier.
// A cached log that is already at or beyond the promoted version is kept.
func (s *HotStore) Promote(ctx context.Context, aggregateID string, events []adapters.DomainEvent) error {
	s.promoteCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := adapters.CheckContiguous(aggregateID, 0, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.lookup(aggregateID); entry != nil && int64(len(entry.events)) >= events[len(events)-1].Version {
		return nil
	}
	s.store(aggregateID, adapters.CopyEvents(events))
	return nil
}

// PromoteBatch promotes several aggregates under one lock.
func (s *HotStore) PromoteBatch(ctx context.Context, logs map[string][]adapters.DomainEvent) error {
	s.promoteCalls.Add(1)
	if err := s.guard(ctx); err != nil {
		return err
	}
	for id, events := range logs {
		if err := adapters.CheckContiguous(id, 0, events); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, events := range logs {
		if len(events) == 0 {
			continue
		}
		if entry := s.lookup(id); entry != nil && int64(len(entry.events)) >= events[len(events)-1].Version {
			continue
		}
		s.store(id, adapters.CopyEvents(events))
	}
	return nil
}

// Evict removes an aggregate from the hot tier.
func (s *HotStore) Evict(ctx context.Context, aggregateID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[aggregateID]; ok {
		s.order.Remove(el)
		delete(s.entries, aggregateID)
	}
	return nil
}

// Stats reports hit/miss counters and the number of cached aggregates.
func (s *HotStore) Stats(ctx context.Context) (adapters.TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adapters.TierStats{
		Type:   "memory",
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   int64(s.order.Len()),
	}, nil
}

// Calls returns the number of backend calls made per operation.
func (s *HotStore) Calls() CallCounts {
	return s.counters.snapshot()
}

// Len returns the number of cached aggregates.
func (s *HotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close marks the store closed.
func (s *HotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
