package stoat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TieredEventStore is the main entry point for appending and loading events.
// Appends go to the hot tier synchronously and to the warm tier either
// synchronously or through a PersistenceQueue. Reads are served from the hot
// tier and fall back to the warm tier, promoting what they find.
type TieredEventStore struct {
	hot       adapters.HotStore
	warm      adapters.WarmStore
	sequencer *EventSequencer
	queue     PersistenceQueue
	ownsQueue bool
	async     bool
	hooksMu   sync.RWMutex
	hooks     []PostAppendHook
	logger    Logger
	now       func() time.Time

	readTimeout   time.Duration
	warmUpBatch   int
	warmUpWorkers int

	closed     atomic.Bool
	promotions atomic.Int64
	failovers  atomic.Int64
}

// AppendResult describes a successful append. It is passed to post-append hooks.
type AppendResult struct {
	AggregateID     string
	AggregateType   string
	PreviousVersion int64
	Version         int64
	Events          []DomainEvent
}

// PostAppendHook runs after events have been appended. Hook errors are
// logged and never fail the append.
type PostAppendHook interface {
	AfterAppend(ctx context.Context, result AppendResult) error
}

// PostAppendFunc adapts a function to PostAppendHook.
type PostAppendFunc func(ctx context.Context, result AppendResult) error

// AfterAppend calls f.
func (f PostAppendFunc) AfterAppend(ctx context.Context, result AppendResult) error {
	return f(ctx, result)
}

// StoreOption configures a TieredEventStore.
type StoreOption func(*TieredEventStore)

// WithSequencer sets the sequencer. The default uses an in-process counter.
func WithSequencer(s *EventSequencer) StoreOption {
	return func(ts *TieredEventStore) {
		ts.sequencer = s
	}
}

// WithPersistenceQueue sets the queue used for asynchronous warm writes.
// The store does not close a queue it did not create.
func WithPersistenceQueue(q PersistenceQueue) StoreOption {
	return func(ts *TieredEventStore) {
		ts.queue = q
	}
}

// WithAsyncWarmWrites enables or disables asynchronous warm writes. Default is enabled.
func WithAsyncWarmWrites(enabled bool) StoreOption {
	return func(ts *TieredEventStore) {
		ts.async = enabled
	}
}

// WithPostAppendHook registers a hook run after every successful append.
func WithPostAppendHook(h PostAppendHook) StoreOption {
	return func(ts *TieredEventStore) {
		ts.hooks = append(ts.hooks, h)
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) StoreOption {
	return func(ts *TieredEventStore) {
		ts.logger = orNoop(l)
	}
}

// WithReadTimeout bounds each backend read. Zero disables the bound.
func WithReadTimeout(d time.Duration) StoreOption {
	return func(ts *TieredEventStore) {
		ts.readTimeout = d
	}
}

// WithWarmUpConcurrency sets the batch size and parallelism used by WarmUp.
func WithWarmUpConcurrency(batchSize, workers int) StoreOption {
	return func(ts *TieredEventStore) {
		ts.warmUpBatch = batchSize
		ts.warmUpWorkers = workers
	}
}

// WithStoreClock overrides the clock used for OccurredAt defaults.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(ts *TieredEventStore) {
		ts.now = now
	}
}

// NewTieredEventStore creates a store over a hot and a warm tier.
func NewTieredEventStore(hot adapters.HotStore, warm adapters.WarmStore, opts ...StoreOption) *TieredEventStore {
	s := &TieredEventStore{
		hot:           hot,
		warm:          warm,
		async:         true,
		logger:        &noopLogger{},
		now:           time.Now,
		warmUpBatch:   100,
		warmUpWorkers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sequencer == nil {
		s.sequencer = NewEventSequencer(memory.NewSequenceStore(), WithSequencerLogger(s.logger))
	}
	s.sequencer.seedIfUnset(s.GetVersion)

	if s.async && s.queue == nil {
		s.queue = NewWorkerPool(warm, WithPoolLogger(s.logger), WithBacklogSource(hot))
		s.ownsQueue = true
	}
	if s.warmUpBatch <= 0 {
		s.warmUpBatch = 100
	}
	if s.warmUpWorkers <= 0 {
		s.warmUpWorkers = 1
	}
	return s
}

// RegisterHook adds a post-append hook after construction, for hooks that
// depend on the store themselves (such as a SnapshotManager over a Repository).
func (s *TieredEventStore) RegisterHook(h PostAppendHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks[:len(s.hooks):len(s.hooks)], h)
}

// Sequencer returns the store's sequencer.
func (s *TieredEventStore) Sequencer() *EventSequencer {
	return s.sequencer
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	expectedVersion int64
	aggregateType   string
	metadata        Metadata
	durable         *bool
}

// ExpectVersion sets the expected aggregate version for optimistic concurrency.
func ExpectVersion(v int64) AppendOption {
	return func(c *appendConfig) {
		c.expectedVersion = v
	}
}

// WithAggregateType sets the aggregate type on every appended event.
func WithAggregateType(t string) AppendOption {
	return func(c *appendConfig) {
		c.aggregateType = t
	}
}

// WithAppendMetadata fills empty metadata fields of every appended event.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// WithDurability forces a synchronous (true) or queued (false) warm write
// for this append.
func WithDurability(sync bool) AppendOption {
	return func(c *appendConfig) {
		c.durable = &sync
	}
}

// Append stores events for an aggregate.
//
// Events with a zero Version are numbered current+1, current+2, ...
// The hot tier's version check is the concurrency primitive: of two
// concurrent appends asserting the same expected version, exactly one succeeds.
func (s *TieredEventStore) Append(ctx context.Context, aggregateID string, events []DomainEvent, opts ...AppendOption) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}

	cfg := appendConfig{expectedVersion: AnyVersion}
	for _, opt := range opts {
		opt(&cfg)
	}

	current, hotUp, err := s.resolveVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	if err := adapters.CheckVersion(aggregateID, cfg.expectedVersion, current); err != nil {
		return err
	}

	prepared := s.prepare(aggregateID, current, events, cfg)

	ordered, claim, err := s.sequencer.claim(ctx, aggregateID, prepared)
	if errors.Is(err, ErrConcurrencyConflict) {
		ordered, claim, err = s.resequence(ctx, aggregateID, current, cfg.expectedVersion, prepared)
	}
	if err != nil {
		return err
	}

	if hotUp {
		err := s.hot.Append(ctx, aggregateID, ordered, current)
		switch {
		case err == nil:
		case isWriteConflict(err):
			s.release(ctx, aggregateID, claim)
			return err
		default:
			hotUp = false
			s.failovers.Add(1)
			s.logger.Warn("Hot tier append failed, writing to warm tier",
				"aggregate_id", aggregateID,
				"error", err,
			)
		}
	}

	if err := s.writeWarm(ctx, aggregateID, current, ordered, hotUp, cfg); err != nil {
		s.release(ctx, aggregateID, claim)
		return err
	}

	result := AppendResult{
		AggregateID:     aggregateID,
		AggregateType:   ordered[0].AggregateType,
		PreviousVersion: current,
		Version:         ordered[len(ordered)-1].Version,
		Events:          ordered,
	}
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook.AfterAppend(ctx, result); err != nil {
			s.logger.Warn("Post-append hook failed",
				"aggregate_id", aggregateID,
				"version", result.Version,
				"error", err,
			)
		}
	}
	return nil
}

// resolveVersion returns the current version and whether the hot tier is usable.
// An aggregate missing from the hot tier is looked up in the warm tier and
// promoted so the hot append continues its log.
func (s *TieredEventStore) resolveVersion(ctx context.Context, aggregateID string) (int64, bool, error) {
	version, err := s.hot.GetVersion(ctx, aggregateID)
	if err != nil {
		s.logger.Warn("Hot tier unavailable, resolving version from warm tier",
			"aggregate_id", aggregateID,
			"error", err,
		)
		version, err = s.warm.GetVersion(ctx, aggregateID)
		if err != nil {
			return 0, false, NewEventStoreError("get version", aggregateID, err)
		}
		return version, false, nil
	}
	if version > 0 {
		return version, true, nil
	}

	events, err := s.warm.Load(ctx, aggregateID, 1, 0)
	if err != nil {
		return 0, false, NewEventStoreError("get version", aggregateID, err)
	}
	if len(events) == 0 {
		return 0, true, nil
	}
	if err := s.hot.Promote(ctx, aggregateID, events); err != nil {
		s.logger.Warn("Failed to promote aggregate before append",
			"aggregate_id", aggregateID,
			"error", err,
		)
		return events[len(events)-1].Version, false, nil
	}
	s.promotions.Add(1)
	return events[len(events)-1].Version, true, nil
}

func (s *TieredEventStore) prepare(aggregateID string, current int64, events []DomainEvent, cfg appendConfig) []DomainEvent {
	now := s.now()
	prepared := adapters.CopyEvents(events)
	for i := range prepared {
		e := &prepared[i]
		e.AggregateID = aggregateID
		if cfg.aggregateType != "" {
			e.AggregateType = cfg.aggregateType
		}
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.Version == 0 {
			e.Version = current + int64(i) + 1
		}
		if e.SchemaVersion < 1 {
			e.SchemaVersion = 1
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		e.GlobalSequence = 0
		e.Metadata = mergeMetadata(e.Metadata, cfg.metadata)
		e.Metadata.SequenceNumber = e.Version
	}
	return prepared
}

func mergeMetadata(m, defaults Metadata) Metadata {
	if m.CorrelationID == "" {
		m.CorrelationID = defaults.CorrelationID
	}
	if m.CausationID == "" {
		m.CausationID = defaults.CausationID
	}
	if m.UserID == "" {
		m.UserID = defaults.UserID
	}
	if m.TenantID == "" {
		m.TenantID = defaults.TenantID
	}
	for k, v := range defaults.Custom {
		if _, ok := m.Custom[k]; !ok {
			m = m.WithCustom(k, v)
		}
	}
	return m
}

// resequence handles a sequencer conflict. A conflict is genuine when the
// stored version moved; otherwise the counter ran ahead of storage (a failed
// write that could not be rolled back) and is resynced.
func (s *TieredEventStore) resequence(ctx context.Context, aggregateID string, current, expected int64, events []DomainEvent) ([]DomainEvent, *sequenceClaim, error) {
	stored, _, err := s.resolveVersion(ctx, aggregateID)
	if err != nil {
		return nil, nil, err
	}
	if stored != current {
		if expected == AnyVersion {
			expected = current
		}
		return nil, nil, NewConcurrencyError(aggregateID, expected, stored)
	}

	s.logger.Warn("Sequence counter ahead of stored version, resyncing",
		"aggregate_id", aggregateID,
		"version", stored,
	)
	if err := s.sequencer.Resync(ctx, aggregateID, stored); err != nil {
		return nil, nil, err
	}
	return s.sequencer.claim(ctx, aggregateID, events)
}

// release returns a claimed sequence range after a failed write. The
// counter is aligned with the stored version, which a concurrent winner may
// already have advanced; if that cannot be read the counter stays ahead and
// is resynced by the next append.
func (s *TieredEventStore) release(ctx context.Context, aggregateID string, claim *sequenceClaim) {
	stored, err := s.GetVersion(context.WithoutCancel(ctx), aggregateID)
	if err != nil {
		s.logger.Warn("Cannot read version to roll back sequence counter",
			"aggregate_id", aggregateID,
			"error", err,
		)
		return
	}
	s.sequencer.rollback(ctx, claim, stored)
}

func isWriteConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrEventOrdering) ||
		errors.Is(err, ErrAggregateNotFound)
}

func (s *TieredEventStore) writeWarm(ctx context.Context, aggregateID string, current int64, events []DomainEvent, hotUp bool, cfg appendConfig) error {
	if !hotUp {
		return s.failoverWrite(ctx, aggregateID, current, events)
	}

	sync := !s.async || s.queue == nil
	if cfg.durable != nil {
		sync = *cfg.durable || s.queue == nil
	}
	if !sync {
		err := s.queue.Enqueue(ctx, PersistenceTask{
			AggregateID: aggregateID,
			Events:      events,
			EnqueuedAt:  s.now(),
		})
		if err == nil {
			return nil
		}
		s.logger.Warn("Failed to enqueue warm persistence, writing synchronously",
			"aggregate_id", aggregateID,
			"error", err,
		)
	}

	if err := s.persistWithBacklog(ctx, aggregateID, events); err != nil {
		// The warm tier stays authoritative; drop the hot copy so reads do
		// not see events that were never persisted.
		if evictErr := s.hot.Evict(context.WithoutCancel(ctx), aggregateID); evictErr != nil {
			s.logger.Error("Failed to evict unpersisted events from hot tier",
				"aggregate_id", aggregateID,
				"error", evictErr,
			)
		}
		return err
	}
	return nil
}

// persistWithBacklog writes events to the warm tier. If earlier queued
// batches have not landed yet, they are copied from the hot tier first;
// the queued tasks become no-ops when they arrive.
func (s *TieredEventStore) persistWithBacklog(ctx context.Context, aggregateID string, events []DomainEvent) error {
	err := PersistTaskFrom(ctx, s.warm, s.hot, PersistenceTask{AggregateID: aggregateID, Events: events})
	var storeErr *EventStoreError
	if errors.As(err, &storeErr) {
		storeErr.Op = "append"
	}
	return err
}

// failoverWrite persists directly to the warm tier with its own version check.
// When the warm tier still lags behind queued batches, the write joins the
// queue so it lands after them.
func (s *TieredEventStore) failoverWrite(ctx context.Context, aggregateID string, current int64, events []DomainEvent) error {
	err := s.warm.Append(ctx, aggregateID, events, current)
	if err == nil {
		return nil
	}

	var concErr *ConcurrencyError
	if errors.As(err, &concErr) && concErr.ActualVersion < current && s.queue != nil {
		s.logger.Warn("Warm tier behind queued writes, queueing failover append",
			"aggregate_id", aggregateID,
			"persisted", concErr.ActualVersion,
			"version", current,
		)
		return s.queue.Enqueue(ctx, PersistenceTask{AggregateID: aggregateID, Events: events, EnqueuedAt: s.now()})
	}
	if isWriteConflict(err) {
		return err
	}
	return NewEventStoreError("append", aggregateID, err)
}

func (s *TieredEventStore) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.readTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.readTimeout)
}

// Load returns the events of an aggregate with fromVersion <= Version <= toVersion.
// toVersion <= 0 means up to the latest event. An empty range yields no
// events without reading either tier; otherwise an aggregate with no events
// yields an AggregateNotFoundError.
func (s *TieredEventStore) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]DomainEvent, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion > 0 && fromVersion > toVersion {
		return []DomainEvent{}, nil
	}

	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	hotUp := true
	events, err := s.hot.Load(readCtx, aggregateID, fromVersion, toVersion)
	if err != nil {
		hotUp = false
		s.logger.Warn("Hot tier read failed, falling back to warm tier",
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
	if hotUp && len(events) > 0 {
		return events, checkRange(aggregateID, fromVersion, events)
	}
	if hotUp && fromVersion > 1 {
		// A cached aggregate with nothing in range is not a miss.
		if v, err := s.hot.GetVersion(readCtx, aggregateID); err == nil && v > 0 && v < fromVersion {
			return []DomainEvent{}, nil
		}
	}

	if hotUp {
		events, err = s.loadAndPromote(readCtx, aggregateID, fromVersion, toVersion)
	} else {
		events, err = s.warm.Load(readCtx, aggregateID, fromVersion, toVersion)
	}
	if err != nil {
		return nil, NewEventStoreError("load", aggregateID, err)
	}

	if len(events) == 0 {
		if fromVersion <= 1 {
			return nil, NewAggregateNotFoundError(aggregateID)
		}
		exists, err := s.warm.Exists(readCtx, aggregateID)
		if err != nil {
			return nil, NewEventStoreError("load", aggregateID, err)
		}
		if !exists {
			return nil, NewAggregateNotFoundError(aggregateID)
		}
		return []DomainEvent{}, nil
	}
	return events, checkRange(aggregateID, fromVersion, events)
}

func (s *TieredEventStore) loadAndPromote(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]DomainEvent, error) {
	full, err := s.warm.Load(ctx, aggregateID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(full) == 0 {
		return nil, nil
	}
	if err := s.hot.Promote(ctx, aggregateID, full); err != nil {
		s.logger.Warn("Failed to promote aggregate to hot tier",
			"aggregate_id", aggregateID,
			"error", err,
		)
	} else {
		s.promotions.Add(1)
	}
	return adapters.FilterVersions(full, fromVersion, toVersion), nil
}

// checkRange verifies that events are the contiguous range starting at fromVersion.
func checkRange(aggregateID string, fromVersion int64, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if events[0].Version != fromVersion {
		return NewEventOrderingError(aggregateID, 0, fromVersion, events[0].Version)
	}
	return adapters.CheckContiguous(aggregateID, fromVersion-1, events)
}

// LoadStream loads all events of an aggregate as an EventStream.
func (s *TieredEventStore) LoadStream(ctx context.Context, aggregateID string) (*EventStream, error) {
	events, err := s.Load(ctx, aggregateID, 1, 0)
	if err != nil {
		return nil, err
	}
	return NewEventStream(events), nil
}

// GetVersion returns the current version of an aggregate, 0 if it has no events.
func (s *TieredEventStore) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	if aggregateID == "" {
		return 0, ErrEmptyAggregateID
	}
	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	version, err := s.hot.GetVersion(readCtx, aggregateID)
	if err == nil && version > 0 {
		return version, nil
	}
	if err != nil {
		s.logger.Warn("Hot tier read failed, falling back to warm tier",
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
	version, err = s.warm.GetVersion(readCtx, aggregateID)
	if err != nil {
		return 0, NewEventStoreError("get version", aggregateID, err)
	}
	return version, nil
}

// Exists reports whether an aggregate has any events.
func (s *TieredEventStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	version, err := s.GetVersion(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// LoadBatch loads the full logs of several aggregates using one call per tier.
// Aggregates without events are absent from the result. A log that fails the
// ordering check is skipped and logged.
func (s *TieredEventStore) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]DomainEvent, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string][]DomainEvent, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	hotUp := true
	found, err := s.hot.LoadBatch(readCtx, ids)
	if err != nil {
		hotUp = false
		s.logger.Warn("Hot tier batch read failed, falling back to warm tier",
			"aggregates", len(ids),
			"error", err,
		)
	}
	var missing []string
	for _, id := range ids {
		if events := found[id]; len(events) > 0 {
			s.acceptBatchLog(result, id, events)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	fromWarm, err := s.warm.LoadBatch(readCtx, missing)
	if err != nil {
		return nil, NewEventStoreError("load batch", "", err)
	}
	promote := make(map[string][]DomainEvent, len(fromWarm))
	for _, id := range missing {
		if events := fromWarm[id]; len(events) > 0 && s.acceptBatchLog(result, id, events) {
			promote[id] = events
		}
	}
	if hotUp && len(promote) > 0 {
		if err := s.hot.PromoteBatch(readCtx, promote); err != nil {
			s.logger.Warn("Failed to promote batch to hot tier",
				"aggregates", len(promote),
				"error", err,
			)
		} else {
			s.promotions.Add(int64(len(promote)))
		}
	}
	return result, nil
}

func (s *TieredEventStore) acceptBatchLog(result map[string][]DomainEvent, id string, events []DomainEvent) bool {
	if err := checkRange(id, 1, events); err != nil {
		s.logger.Warn("Skipping aggregate with invalid event log",
			"aggregate_id", id,
			"error", err,
		)
		return false
	}
	result[id] = events
	return true
}

// GetVersionsBatch returns the versions of several aggregates, omitting
// those without events.
func (s *TieredEventStore) GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error) {
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	hotVersions, err := s.hot.GetVersionsBatch(readCtx, ids)
	if err != nil {
		s.logger.Warn("Hot tier batch read failed, falling back to warm tier", "error", err)
	}
	var missing []string
	for _, id := range ids {
		if v := hotVersions[id]; v > 0 {
			result[id] = v
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	warmVersions, err := s.warm.GetVersionsBatch(readCtx, missing)
	if err != nil {
		return nil, NewEventStoreError("get versions batch", "", err)
	}
	for _, id := range missing {
		if v := warmVersions[id]; v > 0 {
			result[id] = v
		}
	}
	return result, nil
}

// ExistsBatch reports for every id whether the aggregate has events.
func (s *TieredEventStore) ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error) {
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	hotExists, err := s.hot.ExistsBatch(readCtx, ids)
	if err != nil {
		s.logger.Warn("Hot tier batch read failed, falling back to warm tier", "error", err)
	}
	var missing []string
	for _, id := range ids {
		if hotExists[id] {
			result[id] = true
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	warmExists, err := s.warm.ExistsBatch(readCtx, missing)
	if err != nil {
		return nil, NewEventStoreError("exists batch", "", err)
	}
	for _, id := range missing {
		result[id] = warmExists[id]
	}
	return result, nil
}

// LoadByEventType returns persisted events of one type after fromSequence,
// ordered by global sequence. Events still queued for the warm tier are not included.
func (s *TieredEventStore) LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]DomainEvent, error) {
	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	events, err := s.warm.LoadByEventType(readCtx, eventType, fromSequence, limit)
	if err != nil {
		return nil, NewEventStoreError("load by event type", "", err)
	}
	return events, nil
}

// LoadFromGlobalSequence returns persisted events after fromSequence in global order.
func (s *TieredEventStore) LoadFromGlobalSequence(ctx context.Context, fromSequence uint64, limit int) ([]DomainEvent, error) {
	readCtx, cancel := s.readContext(ctx)
	defer cancel()

	events, err := s.warm.LoadFromGlobalSequence(readCtx, fromSequence, limit)
	if err != nil {
		return nil, NewEventStoreError("load from global sequence", "", err)
	}
	return events, nil
}

// WarmUp loads aggregates from the warm tier into the hot tier.
// Ids are processed in batches, several batches at a time.
func (s *TieredEventStore) WarmUp(ctx context.Context, aggregateIDs []string) error {
	ids := adapters.UniqueIDs(aggregateIDs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmUpWorkers)
	for start := 0; start < len(ids); start += s.warmUpBatch {
		end := start + s.warmUpBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		g.Go(func() error {
			logs, err := s.warm.LoadBatch(gctx, batch)
			if err != nil {
				return NewEventStoreError("warm up", "", err)
			}
			if len(logs) == 0 {
				return nil
			}
			if err := s.hot.PromoteBatch(gctx, logs); err != nil {
				return NewEventStoreError("warm up", "", err)
			}
			s.promotions.Add(int64(len(logs)))
			return nil
		})
	}
	return g.Wait()
}

// EvictFromHotStorage removes an aggregate from the hot tier. The warm tier is untouched.
func (s *TieredEventStore) EvictFromHotStorage(ctx context.Context, aggregateID string) error {
	if err := s.flushToWarm(ctx, aggregateID); err != nil {
		return err
	}
	if err := s.hot.Evict(ctx, aggregateID); err != nil {
		return NewEventStoreError("evict", aggregateID, err)
	}
	return nil
}

// flushToWarm copies hot events the warm tier has not persisted yet, so an
// eviction never drops the only copy.
func (s *TieredEventStore) flushToWarm(ctx context.Context, aggregateID string) error {
	hotVersion, err := s.hot.GetVersion(ctx, aggregateID)
	if err != nil || hotVersion == 0 {
		return nil
	}
	persisted, err := s.warm.GetVersion(ctx, aggregateID)
	if err != nil {
		return NewEventStoreError("evict", aggregateID, err)
	}
	if persisted >= hotVersion {
		return nil
	}
	missing, err := s.hot.Load(ctx, aggregateID, persisted+1, hotVersion)
	if err != nil {
		return NewEventStoreError("evict", aggregateID, err)
	}
	if len(missing) == 0 {
		return nil
	}
	s.logger.Warn("Persisting unwritten events before hot eviction",
		"aggregate_id", aggregateID,
		"persisted", persisted,
		"version", hotVersion,
	)
	if err := s.warm.Append(ctx, aggregateID, missing, AnyVersion); err != nil {
		return NewEventStoreError("evict", aggregateID, err)
	}
	return nil
}

// StoreStats reports per-tier statistics.
type StoreStats struct {
	Hot                adapters.TierStats
	Warm               adapters.TierStats
	Promotions         int64
	Failovers          int64
	PendingPersistence int64
}

// Stats returns tier statistics. Tiers that do not report stats are
// described by their Go type only.
func (s *TieredEventStore) Stats(ctx context.Context) (StoreStats, error) {
	hot, err := tierStats(ctx, s.hot)
	if err != nil {
		return StoreStats{}, err
	}
	warm, err := tierStats(ctx, s.warm)
	if err != nil {
		return StoreStats{}, err
	}
	hot.Async = false
	warm.Async = s.async && s.queue != nil

	stats := StoreStats{
		Hot:        hot,
		Warm:       warm,
		Promotions: s.promotions.Load(),
		Failovers:  s.failovers.Load(),
	}
	if p, ok := s.queue.(interface{ Pending() int64 }); ok {
		stats.PendingPersistence = p.Pending()
	}
	return stats, nil
}

func tierStats(ctx context.Context, tier interface{}) (adapters.TierStats, error) {
	if r, ok := tier.(adapters.StatsReporter); ok {
		stats, err := r.Stats(ctx)
		if err != nil {
			return adapters.TierStats{}, NewEventStoreError("stats", "", err)
		}
		return stats, nil
	}
	return adapters.TierStats{Type: fmt.Sprintf("%T", tier)}, nil
}

// Drain waits for queued warm writes when the queue supports it.
func (s *TieredEventStore) Drain(ctx context.Context) error {
	if d, ok := s.queue.(interface{ Drain(context.Context) error }); ok {
		return d.Drain(ctx)
	}
	return nil
}

// Close flushes a store-owned persistence queue and closes both tiers.
func (s *TieredEventStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if s.ownsQueue {
		errs = append(errs, s.queue.Close())
	}
	errs = append(errs, s.hot.Close(), s.warm.Close())
	return errors.Join(errs...)
}
