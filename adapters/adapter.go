// Package adapters provides the backend contracts for the tiered event store,
// the snapshot store, sequence counters and cache tiers.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when the optimistic version check fails.
	ErrConcurrencyConflict = errors.New("stoat: concurrency conflict")

	// ErrAggregateNotFound is returned when an aggregate has no events.
	ErrAggregateNotFound = errors.New("stoat: aggregate not found")

	// ErrEventOrdering is returned when events violate per-aggregate ordering.
	ErrEventOrdering = errors.New("stoat: event ordering violation")

	// ErrEmptyAggregateID is returned when an empty aggregate ID is provided.
	ErrEmptyAggregateID = errors.New("stoat: aggregate ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("stoat: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("stoat: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("stoat: adapter is closed")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("stoat: backend unavailable")

	// ErrCheckpointNotFound is returned when no sequence checkpoint exists.
	ErrCheckpointNotFound = errors.New("stoat: checkpoint not found")
)

// Metadata contains event context for tracing, multi-tenancy and ordering.
type Metadata struct {
	// SequenceNumber is the per-aggregate sequence assigned by the sequencer.
	SequenceNumber int64 `json:"sequenceNumber,omitempty" msgpack:"sequenceNumber,omitempty"`

	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`

	// CausationID identifies the command or event that caused this event.
	CausationID string `json:"causationId,omitempty" msgpack:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty" msgpack:"userId,omitempty"`

	// TenantID for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty" msgpack:"tenantId,omitempty"`

	// Custom holds any additional metadata, including upcast provenance.
	Custom map[string]string `json:"custom,omitempty" msgpack:"custom,omitempty"`
}

// WithCorrelationID returns a copy of Metadata with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy of Metadata with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithUserID returns a copy of Metadata with the user ID set.
func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

// WithTenantID returns a copy of Metadata with the tenant ID set.
func (m Metadata) WithTenantID(id string) Metadata {
	m.TenantID = id
	return m
}

// WithCustom returns a copy of Metadata with a custom key-value pair added.
func (m Metadata) WithCustom(key, value string) Metadata {
	custom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		custom[k] = v
	}
	custom[key] = value
	m.Custom = custom
	return m
}

// Get returns a custom metadata value, or "" when absent.
func (m Metadata) Get(key string) string {
	if m.Custom == nil {
		return ""
	}
	return m.Custom[key]
}

// DomainEvent is an immutable fact recorded for one aggregate.
// For a fixed AggregateID, Version values form a contiguous sequence starting at 1.
type DomainEvent struct {
	// EventID is the globally unique event identifier.
	EventID string `json:"eventId" msgpack:"eventId"`

	// AggregateID identifies the aggregate this event belongs to.
	AggregateID string `json:"aggregateId" msgpack:"aggregateId"`

	// AggregateType is the aggregate type (e.g. "Account").
	AggregateType string `json:"aggregateType" msgpack:"aggregateType"`

	// EventType is the event type tag (e.g. "MoneyDeposited").
	EventType string `json:"eventType" msgpack:"eventType"`

	// SchemaVersion is the payload schema version (>= 1).
	SchemaVersion int `json:"schemaVersion" msgpack:"schemaVersion"`

	// Payload is the structured event data.
	Payload map[string]interface{} `json:"payload" msgpack:"payload"`

	// Metadata contains contextual information.
	Metadata Metadata `json:"metadata" msgpack:"metadata"`

	// OccurredAt is when the event happened.
	OccurredAt time.Time `json:"occurredAt" msgpack:"occurredAt"`

	// Version is the aggregate version this event produces.
	Version int64 `json:"version" msgpack:"version"`

	// GlobalSequence is the position across all aggregates, assigned by the warm tier.
	GlobalSequence uint64 `json:"globalSequence,omitempty" msgpack:"globalSequence,omitempty"`
}

// Backend is the append/load contract shared by the hot and warm tiers.
//
// expectedVersion follows these rules:
//   - AnyVersion (-1): skip the version check
//   - NoStream (0): the aggregate must not have events
//   - StreamExists (-2): the aggregate must have events
//   - any positive number: the stored version must match exactly
//
// Events passed to Append already carry their Version; backends verify the
// versions continue the stored sequence without gaps.
type Backend interface {
	// Append stores events for one aggregate with optimistic concurrency control.
	Append(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64) error

	// Load returns events with fromVersion <= Version <= toVersion in version order.
	// toVersion <= 0 means "up to the latest version".
	Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]DomainEvent, error)

	// GetVersion returns the current version, or 0 if the aggregate has no events.
	GetVersion(ctx context.Context, aggregateID string) (int64, error)

	// Exists reports whether the aggregate has any events in this tier.
	Exists(ctx context.Context, aggregateID string) (bool, error)

	// LoadBatch loads the full event log of several aggregates in one backend round trip.
	// Aggregates without events are absent from the result.
	LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]DomainEvent, error)

	// GetVersionsBatch returns current versions of several aggregates in one round trip.
	GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error)

	// ExistsBatch reports existence of several aggregates in one round trip.
	ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// HotStore is the low-latency, bounded-retention tier.
type HotStore interface {
	Backend

	// Promote replaces the cached log of an aggregate with events loaded from the warm tier.
	// Implementations must not overwrite a log that is already ahead of events.
	Promote(ctx context.Context, aggregateID string, events []DomainEvent) error

	// PromoteBatch promotes several aggregates in one round trip.
	PromoteBatch(ctx context.Context, logs map[string][]DomainEvent) error

	// Evict removes an aggregate from the hot tier.
	Evict(ctx context.Context, aggregateID string) error
}

// WarmStore is the durable source of truth.
// Append must be idempotent for redelivered (aggregate_id, version) ranges.
type WarmStore interface {
	Backend

	// LoadByEventType returns events of one type with GlobalSequence > fromSequence.
	LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]DomainEvent, error)

	// LoadFromGlobalSequence returns events across aggregates with GlobalSequence > fromSequence.
	LoadFromGlobalSequence(ctx context.Context, fromSequence uint64, limit int) ([]DomainEvent, error)
}

// TierStats describes one storage or cache tier.
type TierStats struct {
	// Type is the backend type (e.g. "memory", "redis", "postgres").
	Type string `json:"type"`

	// Async reports whether writes to this tier are asynchronous.
	Async bool `json:"async"`

	// Hits is the number of reads served by this tier.
	Hits int64 `json:"hits"`

	// Misses is the number of reads this tier could not serve.
	Misses int64 `json:"misses"`

	// Size is the number of aggregates (stores) or entries (caches) held.
	Size int64 `json:"size"`
}

// StatsReporter is implemented by tiers that can report statistics.
type StatsReporter interface {
	Stats(ctx context.Context) (TierStats, error)
}

// Snapshot is a materialization of aggregate state at Version.
type Snapshot struct {
	// AggregateID identifies the aggregate.
	AggregateID string `json:"aggregateId"`

	// AggregateType is the aggregate type.
	AggregateType string `json:"aggregateType"`

	// Version is the last event version folded into State.
	Version int64 `json:"version"`

	// State is the serialized materialized state.
	State []byte `json:"state"`

	// Metadata holds strategy and diagnostic details.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"createdAt"`
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {
	// Store saves a snapshot, replacing any snapshot at the same version.
	Store(ctx context.Context, snapshot *Snapshot) error

	// Load returns the latest snapshot with Version <= upToVersion.
	// upToVersion <= 0 returns the latest snapshot. Returns nil, nil if none applies.
	Load(ctx context.Context, aggregateID string, upToVersion int64) (*Snapshot, error)

	// Cleanup keeps the keepCount most recent snapshots of an aggregate by version.
	Cleanup(ctx context.Context, aggregateID string, keepCount int) (int, error)

	// PruneOlderThan removes snapshots created before now-maxAge, keeping each
	// aggregate's latest snapshot.
	PruneOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// SequenceCounter tracks the last confirmed sequence number per aggregate.
type SequenceCounter interface {
	// Current returns the last confirmed sequence and whether the counter exists.
	Current(ctx context.Context, aggregateID string) (int64, bool, error)

	// CompareAndSet sets the counter to next iff it currently equals old.
	// A missing counter compares equal to old only when existed is false.
	CompareAndSet(ctx context.Context, aggregateID string, old int64, existed bool, next int64) (bool, error)

	// Set unconditionally stores the counter (used when restoring checkpoints).
	Set(ctx context.Context, aggregateID string, value int64) error
}

// SequenceCheckpoint is a tamper-evident marker of the last order-checked position.
type SequenceCheckpoint struct {
	AggregateID    string    `json:"aggregateId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Timestamp      time.Time `json:"timestamp"`
	Checksum       string    `json:"checksum"`
}

// CheckpointStore persists sequence checkpoints.
type CheckpointStore interface {
	// SaveCheckpoint stores the checkpoint, replacing any previous one for the aggregate.
	SaveCheckpoint(ctx context.Context, checkpoint SequenceCheckpoint) error

	// LoadCheckpoint returns ErrCheckpointNotFound when none exists.
	LoadCheckpoint(ctx context.Context, aggregateID string) (SequenceCheckpoint, error)
}

// CacheEntry is a value held by a cache tier.
type CacheEntry struct {
	Key       string    `json:"key" msgpack:"key"`
	Value     []byte    `json:"value" msgpack:"value"`
	Tags      []string  `json:"tags,omitempty" msgpack:"tags,omitempty"`
	ExpiresAt time.Time `json:"expiresAt" msgpack:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheTier is one level of the multi-tier cache.
type CacheTier interface {
	// Name returns the tier name used in logs and stats.
	Name() string

	// Get returns the entry, or false when the key is missing or expired.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)

	// Set stores the entry with the given TTL.
	Set(ctx context.Context, entry CacheEntry, ttl time.Duration) error

	// InvalidateTags removes every entry carrying any of the tags.
	// Returns the number of removed entries.
	InvalidateTags(ctx context.Context, tags []string) (int, error)
}

// PersistenceTask carries a full event batch for asynchronous warm-tier persistence.
type PersistenceTask struct {
	AggregateID string        `json:"aggregateId" msgpack:"aggregateId"`
	Events      []DomainEvent `json:"events" msgpack:"events"`
	EnqueuedAt  time.Time     `json:"enqueuedAt" msgpack:"enqueuedAt"`
	Attempt     int           `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
}

// FirstVersion returns the version of the first event in the task.
func (t PersistenceTask) FirstVersion() int64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[0].Version
}

// LastVersion returns the version of the last event in the task.
func (t PersistenceTask) LastVersion() int64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Version
}

// PersistenceQueue accepts persistence tasks and returns without waiting for the write.
type PersistenceQueue interface {
	Enqueue(ctx context.Context, task PersistenceTask) error
	Close() error
}
