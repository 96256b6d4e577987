package stoat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// EventStore is the part of TieredEventStore the repository depends on.
type EventStore interface {
	Append(ctx context.Context, aggregateID string, events []DomainEvent, opts ...AppendOption) error
	Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]DomainEvent, error)
	LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]DomainEvent, error)
}

var _ EventStore = (*TieredEventStore)(nil)

// LoadResult is a materialized aggregate with replay diagnostics.
type LoadResult struct {
	Aggregate Aggregate

	// SnapshotVersion is the version of the snapshot used, 0 for a full replay.
	SnapshotVersion int64

	// ReplayedEvents is the number of events applied on top of the snapshot.
	ReplayedEvents int
}

// Repository loads aggregates from the nearest snapshot plus tail events and
// saves their uncommitted events.
type Repository struct {
	store         EventStore
	reconstructor *Reconstructor
	snapshots     adapters.SnapshotStore
	tracker       *AccessTracker
	logger        Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithAccessTracker records loads for adaptive snapshotting.
func WithAccessTracker(t *AccessTracker) RepositoryOption {
	return func(r *Repository) {
		r.tracker = t
	}
}

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(r *Repository) {
		r.logger = orNoop(l)
	}
}

// NewRepository creates a repository. snapshots may be nil to always replay
// from the first event.
func NewRepository(store EventStore, reconstructor *Reconstructor, snapshots adapters.SnapshotStore, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:         store,
		reconstructor: reconstructor,
		snapshots:     snapshots,
		logger:        &noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load materializes the latest state of an aggregate.
func (r *Repository) Load(ctx context.Context, aggregateType, aggregateID string) (LoadResult, error) {
	return r.LoadAt(ctx, aggregateType, aggregateID, 0)
}

// LoadAt materializes an aggregate as of version. version <= 0 means latest.
// A snapshot that cannot be read or restored is logged and replaced by a
// full replay.
func (r *Repository) LoadAt(ctx context.Context, aggregateType, aggregateID string, version int64) (LoadResult, error) {
	start := time.Now()

	agg, snapshotVersion := r.fromSnapshot(ctx, aggregateType, aggregateID, version)
	if agg == nil {
		fresh, err := r.reconstructor.Registry().New(aggregateType, aggregateID)
		if err != nil {
			return LoadResult{}, err
		}
		agg = fresh
	}

	events, err := r.store.Load(ctx, aggregateID, snapshotVersion+1, version)
	if err != nil {
		return LoadResult{}, err
	}
	if err := r.reconstructor.ApplyEvents(agg, events); err != nil {
		return LoadResult{}, err
	}

	if r.tracker != nil {
		r.tracker.RecordLoad(aggregateID, time.Since(start))
	}
	return LoadResult{
		Aggregate:       agg,
		SnapshotVersion: snapshotVersion,
		ReplayedEvents:  len(events),
	}, nil
}

func (r *Repository) fromSnapshot(ctx context.Context, aggregateType, aggregateID string, version int64) (Aggregate, int64) {
	if r.snapshots == nil {
		return nil, 0
	}
	snapshot, err := r.snapshots.Load(ctx, aggregateID, version)
	if err != nil {
		r.logger.Warn("Snapshot load failed, replaying all events",
			"aggregate_id", aggregateID,
			"error", err,
		)
		return nil, 0
	}
	if snapshot == nil {
		return nil, 0
	}

	agg, err := r.reconstructor.ReconstituteFromSnapshot(aggregateType, snapshot)
	if err != nil {
		r.logger.Warn("Snapshot restore failed, replaying all events",
			"aggregate_id", aggregateID,
			"snapshot_version", snapshot.Version,
			"error", err,
		)
		return nil, 0
	}
	if r.tracker != nil {
		r.tracker.RecordStateSize(aggregateID, len(snapshot.State))
	}
	return agg, snapshot.Version
}

// LoadMany materializes several aggregates of one type from a single batch
// read. Snapshots are not consulted. Aggregates without events are absent;
// an aggregate that fails to replay is skipped and logged.
func (r *Repository) LoadMany(ctx context.Context, aggregateType string, aggregateIDs []string) (map[string]Aggregate, error) {
	logs, err := r.store.LoadBatch(ctx, aggregateIDs)
	if err != nil {
		return nil, err
	}

	result := make(map[string]Aggregate, len(logs))
	for id, events := range logs {
		agg, err := r.reconstructor.Reconstitute(aggregateType, id, events)
		if err != nil {
			if errors.Is(err, ErrUnknownAggregateType) {
				return nil, err
			}
			r.logger.Warn("Skipping aggregate that failed to replay",
				"aggregate_id", id,
				"error", err,
			)
			continue
		}
		result[id] = agg
	}
	return result, nil
}

// Save appends the aggregate's uncommitted events, expecting its current
// version, and advances the aggregate on success.
func (r *Repository) Save(ctx context.Context, agg Aggregate, opts ...AppendOption) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	appendOpts := append([]AppendOption{
		ExpectVersion(agg.Version()),
		WithAggregateType(agg.AggregateType()),
	}, opts...)
	if err := r.store.Append(ctx, agg.AggregateID(), events, appendOpts...); err != nil {
		return err
	}

	agg.SetVersion(agg.Version() + int64(len(events)))
	agg.ClearUncommittedEvents()
	return nil
}

// BuildSnapshot materializes an aggregate at exactly version and captures its state.
func (r *Repository) BuildSnapshot(ctx context.Context, aggregateType, aggregateID string, version int64) (*Snapshot, error) {
	result, err := r.LoadAt(ctx, aggregateType, aggregateID, version)
	if err != nil {
		return nil, err
	}
	if got := result.Aggregate.Version(); got != version {
		return nil, fmt.Errorf("stoat: cannot snapshot %q at version %d, aggregate is at %d", aggregateID, version, got)
	}
	return r.reconstructor.Snapshot(result.Aggregate)
}
