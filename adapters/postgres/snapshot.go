package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var _ adapters.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore keeps every snapshot version of an aggregate in the
// snapshots table.
type SnapshotStore struct {
	a *Adapter
}

// Snapshots returns the snapshot store sharing the adapter's pool.
func (a *Adapter) Snapshots() *SnapshotStore {
	return &SnapshotStore{a: a}
}

// Store saves a snapshot, replacing one at the same version.
func (s *SnapshotStore) Store(ctx context.Context, snapshot *adapters.Snapshot) error {
	if s.a.closed {
		return ErrAdapterClosed
	}
	if snapshot == nil || snapshot.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	metadata, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to marshal snapshot metadata: %w", err)
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.a.now()
	}

	_, err = s.a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, aggregate_type, version, state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			aggregate_type = EXCLUDED.aggregate_type,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`, s.a.table("snapshots")),
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, snapshot.State, metadata, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to save snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot at or below upToVersion, or nil.
func (s *SnapshotStore) Load(ctx context.Context, aggregateID string, upToVersion int64) (*adapters.Snapshot, error) {
	if s.a.closed {
		return nil, ErrAdapterClosed
	}

	var snap adapters.Snapshot
	var metadata []byte
	err := s.a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT aggregate_id, aggregate_type, version, state, metadata, created_at
		FROM %s
		WHERE aggregate_id = $1 AND ($2 <= 0 OR version <= $2)
		ORDER BY version DESC
		LIMIT 1`, s.a.table("snapshots")), aggregateID, upToVersion).Scan(
		&snap.AggregateID,
		&snap.AggregateType,
		&snap.Version,
		&snap.State,
		&metadata,
		&snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to load snapshot: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to unmarshal snapshot metadata: %w", err)
		}
	}
	return &snap, nil
}

// Cleanup keeps the keepCount most recent snapshots of an aggregate.
func (s *SnapshotStore) Cleanup(ctx context.Context, aggregateID string, keepCount int) (int, error) {
	if s.a.closed {
		return 0, ErrAdapterClosed
	}
	if keepCount < 1 {
		keepCount = 1
	}

	table := s.a.table("snapshots")
	res, err := s.a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE aggregate_id = $1 AND version NOT IN (
			SELECT version FROM %s WHERE aggregate_id = $1
			ORDER BY version DESC LIMIT $2
		)`, table, table), aggregateID, keepCount)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to clean up snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneOlderThan removes snapshots older than maxAge, keeping each aggregate's latest.
func (s *SnapshotStore) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.a.closed {
		return 0, ErrAdapterClosed
	}

	table := s.a.table("snapshots")
	res, err := s.a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s s
		WHERE s.created_at < $1 AND s.version < (
			SELECT MAX(l.version) FROM %s l WHERE l.aggregate_id = s.aggregate_id
		)`, table, table), s.a.now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
