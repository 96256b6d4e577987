package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var _ adapters.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore keeps every snapshot of every aggregate, ordered by version.
type SnapshotStore struct {
	availability

	mu        sync.RWMutex
	snapshots map[string][]*adapters.Snapshot
	now       func() time.Time
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	s := &SnapshotStore{
		snapshots: make(map[string][]*adapters.Snapshot),
		now:       time.Now,
	}
	s.availability.name = "snapshots"
	return s
}

func copySnapshot(s *adapters.Snapshot) *adapters.Snapshot {
	c := *s
	c.State = append([]byte(nil), s.State...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Store saves a snapshot, replacing one at the same version.
func (s *SnapshotStore) Store(ctx context.Context, snapshot *adapters.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	if snapshot == nil || snapshot.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copySnapshot(snapshot)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	list := s.snapshots[snapshot.AggregateID]
	for i, existing := range list {
		if existing.Version == stored.Version {
			list[i] = stored
			return nil
		}
	}
	list = append(list, stored)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.snapshots[snapshot.AggregateID] = list
	return nil
}

// Load returns the latest snapshot at or below upToVersion.
func (s *SnapshotStore) Load(ctx context.Context, aggregateID string, upToVersion int64) (*adapters.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[aggregateID]
	for i := len(list) - 1; i >= 0; i-- {
		if upToVersion <= 0 || list[i].Version <= upToVersion {
			return copySnapshot(list[i]), nil
		}
	}
	return nil, nil
}

// Cleanup keeps the keepCount most recent snapshots.
func (s *SnapshotStore) Cleanup(ctx context.Context, aggregateID string, keepCount int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keepCount < 1 {
		keepCount = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[aggregateID]
	if len(list) <= keepCount {
		return 0, nil
	}
	removed := len(list) - keepCount
	s.snapshots[aggregateID] = append([]*adapters.Snapshot(nil), list[removed:]...)
	return removed, nil
}

// PruneOlderThan removes snapshots older than maxAge, keeping each aggregate's latest.
func (s *SnapshotStore) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, list := range s.snapshots {
		if len(list) == 0 {
			continue
		}
		kept := make([]*adapters.Snapshot, 0, len(list))
		for i, snap := range list {
			if i == len(list)-1 || !snap.CreatedAt.Before(cutoff) {
				kept = append(kept, snap)
				continue
			}
			removed++
		}
		s.snapshots[id] = kept
	}
	return removed, nil
}

// Count returns the number of snapshots held for an aggregate.
func (s *SnapshotStore) Count(aggregateID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[aggregateID])
}

// Versions returns the stored snapshot versions of an aggregate in ascending order.
func (s *SnapshotStore) Versions(aggregateID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]int64, 0, len(s.snapshots[aggregateID]))
	for _, snap := range s.snapshots[aggregateID] {
		versions = append(versions, snap.Version)
	}
	return versions
}
