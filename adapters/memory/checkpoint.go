package memory

import (
	"context"
	"sync"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure interface compliance at compile time.
var (
	_ adapters.SequenceCounter = (*SequenceStore)(nil)
	_ adapters.CheckpointStore = (*SequenceStore)(nil)
)

// SequenceStore holds per-aggregate sequence counters and checkpoints.
type SequenceStore struct {
	availability

	mu          sync.Mutex
	counters    map[string]int64
	checkpoints map[string]adapters.SequenceCheckpoint
}

// NewSequenceStore creates a new in-memory sequence store.
func NewSequenceStore() *SequenceStore {
	s := &SequenceStore{
		counters:    make(map[string]int64),
		checkpoints: make(map[string]adapters.SequenceCheckpoint),
	}
	s.availability.name = "sequence"
	return s
}

// Current returns the last confirmed sequence for an aggregate.
func (s *SequenceStore) Current(ctx context.Context, aggregateID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if err := s.check(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[aggregateID]
	return v, ok, nil
}

// CompareAndSet atomically advances (or rolls back) a counter.
func (s *SequenceStore) CompareAndSet(ctx context.Context, aggregateID string, old int64, existed bool, next int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.check(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.counters[aggregateID]
	if ok != existed || (ok && v != old) {
		return false, nil
	}
	s.counters[aggregateID] = next
	return true, nil
}

// Set stores a counter unconditionally.
func (s *SequenceStore) Set(ctx context.Context, aggregateID string, value int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[aggregateID] = value
	return nil
}

// SaveCheckpoint stores a checkpoint.
func (s *SequenceStore) SaveCheckpoint(ctx context.Context, checkpoint adapters.SequenceCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if checkpoint.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.AggregateID] = checkpoint
	return nil
}

// LoadCheckpoint retrieves a checkpoint.
func (s *SequenceStore) LoadCheckpoint(ctx context.Context, aggregateID string) (adapters.SequenceCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return adapters.SequenceCheckpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[aggregateID]
	if !ok {
		return adapters.SequenceCheckpoint{}, adapters.ErrCheckpointNotFound
	}
	return cp, nil
}

// TamperCheckpoint overwrites a stored checkpoint without recomputing its checksum.
// It exists so tests can exercise tamper detection.
func (s *SequenceStore) TamperCheckpoint(aggregateID string, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[aggregateID]; ok {
		cp.SequenceNumber = sequence
		s.checkpoints[aggregateID] = cp
	}
}
