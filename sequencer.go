package stoat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// OrderingMode controls how the sequencer reacts to sequence violations.
type OrderingMode string

const (
	// StrictOrdering fails the append with an EventOrderingError.
	StrictOrdering OrderingMode = "strict"

	// LenientOrdering logs the violation and advances the counter to the
	// highest observed sequence.
	LenientOrdering OrderingMode = "lenient"
)

// OrderViolation describes one out-of-order event.
type OrderViolation struct {
	Index       int
	AggregateID string
	Expected    int64
	Actual      int64
	// GapSize is Actual-Expected: positive for missing events, negative or
	// zero for duplicates and regressions.
	GapSize int64
}

// SequenceSeed returns the last known sequence of an aggregate when its
// counter is missing (first use or expired TTL).
type SequenceSeed func(ctx context.Context, aggregateID string) (int64, error)

// EventSequencer assigns and validates per-aggregate sequence numbers.
// The counter is only mutated with compare-and-set.
type EventSequencer struct {
	counter     adapters.SequenceCounter
	checkpoints adapters.CheckpointStore
	mode        OrderingMode
	secret      []byte
	seed        SequenceSeed
	logger      Logger
	now         func() time.Time
}

// SequencerOption configures an EventSequencer.
type SequencerOption func(*EventSequencer)

// WithOrderingMode sets strict or lenient ordering. Default is strict.
func WithOrderingMode(mode OrderingMode) SequencerOption {
	return func(s *EventSequencer) {
		s.mode = mode
	}
}

// WithCheckpointStore enables CreateCheckpoint and RestoreFromCheckpoint.
func WithCheckpointStore(store adapters.CheckpointStore) SequencerOption {
	return func(s *EventSequencer) {
		s.checkpoints = store
	}
}

// WithCheckpointSecret sets the HMAC key used for checkpoint checksums.
func WithCheckpointSecret(secret []byte) SequencerOption {
	return func(s *EventSequencer) {
		s.secret = append([]byte(nil), secret...)
	}
}

// WithSequenceSeed sets how a missing counter is initialized.
func WithSequenceSeed(seed SequenceSeed) SequencerOption {
	return func(s *EventSequencer) {
		s.seed = seed
	}
}

// WithSequencerLogger sets the logger for ordering violations.
func WithSequencerLogger(l Logger) SequencerOption {
	return func(s *EventSequencer) {
		s.logger = orNoop(l)
	}
}

// NewEventSequencer creates a sequencer backed by a shared counter.
func NewEventSequencer(counter adapters.SequenceCounter, opts ...SequencerOption) *EventSequencer {
	s := &EventSequencer{
		counter: counter,
		mode:    StrictOrdering,
		logger:  &noopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the ordering mode.
func (s *EventSequencer) Mode() OrderingMode {
	return s.mode
}

func (s *EventSequencer) seedIfUnset(seed SequenceSeed) {
	if s.seed == nil {
		s.seed = seed
	}
}

func sequenceOf(e DomainEvent) int64 {
	if e.Metadata.SequenceNumber > 0 {
		return e.Metadata.SequenceNumber
	}
	return e.Version
}

// sequenceClaim records a counter advance so it can be rolled back.
type sequenceClaim struct {
	aggregateID string
	previous    int64
	existed     bool
	next        int64
}

// EnforceOrder verifies that events continue the aggregate's confirmed
// sequence (last+1, last+2, ...) and advances the counter.
//
// Every mismatch, including a regressed or duplicate sequence, is an
// EventOrderingError in strict mode. Lenient mode logs it, orders the batch
// by sequence and advances the counter to the highest observed sequence.
func (s *EventSequencer) EnforceOrder(ctx context.Context, aggregateID string, events []DomainEvent) ([]DomainEvent, error) {
	ordered, _, err := s.enforce(ctx, aggregateID, events)
	return ordered, err
}

func (s *EventSequencer) enforce(ctx context.Context, aggregateID string, events []DomainEvent) ([]DomainEvent, *sequenceClaim, error) {
	return s.sequence(ctx, aggregateID, events, false)
}

// claim is enforce for appends. The store numbers events from its stored
// version, so a first sequence the counter already passed means another
// writer claimed it and yields a ConcurrencyError in either mode.
func (s *EventSequencer) claim(ctx context.Context, aggregateID string, events []DomainEvent) ([]DomainEvent, *sequenceClaim, error) {
	return s.sequence(ctx, aggregateID, events, true)
}

func (s *EventSequencer) sequence(ctx context.Context, aggregateID string, events []DomainEvent, conflictOnStale bool) ([]DomainEvent, *sequenceClaim, error) {
	if aggregateID == "" {
		return nil, nil, ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return nil, nil, ErrNoEvents
	}

	last, existed, err := s.counter.Current(ctx, aggregateID)
	if err != nil {
		return nil, nil, NewEventStoreError("read sequence", aggregateID, err)
	}
	if !existed && s.seed != nil {
		if last, err = s.seed(ctx, aggregateID); err != nil {
			return nil, nil, NewEventStoreError("seed sequence", aggregateID, err)
		}
	}

	if first := sequenceOf(events[0]); conflictOnStale && first <= last {
		return nil, nil, NewConcurrencyError(aggregateID, first-1, last)
	}

	ordered := make([]DomainEvent, len(events))
	copy(ordered, events)

	expected := last + 1
	highest := last
	violated := false
	for i, e := range ordered {
		seq := sequenceOf(e)
		if seq != expected {
			if s.mode != LenientOrdering {
				return nil, nil, NewEventOrderingError(aggregateID, i, expected, seq)
			}
			violated = true
			s.logger.Warn("Event sequence violation",
				"aggregate_id", aggregateID,
				"index", i,
				"expected", expected,
				"actual", seq,
			)
		}
		if seq > highest {
			highest = seq
		}
		expected = seq + 1
	}

	if violated {
		sort.SliceStable(ordered, func(i, j int) bool {
			return sequenceOf(ordered[i]) < sequenceOf(ordered[j])
		})
	}
	for i := range ordered {
		ordered[i].Metadata.SequenceNumber = sequenceOf(ordered[i])
	}

	ok, err := s.counter.CompareAndSet(ctx, aggregateID, last, existed, highest)
	if err != nil {
		return nil, nil, NewEventStoreError("advance sequence", aggregateID, err)
	}
	if !ok {
		current, _, _ := s.counter.Current(ctx, aggregateID)
		return nil, nil, NewConcurrencyError(aggregateID, last, current)
	}

	return ordered, &sequenceClaim{aggregateID: aggregateID, previous: last, existed: existed, next: highest}, nil
}

// rollback moves the counter from the claimed value to stored, the version
// actually persisted after a failed write. A counter another writer moved
// since the claim is left alone.
func (s *EventSequencer) rollback(ctx context.Context, claim *sequenceClaim, stored int64) {
	if claim == nil || stored == claim.next {
		return
	}
	ok, err := s.counter.CompareAndSet(context.WithoutCancel(ctx), claim.aggregateID, claim.next, true, stored)
	if err != nil || !ok {
		s.logger.Warn("Failed to roll back sequence counter",
			"aggregate_id", claim.aggregateID,
			"from", claim.next,
			"to", stored,
			"error", err,
		)
	}
}

// Resync overwrites the counter with the authoritative stored version.
func (s *EventSequencer) Resync(ctx context.Context, aggregateID string, version int64) error {
	if err := s.counter.Set(ctx, aggregateID, version); err != nil {
		return NewEventStoreError("resync sequence", aggregateID, err)
	}
	return nil
}

// DetectOutOfOrder reports violations in events without mutating any state.
// The first event of each aggregate sets the baseline.
func (s *EventSequencer) DetectOutOfOrder(events []DomainEvent) []OrderViolation {
	return detectOutOfOrder(events)
}

func detectOutOfOrder(events []DomainEvent) []OrderViolation {
	var violations []OrderViolation
	previous := make(map[string]int64)
	for i, e := range events {
		seq := sequenceOf(e)
		prev, seen := previous[e.AggregateID]
		if seen && seq != prev+1 {
			violations = append(violations, OrderViolation{
				Index:       i,
				AggregateID: e.AggregateID,
				Expected:    prev + 1,
				Actual:      seq,
				GapSize:     seq - (prev + 1),
			})
		}
		previous[e.AggregateID] = seq
	}
	return violations
}

// ReorderEvents groups events by aggregate in order of first appearance, sorts
// each group by sequence and reports the gaps that remain.
func (s *EventSequencer) ReorderEvents(events []DomainEvent) ([]DomainEvent, []OrderViolation) {
	var order []string
	groups := make(map[string][]DomainEvent)
	for _, e := range events {
		if _, ok := groups[e.AggregateID]; !ok {
			order = append(order, e.AggregateID)
		}
		groups[e.AggregateID] = append(groups[e.AggregateID], e)
	}

	out := make([]DomainEvent, 0, len(events))
	for _, id := range order {
		group := groups[id]
		sort.SliceStable(group, func(i, j int) bool {
			return sequenceOf(group[i]) < sequenceOf(group[j])
		})
		out = append(out, group...)
	}
	return out, detectOutOfOrder(out)
}

func (s *EventSequencer) checksum(aggregateID string, sequence int64, ts time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(aggregateID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(sequence, 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(ts.UnixNano(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateCheckpoint persists the aggregate's confirmed sequence with a checksum.
func (s *EventSequencer) CreateCheckpoint(ctx context.Context, aggregateID string) (SequenceCheckpoint, error) {
	if s.checkpoints == nil {
		return SequenceCheckpoint{}, errors.New("stoat: sequencer has no checkpoint store")
	}
	seq, _, err := s.counter.Current(ctx, aggregateID)
	if err != nil {
		return SequenceCheckpoint{}, NewEventStoreError("read sequence", aggregateID, err)
	}

	ts := s.now().UTC().Truncate(time.Microsecond)
	cp := SequenceCheckpoint{
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		Timestamp:      ts,
		Checksum:       s.checksum(aggregateID, seq, ts),
	}
	if err := s.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return SequenceCheckpoint{}, NewEventStoreError("save checkpoint", aggregateID, err)
	}
	return cp, nil
}

// VerifyCheckpoint checks the integrity of a checkpoint.
func (s *EventSequencer) VerifyCheckpoint(cp SequenceCheckpoint) error {
	want := s.checksum(cp.AggregateID, cp.SequenceNumber, cp.Timestamp)
	if !hmac.Equal([]byte(want), []byte(cp.Checksum)) {
		return fmt.Errorf("%w: aggregate %q at sequence %d", ErrCheckpointTampered, cp.AggregateID, cp.SequenceNumber)
	}
	return nil
}

// RestoreFromCheckpoint validates the stored checkpoint and raises the counter
// to its sequence. A checksum mismatch fails without touching the counter.
func (s *EventSequencer) RestoreFromCheckpoint(ctx context.Context, aggregateID string) (SequenceCheckpoint, error) {
	if s.checkpoints == nil {
		return SequenceCheckpoint{}, errors.New("stoat: sequencer has no checkpoint store")
	}
	cp, err := s.checkpoints.LoadCheckpoint(ctx, aggregateID)
	if err != nil {
		return SequenceCheckpoint{}, err
	}
	if err := s.VerifyCheckpoint(cp); err != nil {
		s.logger.Error("Sequence checkpoint failed integrity check",
			"aggregate_id", aggregateID,
			"sequence", cp.SequenceNumber,
		)
		return SequenceCheckpoint{}, err
	}

	current, existed, err := s.counter.Current(ctx, aggregateID)
	if err != nil {
		return SequenceCheckpoint{}, NewEventStoreError("read sequence", aggregateID, err)
	}
	if !existed || current < cp.SequenceNumber {
		if err := s.counter.Set(ctx, aggregateID, cp.SequenceNumber); err != nil {
			return SequenceCheckpoint{}, NewEventStoreError("restore sequence", aggregateID, err)
		}
	}
	return cp, nil
}
