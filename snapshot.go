package stoat

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// SnapshotMetrics describes an aggregate's access pattern for snapshot decisions.
type SnapshotMetrics struct {
	// AccessFrequency is loads per hour over the tracker window.
	AccessFrequency float64

	// StateSize is the size in bytes of the last observed snapshot state.
	StateSize int

	// AverageLoadTime is a rolling average of load durations.
	AverageLoadTime time.Duration

	// LastSnapshotAt is when the latest snapshot was created, zero if none.
	LastSnapshotAt time.Time
}

// SnapshotStrategy decides whether to snapshot an aggregate.
type SnapshotStrategy interface {
	ShouldCreateSnapshot(currentVersion, lastSnapshotVersion int64, metrics SnapshotMetrics) bool
}

// ThresholdStrategy snapshots every Threshold versions. The manager places
// snapshots at exact multiples of the threshold past the last snapshot, even
// when one append crosses several of them.
type ThresholdStrategy interface {
	SnapshotStrategy
	Threshold(metrics SnapshotMetrics) int64
}

// DefaultSnapshotThreshold is the version distance used by SimpleStrategy.
const DefaultSnapshotThreshold int64 = 10

// SimpleStrategy snapshots every fixed number of events.
type SimpleStrategy struct {
	threshold int64
}

// NewSimpleStrategy creates a strategy with the given threshold.
// A threshold below 1 uses DefaultSnapshotThreshold.
func NewSimpleStrategy(threshold int64) *SimpleStrategy {
	if threshold < 1 {
		threshold = DefaultSnapshotThreshold
	}
	return &SimpleStrategy{threshold: threshold}
}

// Threshold returns the fixed threshold.
func (s *SimpleStrategy) Threshold(SnapshotMetrics) int64 {
	return s.threshold
}

// ShouldCreateSnapshot reports whether threshold events accumulated since the last snapshot.
func (s *SimpleStrategy) ShouldCreateSnapshot(currentVersion, lastSnapshotVersion int64, _ SnapshotMetrics) bool {
	return currentVersion-lastSnapshotVersion >= s.threshold
}

// AdaptiveStrategy lowers the threshold for aggregates that are read often,
// have large state or load slowly.
type AdaptiveStrategy struct {
	MinThreshold int64
	MaxThreshold int64

	FrequencyWeight   float64
	SizeWeight        float64
	PerformanceWeight float64

	// Each factor saturates at its ceiling.
	FrequencyCeiling float64
	SizeCeiling      int
	LoadTimeCeiling  time.Duration
}

// AdaptiveOption configures an AdaptiveStrategy.
type AdaptiveOption func(*AdaptiveStrategy)

// WithThresholdBounds sets the minimum and maximum thresholds.
func WithThresholdBounds(min, max int64) AdaptiveOption {
	return func(s *AdaptiveStrategy) {
		s.MinThreshold = min
		s.MaxThreshold = max
	}
}

// WithFactorWeights sets the weights of access frequency, state size and load time.
func WithFactorWeights(frequency, size, performance float64) AdaptiveOption {
	return func(s *AdaptiveStrategy) {
		s.FrequencyWeight = frequency
		s.SizeWeight = size
		s.PerformanceWeight = performance
	}
}

// NewAdaptiveStrategy creates an adaptive strategy with thresholds 5..100.
func NewAdaptiveStrategy(opts ...AdaptiveOption) *AdaptiveStrategy {
	s := &AdaptiveStrategy{
		MinThreshold:      5,
		MaxThreshold:      100,
		FrequencyWeight:   0.5,
		SizeWeight:        0.3,
		PerformanceWeight: 0.2,
		FrequencyCeiling:  100,
		SizeCeiling:       64 * 1024,
		LoadTimeCeiling:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.MinThreshold < 1 {
		s.MinThreshold = 1
	}
	if s.MaxThreshold < s.MinThreshold {
		s.MaxThreshold = s.MinThreshold
	}
	return s
}

func saturate(v, ceiling float64) float64 {
	if ceiling <= 0 || v <= 0 {
		return 0
	}
	return math.Min(v/ceiling, 1)
}

// Score returns the weighted pressure in [0, 1].
func (s *AdaptiveStrategy) Score(m SnapshotMetrics) float64 {
	total := s.FrequencyWeight + s.SizeWeight + s.PerformanceWeight
	if total <= 0 {
		return 0
	}
	score := s.FrequencyWeight*saturate(m.AccessFrequency, s.FrequencyCeiling) +
		s.SizeWeight*saturate(float64(m.StateSize), float64(s.SizeCeiling)) +
		s.PerformanceWeight*saturate(float64(m.AverageLoadTime), float64(s.LoadTimeCeiling))
	return score / total
}

// Threshold interpolates between MaxThreshold (score 0) and MinThreshold (score 1).
func (s *AdaptiveStrategy) Threshold(m SnapshotMetrics) int64 {
	span := float64(s.MaxThreshold - s.MinThreshold)
	return s.MaxThreshold - int64(math.Round(s.Score(m)*span))
}

// ShouldCreateSnapshot reports whether the adaptive threshold has been reached.
func (s *AdaptiveStrategy) ShouldCreateSnapshot(currentVersion, lastSnapshotVersion int64, m SnapshotMetrics) bool {
	return currentVersion-lastSnapshotVersion >= s.Threshold(m)
}

// TimeBasedStrategy snapshots when the last snapshot is older than an interval.
type TimeBasedStrategy struct {
	interval time.Duration
	now      func() time.Time
}

// NewTimeBasedStrategy creates a strategy with the given interval.
func NewTimeBasedStrategy(interval time.Duration) *TimeBasedStrategy {
	return &TimeBasedStrategy{interval: interval, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *TimeBasedStrategy) WithClock(now func() time.Time) *TimeBasedStrategy {
	s.now = now
	return s
}

// ShouldCreateSnapshot is true when there are new events and either no
// snapshot exists or the latest one is older than the interval.
func (s *TimeBasedStrategy) ShouldCreateSnapshot(currentVersion, lastSnapshotVersion int64, m SnapshotMetrics) bool {
	if currentVersion <= lastSnapshotVersion {
		return false
	}
	if lastSnapshotVersion == 0 || m.LastSnapshotAt.IsZero() {
		return true
	}
	return s.now().Sub(m.LastSnapshotAt) >= s.interval
}

// AccessTracker records per-aggregate load activity for adaptive snapshotting.
type AccessTracker struct {
	mu        sync.Mutex
	window    time.Duration
	maxEvents int
	now       func() time.Time
	entries   map[string]*accessEntry
}

type accessEntry struct {
	loads     []time.Time
	avgLoad   time.Duration
	stateSize int
}

// TrackerOption configures an AccessTracker.
type TrackerOption func(*AccessTracker)

// WithAccessWindow sets the window over which access frequency is measured.
func WithAccessWindow(d time.Duration) TrackerOption {
	return func(t *AccessTracker) {
		t.window = d
	}
}

// WithTrackerClock overrides the clock.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *AccessTracker) {
		t.now = now
	}
}

// NewAccessTracker creates a tracker with a one hour window.
func NewAccessTracker(opts ...TrackerOption) *AccessTracker {
	t := &AccessTracker{
		window:    time.Hour,
		maxEvents: 1000,
		now:       time.Now,
		entries:   make(map[string]*accessEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *AccessTracker) entry(id string) *accessEntry {
	e, ok := t.entries[id]
	if !ok {
		e = &accessEntry{}
		t.entries[id] = e
	}
	return e
}

// trim drops loads outside the window. Caller holds mu.
func (t *AccessTracker) trim(e *accessEntry, now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(e.loads) && e.loads[i].Before(cutoff) {
		i++
	}
	e.loads = e.loads[i:]
}

// RecordLoad records one load and its duration.
func (t *AccessTracker) RecordLoad(aggregateID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := t.entry(aggregateID)
	t.trim(e, now)
	e.loads = append(e.loads, now)
	if len(e.loads) > t.maxEvents {
		e.loads = e.loads[len(e.loads)-t.maxEvents:]
	}
	if e.avgLoad == 0 {
		e.avgLoad = d
	} else {
		e.avgLoad = time.Duration(0.8*float64(e.avgLoad) + 0.2*float64(d))
	}
}

// RecordStateSize records the size of an aggregate's serialized state.
func (t *AccessTracker) RecordStateSize(aggregateID string, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(aggregateID).stateSize = bytes
}

// Metrics returns the aggregate's current metrics. LastSnapshotAt is left zero.
func (t *AccessTracker) Metrics(aggregateID string) SnapshotMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[aggregateID]
	if !ok {
		return SnapshotMetrics{}
	}
	t.trim(e, t.now())
	return SnapshotMetrics{
		AccessFrequency: float64(len(e.loads)) / t.window.Hours(),
		StateSize:       e.stateSize,
		AverageLoadTime: e.avgLoad,
	}
}

// SnapshotBuilder materializes a snapshot at an exact version.
// Repository implements it.
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, aggregateType, aggregateID string, version int64) (*Snapshot, error)
}

// SnapshotManager applies a snapshot strategy after every append.
// Register it on the store with WithPostAppendHook or RegisterHook.
type SnapshotManager struct {
	store    adapters.SnapshotStore
	strategy SnapshotStrategy
	builder  SnapshotBuilder
	tracker  *AccessTracker
	keep     int
	maxAge   time.Duration
	logger   Logger

	created atomic.Int64
	failed  atomic.Int64
}

// SnapshotManagerOption configures a SnapshotManager.
type SnapshotManagerOption func(*SnapshotManager)

// WithSnapshotRetention keeps the newest keep snapshots per aggregate and
// prunes snapshots older than maxAge. Zero disables either rule.
func WithSnapshotRetention(keep int, maxAge time.Duration) SnapshotManagerOption {
	return func(m *SnapshotManager) {
		m.keep = keep
		m.maxAge = maxAge
	}
}

// WithSnapshotTracker supplies access metrics to the strategy.
func WithSnapshotTracker(t *AccessTracker) SnapshotManagerOption {
	return func(m *SnapshotManager) {
		m.tracker = t
	}
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(l Logger) SnapshotManagerOption {
	return func(m *SnapshotManager) {
		m.logger = orNoop(l)
	}
}

// NewSnapshotManager creates a manager. A nil strategy uses SimpleStrategy
// with the default threshold.
func NewSnapshotManager(store adapters.SnapshotStore, strategy SnapshotStrategy, builder SnapshotBuilder, opts ...SnapshotManagerOption) *SnapshotManager {
	if strategy == nil {
		strategy = NewSimpleStrategy(DefaultSnapshotThreshold)
	}
	m := &SnapshotManager{
		store:    store,
		strategy: strategy,
		builder:  builder,
		logger:   &noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ PostAppendHook = (*SnapshotManager)(nil)

// AfterAppend creates the snapshots the strategy calls for.
func (m *SnapshotManager) AfterAppend(ctx context.Context, result AppendResult) error {
	latest, err := m.store.Load(ctx, result.AggregateID, 0)
	if err != nil {
		return NewEventStoreError("load snapshot", result.AggregateID, err)
	}

	var metrics SnapshotMetrics
	if m.tracker != nil {
		metrics = m.tracker.Metrics(result.AggregateID)
	}
	var last int64
	if latest != nil {
		last = latest.Version
		metrics.LastSnapshotAt = latest.CreatedAt
	}

	versions := m.plan(result.Version, last, metrics)
	for _, v := range versions {
		if err := m.CreateSnapshot(ctx, result.AggregateType, result.AggregateID, v); err != nil {
			return err
		}
	}
	if len(versions) > 0 {
		m.applyRetention(ctx, result.AggregateID)
	}
	return nil
}

// plan returns the versions to snapshot, ascending.
func (m *SnapshotManager) plan(current, last int64, metrics SnapshotMetrics) []int64 {
	ts, ok := m.strategy.(ThresholdStrategy)
	if !ok {
		if m.strategy.ShouldCreateSnapshot(current, last, metrics) {
			return []int64{current}
		}
		return nil
	}

	step := ts.Threshold(metrics)
	if step < 1 {
		step = 1
	}
	var versions []int64
	for v := last + step; v <= current; v += step {
		versions = append(versions, v)
	}
	return versions
}

// CreateSnapshot builds and stores a snapshot at version.
func (m *SnapshotManager) CreateSnapshot(ctx context.Context, aggregateType, aggregateID string, version int64) error {
	snapshot, err := m.builder.BuildSnapshot(ctx, aggregateType, aggregateID, version)
	if err == nil {
		err = m.store.Store(ctx, snapshot)
	}
	if err != nil {
		m.failed.Add(1)
		return NewEventStoreError("snapshot", aggregateID, err)
	}

	m.created.Add(1)
	if m.tracker != nil {
		m.tracker.RecordStateSize(aggregateID, len(snapshot.State))
	}
	m.logger.Debug("Snapshot created",
		"aggregate_id", aggregateID,
		"aggregate_type", aggregateType,
		"version", version,
	)
	return nil
}

func (m *SnapshotManager) applyRetention(ctx context.Context, aggregateID string) {
	if m.keep > 0 {
		if _, err := m.store.Cleanup(ctx, aggregateID, m.keep); err != nil {
			m.logger.Warn("Snapshot cleanup failed", "aggregate_id", aggregateID, "error", err)
		}
	}
	if m.maxAge > 0 {
		if _, err := m.store.PruneOlderThan(ctx, m.maxAge); err != nil {
			m.logger.Warn("Snapshot pruning failed", "error", err)
		}
	}
}

// Created returns the number of snapshots created.
func (m *SnapshotManager) Created() int64 {
	return m.created.Load()
}

// Failed returns the number of snapshot attempts that failed.
func (m *SnapshotManager) Failed() int64 {
	return m.failed.Load()
}
