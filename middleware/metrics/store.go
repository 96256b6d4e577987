package metrics

import (
	"context"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var (
	_ adapters.HotStore      = (*HotStoreMiddleware)(nil)
	_ adapters.WarmStore     = (*WarmStoreMiddleware)(nil)
	_ adapters.StatsReporter = (*HotStoreMiddleware)(nil)
	_ adapters.StatsReporter = (*WarmStoreMiddleware)(nil)
)

type tierRecorder struct {
	metrics *Metrics
	tier    string
}

func (r tierRecorder) observe(op string, start time.Time, err error) {
	m := r.metrics
	m.tierOperationDuration.WithLabelValues(m.serviceName, r.tier, op).Observe(time.Since(start).Seconds())
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.RecordError(errorTypeName(err))
	}
	m.tierOperationsTotal.WithLabelValues(m.serviceName, r.tier, op, status).Inc()
}

func (r tierRecorder) appended(events []adapters.DomainEvent) {
	for _, e := range events {
		r.metrics.eventsAppendedTotal.WithLabelValues(r.metrics.serviceName, r.tier, e.EventType).Inc()
	}
}

func (r tierRecorder) loaded(n int) {
	r.metrics.eventsLoadedTotal.WithLabelValues(r.metrics.serviceName, r.tier).Add(float64(n))
}

func (r tierRecorder) stats(ctx context.Context, backend interface{}) (adapters.TierStats, error) {
	if s, ok := backend.(adapters.StatsReporter); ok {
		return s.Stats(ctx)
	}
	return adapters.TierStats{Type: r.tier}, nil
}

// HotStoreMiddleware wraps a hot tier with metrics. Calls it does not
// override go straight to the wrapped store.
type HotStoreMiddleware struct {
	adapters.HotStore
	rec tierRecorder
}

// WrapHotStore wraps a hot tier; tier is the label value, e.g. "redis".
func (m *Metrics) WrapHotStore(store adapters.HotStore, tier string) *HotStoreMiddleware {
	return &HotStoreMiddleware{HotStore: store, rec: tierRecorder{metrics: m, tier: tier}}
}

// Append stores events with metrics.
func (h *HotStoreMiddleware) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	start := time.Now()
	err := h.HotStore.Append(ctx, aggregateID, events, expectedVersion)
	h.rec.observe(OperationAppend, start, err)
	if err == nil {
		h.rec.appended(events)
	}
	return err
}

// Load reads events with metrics.
func (h *HotStoreMiddleware) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	start := time.Now()
	events, err := h.HotStore.Load(ctx, aggregateID, fromVersion, toVersion)
	h.rec.observe(OperationLoad, start, err)
	h.rec.loaded(len(events))
	return events, err
}

// LoadBatch reads several aggregates with metrics.
func (h *HotStoreMiddleware) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	start := time.Now()
	logs, err := h.HotStore.LoadBatch(ctx, aggregateIDs)
	h.rec.observe(OperationBatch, start, err)
	for _, events := range logs {
		h.rec.loaded(len(events))
	}
	return logs, err
}

// Promote caches a warm log with metrics.
func (h *HotStoreMiddleware) Promote(ctx context.Context, aggregateID string, events []adapters.DomainEvent) error {
	start := time.Now()
	err := h.HotStore.Promote(ctx, aggregateID, events)
	h.rec.observe(OperationPromote, start, err)
	return err
}

// Stats forwards to the wrapped store when it reports stats.
func (h *HotStoreMiddleware) Stats(ctx context.Context) (adapters.TierStats, error) {
	return h.rec.stats(ctx, h.HotStore)
}

// WarmStoreMiddleware wraps a warm tier with metrics.
type WarmStoreMiddleware struct {
	adapters.WarmStore
	rec tierRecorder
}

// WrapWarmStore wraps a warm tier; tier is the label value, e.g. "postgres".
func (m *Metrics) WrapWarmStore(store adapters.WarmStore, tier string) *WarmStoreMiddleware {
	return &WarmStoreMiddleware{WarmStore: store, rec: tierRecorder{metrics: m, tier: tier}}
}

// Append stores events with metrics.
func (w *WarmStoreMiddleware) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	start := time.Now()
	err := w.WarmStore.Append(ctx, aggregateID, events, expectedVersion)
	w.rec.observe(OperationAppend, start, err)
	if err == nil {
		w.rec.appended(events)
	}
	return err
}

// Load reads events with metrics.
func (w *WarmStoreMiddleware) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	start := time.Now()
	events, err := w.WarmStore.Load(ctx, aggregateID, fromVersion, toVersion)
	w.rec.observe(OperationLoad, start, err)
	w.rec.loaded(len(events))
	return events, err
}

// LoadBatch reads several aggregates with metrics.
func (w *WarmStoreMiddleware) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	start := time.Now()
	logs, err := w.WarmStore.LoadBatch(ctx, aggregateIDs)
	w.rec.observe(OperationBatch, start, err)
	for _, events := range logs {
		w.rec.loaded(len(events))
	}
	return logs, err
}

// LoadByEventType replays one event type with metrics.
func (w *WarmStoreMiddleware) LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	start := time.Now()
	events, err := w.WarmStore.LoadByEventType(ctx, eventType, fromSequence, limit)
	w.rec.observe(OperationReplay, start, err)
	w.rec.loaded(len(events))
	return events, err
}

// LoadFromGlobalSequence replays all events with metrics.
func (w *WarmStoreMiddleware) LoadFromGlobalSequence(ctx context.Context, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	start := time.Now()
	events, err := w.WarmStore.LoadFromGlobalSequence(ctx, fromSequence, limit)
	w.rec.observe(OperationReplay, start, err)
	w.rec.loaded(len(events))
	return events, err
}

// Stats forwards to the wrapped store when it reports stats.
func (w *WarmStoreMiddleware) Stats(ctx context.Context) (adapters.TierStats, error) {
	return w.rec.stats(ctx, w.WarmStore)
}
