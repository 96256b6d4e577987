package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var (
	_ adapters.HotStore  = (*HotStoreMiddleware)(nil)
	_ adapters.WarmStore = (*WarmStoreMiddleware)(nil)
)

func appendAttrs(tier, aggregateID string, events []adapters.DomainEvent, expected int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTier.String(tier),
		AttrAggregateID.String(aggregateID),
		AttrEventCount.Int(len(events)),
		AttrExpected.Int64(expected),
	}
}

// HotStoreMiddleware wraps a hot tier with spans for its reads and writes.
type HotStoreMiddleware struct {
	adapters.HotStore
	tracer *Tracer
}

// WrapHotStore wraps a hot tier with tracing.
func (t *Tracer) WrapHotStore(store adapters.HotStore) *HotStoreMiddleware {
	return &HotStoreMiddleware{HotStore: store, tracer: t}
}

// Append stores events in a "hot.append" span.
func (h *HotStoreMiddleware) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	ctx, span := h.tracer.start(ctx, "hot.append", appendAttrs("hot", aggregateID, events, expectedVersion)...)
	defer span.End()

	err := h.HotStore.Append(ctx, aggregateID, events, expectedVersion)
	finish(span, err)
	return err
}

// Load reads events in a "hot.load" span.
func (h *HotStoreMiddleware) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	ctx, span := h.tracer.start(ctx, "hot.load", AttrTier.String("hot"), AttrAggregateID.String(aggregateID))
	defer span.End()

	events, err := h.HotStore.Load(ctx, aggregateID, fromVersion, toVersion)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	finish(span, err)
	return events, err
}

// Promote caches a warm log in a "hot.promote" span.
func (h *HotStoreMiddleware) Promote(ctx context.Context, aggregateID string, events []adapters.DomainEvent) error {
	ctx, span := h.tracer.start(ctx, "hot.promote", AttrTier.String("hot"), AttrAggregateID.String(aggregateID), AttrEventCount.Int(len(events)))
	defer span.End()

	err := h.HotStore.Promote(ctx, aggregateID, events)
	finish(span, err)
	return err
}

// Stats forwards to the wrapped store when it reports stats.
func (h *HotStoreMiddleware) Stats(ctx context.Context) (adapters.TierStats, error) {
	if s, ok := h.HotStore.(adapters.StatsReporter); ok {
		return s.Stats(ctx)
	}
	return adapters.TierStats{Type: "hot"}, nil
}

// WarmStoreMiddleware wraps a warm tier with spans for its reads and writes.
type WarmStoreMiddleware struct {
	adapters.WarmStore
	tracer *Tracer
}

// WrapWarmStore wraps a warm tier with tracing.
func (t *Tracer) WrapWarmStore(store adapters.WarmStore) *WarmStoreMiddleware {
	return &WarmStoreMiddleware{WarmStore: store, tracer: t}
}

// Append stores events in a "warm.append" span.
func (w *WarmStoreMiddleware) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	ctx, span := w.tracer.start(ctx, "warm.append", appendAttrs("warm", aggregateID, events, expectedVersion)...)
	defer span.End()

	err := w.WarmStore.Append(ctx, aggregateID, events, expectedVersion)
	finish(span, err)
	return err
}

// Load reads events in a "warm.load" span.
func (w *WarmStoreMiddleware) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	ctx, span := w.tracer.start(ctx, "warm.load", AttrTier.String("warm"), AttrAggregateID.String(aggregateID))
	defer span.End()

	events, err := w.WarmStore.Load(ctx, aggregateID, fromVersion, toVersion)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	finish(span, err)
	return events, err
}

// LoadByEventType replays one event type in a "warm.load_by_event_type" span.
func (w *WarmStoreMiddleware) LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	ctx, span := w.tracer.start(ctx, "warm.load_by_event_type", AttrTier.String("warm"), AttrEventType.String(eventType))
	defer span.End()

	events, err := w.WarmStore.LoadByEventType(ctx, eventType, fromSequence, limit)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	finish(span, err)
	return events, err
}

// Stats forwards to the wrapped store when it reports stats.
func (w *WarmStoreMiddleware) Stats(ctx context.Context) (adapters.TierStats, error) {
	if s, ok := w.WarmStore.(adapters.StatsReporter); ok {
		return s.Stats(ctx)
	}
	return adapters.TierStats{Type: "warm"}, nil
}
