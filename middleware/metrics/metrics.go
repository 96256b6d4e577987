// Package metrics provides Prometheus metrics integration for stoat.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("orders"))
//	m.MustRegister()
//
//	bus := stoat.NewCommandBus(stoat.WithMiddleware(m.CommandMiddleware()))
//	queries := stoat.NewQueryBus(stoat.WithQueryMiddleware(m.QueryMiddleware()))
//	breakers := stoat.NewCircuitBreakerRegistry(cfg, stoat.WithBreakerStateChange(m.BreakerStateChange()))
//	store := stoat.NewTieredEventStore(m.WrapHotStore(hot, "redis"), m.WrapWarmStore(warm, "postgres"))
//
// The metrics collected include:
//   - Command and query counts, durations and in-flight gauges
//   - Tier operations by tier and outcome, events appended and loaded
//   - Circuit breaker state and transitions per target
//   - Store and cache tier gauges sampled from their Stats
//   - Error counts by type
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Default metric labels.
const (
	LabelCommandType = "command_type"
	LabelQueryType   = "query_type"
	LabelEventType   = "event_type"
	LabelTier        = "tier"
	LabelTarget      = "target"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
	LabelFrom        = "from"
	LabelTo          = "to"
)

// Status values.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// Operation values.
const (
	OperationAppend  = "append"
	OperationLoad    = "load"
	OperationBatch   = "load_batch"
	OperationPromote = "promote"
	OperationReplay  = "replay"
)

// Metrics holds all Prometheus metrics for stoat.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Command and query metrics
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec

	// Tier metrics
	tierOperationsTotal   *prometheus.CounterVec
	tierOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal   *prometheus.CounterVec
	eventsLoadedTotal     *prometheus.CounterVec

	// Circuit breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Sampled gauges
	tierHits           *prometheus.GaugeVec
	tierMisses         *prometheus.GaugeVec
	tierSize           *prometheus.GaugeVec
	storePromotions    *prometheus.GaugeVec
	storeFailovers     *prometheus.GaugeVec
	pendingPersistence *prometheus.GaugeVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "stoat",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total", "Total number of commands processed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds", "Duration of command processing in seconds.", LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight", "Number of commands currently being processed.", LabelCommandType)
	m.queriesTotal = m.counter("queries_total", "Total number of query handler executions.", LabelQueryType, LabelStatus)
	m.queryDuration = m.histogram("query_duration_seconds", "Duration of query handler execution in seconds.", LabelQueryType)

	m.tierOperationsTotal = m.counter("tier_operations_total", "Total number of storage tier operations.", LabelTier, LabelOperation, LabelStatus)
	m.tierOperationDuration = m.histogram("tier_operation_duration_seconds", "Duration of storage tier operations in seconds.", LabelTier, LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total", "Total number of events appended to a tier.", LabelTier, LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total", "Total number of events loaded from a tier.", LabelTier)

	m.breakerState = m.gauge("circuit_breaker_state", "Circuit breaker state per target (0 closed, 1 open, 2 half-open).", LabelTarget)
	m.breakerTransitions = m.counter("circuit_breaker_transitions_total", "Total number of circuit breaker state transitions.", LabelTarget, LabelFrom, LabelTo)

	m.tierHits = m.gauge("tier_hits", "Hits reported by a storage or cache tier.", LabelTier)
	m.tierMisses = m.gauge("tier_misses", "Misses reported by a storage or cache tier.", LabelTier)
	m.tierSize = m.gauge("tier_size", "Entries or aggregates held by a tier.", LabelTier)
	m.storePromotions = m.gauge("store_promotions", "Aggregates promoted from the warm to the hot tier.")
	m.storeFailovers = m.gauge("store_failovers", "Appends written to the warm tier because the hot tier failed.")
	m.pendingPersistence = m.gauge("store_pending_persistence", "Warm writes queued but not yet confirmed.")

	m.errorsTotal = m.counter("errors_total", "Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.queriesTotal,
		m.queryDuration,
		m.tierOperationsTotal,
		m.tierOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.breakerState,
		m.breakerTransitions,
		m.tierHits,
		m.tierMisses,
		m.tierSize,
		m.storePromotions,
		m.storeFailovers,
		m.pendingPersistence,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Command and query middleware
// =============================================================================

// CommandMiddleware returns middleware that records command metrics.
func (m *Metrics) CommandMiddleware() stoat.Middleware {
	return func(next stoat.MiddlewareFunc) stoat.MiddlewareFunc {
		return func(ctx context.Context, cmd stoat.Command) (stoat.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil || result.IsError() {
				status = StatusError
				if err == nil {
					err = result.Error
				}
				m.RecordError(errorTypeName(err))
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()

			return result, err
		}
	}
}

// QueryMiddleware returns query bus middleware that records handler metrics.
// Cache hits never reach the handler and are not counted here.
func (m *Metrics) QueryMiddleware() stoat.QueryMiddleware {
	return func(next stoat.QueryFunc) stoat.QueryFunc {
		return func(ctx context.Context, q stoat.Query) (interface{}, error) {
			queryType := q.QueryType()

			start := time.Now()
			v, err := next(ctx, q)
			m.queryDuration.WithLabelValues(m.serviceName, queryType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
				m.RecordError(errorTypeName(err))
			}
			m.queriesTotal.WithLabelValues(m.serviceName, queryType, status).Inc()
			return v, err
		}
	}
}

// errorTypeName maps an error to a low-cardinality label.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, stoat.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, stoat.ErrAggregateNotFound):
		return "aggregate_not_found"
	case errors.Is(err, stoat.ErrEventOrdering):
		return "event_ordering"
	case errors.Is(err, stoat.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, stoat.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, stoat.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, stoat.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, stoat.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, stoat.ErrTimeout):
		return "timeout"
	case errors.Is(err, stoat.ErrSerialization):
		return "serialization_failed"
	case errors.Is(err, stoat.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, stoat.ErrEventStore):
		return "event_store"
	case errors.Is(err, stoat.ErrNilCommand), errors.Is(err, stoat.ErrNilQuery):
		return "nil_message"
	case errors.Is(err, adapters.ErrEmptyAggregateID):
		return "empty_aggregate_id"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// =============================================================================
// Circuit breakers
// =============================================================================

// BreakerStateChange returns a callback for stoat.WithBreakerStateChange
// that tracks each target's state and transitions.
func (m *Metrics) BreakerStateChange() stoat.StateChangeFunc {
	return func(target string, from, to stoat.CircuitState) {
		m.breakerState.WithLabelValues(m.serviceName, target).Set(float64(to))
		m.breakerTransitions.WithLabelValues(m.serviceName, target, from.String(), to.String()).Inc()
	}
}

// =============================================================================
// Sampled stats
// =============================================================================

func (m *Metrics) recordTier(s adapters.TierStats) {
	m.tierHits.WithLabelValues(m.serviceName, s.Type).Set(float64(s.Hits))
	m.tierMisses.WithLabelValues(m.serviceName, s.Type).Set(float64(s.Misses))
	m.tierSize.WithLabelValues(m.serviceName, s.Type).Set(float64(s.Size))
}

// RecordStoreStats sets the store gauges from a stats sample.
func (m *Metrics) RecordStoreStats(s stoat.StoreStats) {
	m.recordTier(s.Hot)
	m.recordTier(s.Warm)
	m.storePromotions.WithLabelValues(m.serviceName).Set(float64(s.Promotions))
	m.storeFailovers.WithLabelValues(m.serviceName).Set(float64(s.Failovers))
	m.pendingPersistence.WithLabelValues(m.serviceName).Set(float64(s.PendingPersistence))
}

// RecordCacheStats sets the per-tier cache gauges from a stats sample.
func (m *Metrics) RecordCacheStats(s stoat.CacheStats) {
	for _, t := range s.Tiers {
		m.recordTier(t)
	}
}

// StatsSource is sampled by Poll.
type StatsSource interface {
	Stats(ctx context.Context) (stoat.StoreStats, error)
}

// Poll samples store stats every interval until ctx is done.
func (m *Metrics) Poll(ctx context.Context, store StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s, err := store.Stats(ctx); err == nil {
			m.RecordStoreStats(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecordError increments the error counter for errorType.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec {
	return m.commandsTotal
}

// CommandDuration returns the command duration histogram.
func (m *Metrics) CommandDuration() *prometheus.HistogramVec {
	return m.commandDuration
}

// QueriesTotal returns the queries counter.
func (m *Metrics) QueriesTotal() *prometheus.CounterVec {
	return m.queriesTotal
}

// TierOperationsTotal returns the tier operations counter.
func (m *Metrics) TierOperationsTotal() *prometheus.CounterVec {
	return m.tierOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// BreakerState returns the circuit breaker state gauge.
func (m *Metrics) BreakerState() *prometheus.GaugeVec {
	return m.breakerState
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
