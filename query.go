package stoat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Query is a read request.
type Query interface {
	// QueryType returns the type identifier for this query (e.g., "GetBalance").
	QueryType() string
}

// CacheableQuery is a query whose results may be served from the cache.
type CacheableQuery interface {
	Query

	// CacheParams returns the values the result depends on. They are hashed
	// into the cache key.
	CacheParams() interface{}

	// CacheTags returns the tags the cached result is invalidated by.
	CacheTags() []string

	// CacheTTL caps how long the result is cached. Zero uses the tier TTLs.
	CacheTTL() time.Duration
}

// CircuitTargeted is a query that names the circuit breaker guarding it.
// Queries without it are guarded by a breaker named after their type.
type CircuitTargeted interface {
	CircuitTarget() string
}

// QueryHandler handles one query type.
type QueryHandler interface {
	QueryType() string
	Handle(ctx context.Context, q Query) (interface{}, error)
}

// QueryFunc is the function signature for query middleware.
type QueryFunc func(ctx context.Context, q Query) (interface{}, error)

// QueryMiddleware wraps query handling.
type QueryMiddleware func(next QueryFunc) QueryFunc

type queryHandlerFunc[Q Query, R any] struct {
	queryType string
	fn        func(ctx context.Context, q Q) (R, error)
}

func (h *queryHandlerFunc[Q, R]) QueryType() string {
	return h.queryType
}

func (h *queryHandlerFunc[Q, R]) Handle(ctx context.Context, q Query) (interface{}, error) {
	typed, ok := q.(Q)
	if !ok {
		return nil, fmt.Errorf("stoat: expected query type %T, got %T", *new(Q), q)
	}
	return h.fn(ctx, typed)
}

// QueryResult is the value returned by Ask.
type QueryResult[R any] struct {
	Value R

	// FromCache reports whether Value was served from the cache.
	FromCache bool
}

// QueryStats counts query outcomes. Executions counts handler calls
// attempted, cache hits excluded.
type QueryStats struct {
	Executions int64 `json:"executions"`
	CacheHits  int64 `json:"cache_hits"`
	Failures   int64 `json:"failures"`
	Rejected   int64 `json:"rejected"`
	TimedOut   int64 `json:"timed_out"`
}

// QueryBus runs queries: cache lookup for cacheable queries, then the
// handler behind its circuit breaker, then cache population.
type QueryBus struct {
	mu         sync.RWMutex
	handlers   map[string]QueryHandler
	middleware []QueryMiddleware

	cache      *CacheManager
	breakers   *CircuitBreakerRegistry
	serializer Serializer
	timeout    time.Duration
	logger     Logger

	executions atomic.Int64
	cacheHits  atomic.Int64
	failures   atomic.Int64
	rejected   atomic.Int64
	timedOut   atomic.Int64
}

// QueryBusOption configures a QueryBus.
type QueryBusOption func(*QueryBus)

// WithQueryCache enables caching of CacheableQuery results.
func WithQueryCache(cache *CacheManager) QueryBusOption {
	return func(b *QueryBus) {
		b.cache = cache
	}
}

// WithQueryCircuitBreakers guards handlers with per-target breakers.
func WithQueryCircuitBreakers(r *CircuitBreakerRegistry) QueryBusOption {
	return func(b *QueryBus) {
		b.breakers = r
	}
}

// WithQuerySerializer sets the codec for cached results. Default is JSON.
func WithQuerySerializer(s Serializer) QueryBusOption {
	return func(b *QueryBus) {
		b.serializer = s
	}
}

// WithQueryTimeout bounds each handler call. Zero disables it.
func WithQueryTimeout(d time.Duration) QueryBusOption {
	return func(b *QueryBus) {
		b.timeout = d
	}
}

// WithQueryMiddleware wraps every handler call.
func WithQueryMiddleware(m ...QueryMiddleware) QueryBusOption {
	return func(b *QueryBus) {
		b.middleware = append(b.middleware, m...)
	}
}

// WithQueryLogger sets the logger.
func WithQueryLogger(l Logger) QueryBusOption {
	return func(b *QueryBus) {
		b.logger = orNoop(l)
	}
}

// NewQueryBus creates a QueryBus.
func NewQueryBus(opts ...QueryBusOption) *QueryBus {
	b := &QueryBus{
		handlers:   make(map[string]QueryHandler),
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a handler, replacing any handler for the same query type.
func (b *QueryBus) Register(h QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[h.QueryType()] = h
}

// RegisterQueryHandler registers a typed handler for Q. The query type is
// read from the zero value of Q.
func RegisterQueryHandler[Q Query, R any](b *QueryBus, fn func(ctx context.Context, q Q) (R, error)) {
	var zero Q
	b.Register(&queryHandlerFunc[Q, R]{queryType: zero.QueryType(), fn: fn})
}

// Ask runs q and returns its result as R. Cached results are decoded with
// the bus serializer, so R must round-trip through it.
func Ask[R any](ctx context.Context, b *QueryBus, q Query) (QueryResult[R], error) {
	var out QueryResult[R]

	cq, cacheable := q.(CacheableQuery)
	if !cacheable || b.cache == nil {
		v, err := b.execute(ctx, q)
		if err != nil {
			return out, err
		}
		typed, ok := v.(R)
		if !ok && v != nil {
			return out, fmt.Errorf("stoat: query %q returned %T, not %T", q.QueryType(), v, *new(R))
		}
		out.Value = typed
		return out, nil
	}

	key := b.cache.Key(q.QueryType(), cq.CacheParams())
	data, fromCache, err := b.cache.Remember(ctx, key, cq.CacheTTL(), cq.CacheTags(), func(ctx context.Context) ([]byte, error) {
		v, err := b.execute(ctx, q)
		if err != nil {
			return nil, err
		}
		return b.serializer.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if fromCache {
		b.cacheHits.Add(1)
	}
	if err := b.serializer.Unmarshal(data, &out.Value); err != nil {
		return out, err
	}
	out.FromCache = fromCache
	return out, nil
}

// Execute runs q without caching and returns the untyped result.
func (b *QueryBus) Execute(ctx context.Context, q Query) (interface{}, error) {
	return b.execute(ctx, q)
}

func (b *QueryBus) execute(ctx context.Context, q Query) (interface{}, error) {
	if q == nil {
		return nil, ErrNilQuery
	}
	b.executions.Add(1)

	b.mu.RLock()
	h := b.handlers[q.QueryType()]
	chain := QueryFunc(nil)
	if h != nil {
		chain = h.Handle
		for i := len(b.middleware) - 1; i >= 0; i-- {
			chain = b.middleware[i](chain)
		}
	}
	b.mu.RUnlock()
	if h == nil {
		return nil, NewHandlerNotFoundError(q.QueryType())
	}

	call := chain
	if b.timeout > 0 {
		call = func(ctx context.Context, q Query) (interface{}, error) {
			return runWithTimeout(ctx, b.timeout, "query "+q.QueryType(), func(ctx context.Context) (interface{}, error) {
				return chain(ctx, q)
			})
		}
	}

	var (
		v   interface{}
		err error
	)
	if b.breakers == nil {
		v, err = call(ctx, q)
	} else {
		target := q.QueryType()
		if t, ok := q.(CircuitTargeted); ok && t.CircuitTarget() != "" {
			target = t.CircuitTarget()
		}
		err = b.breakers.Execute(ctx, target, func(ctx context.Context) error {
			var callErr error
			v, callErr = call(ctx, q)
			return callErr
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		b.rejected.Add(1)
		b.logger.Warn("Query rejected by open circuit", "type", q.QueryType(), "error", err)
	case errors.Is(err, ErrTimeout):
		b.timedOut.Add(1)
		b.failures.Add(1)
		b.logger.Error("Query timed out", "type", q.QueryType(), "error", err)
	default:
		b.failures.Add(1)
		b.logger.Error("Query failed", "type", q.QueryType(), "error", err)
	}
	return v, err
}

// Stats returns query counters.
func (b *QueryBus) Stats() QueryStats {
	return QueryStats{
		Executions: b.executions.Load(),
		CacheHits:  b.cacheHits.Load(),
		Failures:   b.failures.Load(),
		Rejected:   b.rejected.Load(),
		TimedOut:   b.timedOut.Load(),
	}
}
