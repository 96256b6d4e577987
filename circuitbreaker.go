package stoat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the open timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single trial call.
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 60 * time.Second
	DefaultOpenTimeout      = 30 * time.Second
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int

	// Window is the span failures are counted over. It starts at the first
	// failure after the previous window expired.
	Window time.Duration

	// OpenTimeout is how long the circuit stays open before a trial call.
	OpenTimeout time.Duration

	// IsFailure classifies call errors. If nil, every error except
	// context.Canceled counts.
	IsFailure func(err error) bool
}

// DefaultCircuitBreakerConfig returns 5 failures within 60s, open for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		Window:           DefaultFailureWindow,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultFailureWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// StateChangeFunc observes circuit transitions.
type StateChangeFunc func(target string, from, to CircuitState)

// CircuitBreaker guards calls to one logical target. All state lives in
// atomics and transitions are compare-and-set, so concurrent callers never
// block on each other.
type CircuitBreaker struct {
	target   string
	cfg      CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	state       atomic.Int32
	failures    atomic.Int64
	windowStart atomic.Int64
	openedAt    atomic.Int64
	trial       atomic.Bool
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitClock overrides the clock.
func WithCircuitClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker for target.
func NewCircuitBreaker(target string, cfg CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		target: target,
		cfg:    cfg.normalized(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Target returns the guarded target name.
func (cb *CircuitBreaker) Target() string {
	return cb.target
}

// State returns the current state. An open circuit whose timeout has
// elapsed still reports open until the next call moves it to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Execute runs fn if the circuit admits the call and records its outcome.
// A rejected call returns a CircuitBreakerOpenError without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// Allow admits or rejects a call. On admission the caller must report the
// call's outcome through done exactly once.
func (cb *CircuitBreaker) Allow() (done func(err error), err error) {
	now := cb.now()
	for {
		switch CircuitState(cb.state.Load()) {
		case CircuitClosed:
			return func(err error) { cb.record(err, false) }, nil

		case CircuitOpen:
			elapsed := time.Duration(now.UnixNano() - cb.openedAt.Load())
			if elapsed < cb.cfg.OpenTimeout {
				return nil, NewCircuitBreakerOpenError(cb.target, cb.cfg.OpenTimeout-elapsed)
			}
			cb.transition(CircuitOpen, CircuitHalfOpen)

		case CircuitHalfOpen:
			if !cb.trial.CompareAndSwap(false, true) {
				return nil, NewCircuitBreakerOpenError(cb.target, 0)
			}
			return func(err error) { cb.record(err, true) }, nil
		}
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	failed := err != nil && cb.cfg.IsFailure(err)
	now := cb.now()

	if trial {
		switch {
		case failed:
			cb.openedAt.Store(now.UnixNano())
			cb.transition(CircuitHalfOpen, CircuitOpen)
		case err == nil:
			cb.failures.Store(0)
			cb.windowStart.Store(0)
			cb.transition(CircuitHalfOpen, CircuitClosed)
		}
		cb.trial.Store(false)
		return
	}

	if !failed {
		return
	}

	n := now.UnixNano()
	for {
		start := cb.windowStart.Load()
		if start != 0 && n-start <= int64(cb.cfg.Window) {
			break
		}
		if cb.windowStart.CompareAndSwap(start, n) {
			cb.failures.Store(0)
			break
		}
	}
	if cb.failures.Add(1) >= int64(cb.cfg.FailureThreshold) && cb.State() == CircuitClosed {
		cb.openedAt.Store(n)
		if cb.transition(CircuitClosed, CircuitOpen) {
			cb.failures.Store(0)
			cb.windowStart.Store(0)
		}
	}
}

func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.onChange != nil {
		cb.onChange(cb.target, from, to)
	}
	return true
}

// Reset closes the circuit and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	from := CircuitState(cb.state.Swap(int32(CircuitClosed)))
	cb.failures.Store(0)
	cb.windowStart.Store(0)
	cb.trial.Store(false)
	if from != CircuitClosed && cb.onChange != nil {
		cb.onChange(cb.target, from, CircuitClosed)
	}
}

// CircuitBreakerRegistry lazily creates one breaker per target, all sharing
// one configuration.
type CircuitBreakerRegistry struct {
	cfg      CircuitBreakerConfig
	logger   Logger
	now      func() time.Time
	onChange StateChangeFunc
	breakers sync.Map
}

// CircuitBreakerRegistryOption configures a CircuitBreakerRegistry.
type CircuitBreakerRegistryOption func(*CircuitBreakerRegistry)

// WithBreakerLogger sets the logger transitions are reported to at Warn.
func WithBreakerLogger(l Logger) CircuitBreakerRegistryOption {
	return func(r *CircuitBreakerRegistry) {
		r.logger = orNoop(l)
	}
}

// WithBreakerClock overrides the clock of every breaker.
func WithBreakerClock(now func() time.Time) CircuitBreakerRegistryOption {
	return func(r *CircuitBreakerRegistry) {
		r.now = now
	}
}

// WithBreakerStateChange observes transitions of every breaker.
func WithBreakerStateChange(fn StateChangeFunc) CircuitBreakerRegistryOption {
	return func(r *CircuitBreakerRegistry) {
		r.onChange = fn
	}
}

// NewCircuitBreakerRegistry creates a registry.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig, opts ...CircuitBreakerRegistryOption) *CircuitBreakerRegistry {
	r := &CircuitBreakerRegistry{
		cfg:    cfg,
		logger: &noopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CircuitBreakerRegistry) observe(target string, from, to CircuitState) {
	r.logger.Warn("Circuit breaker state changed",
		"target", target,
		"from", from.String(),
		"to", to.String(),
	)
	if r.onChange != nil {
		r.onChange(target, from, to)
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *CircuitBreakerRegistry) Get(target string) *CircuitBreaker {
	if cb, ok := r.breakers.Load(target); ok {
		return cb.(*CircuitBreaker)
	}
	cb, _ := r.breakers.LoadOrStore(target, NewCircuitBreaker(target, r.cfg,
		WithCircuitClock(r.now),
		WithStateChange(r.observe),
	))
	return cb.(*CircuitBreaker)
}

// Execute runs fn through the breaker for target.
func (r *CircuitBreakerRegistry) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	return r.Get(target).Execute(ctx, fn)
}

// States returns the state of every breaker created so far.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	states := make(map[string]CircuitState)
	r.breakers.Range(func(key, value interface{}) bool {
		states[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return states
}

// Targets returns the targets with a breaker, sorted.
func (r *CircuitBreakerRegistry) Targets() []string {
	var targets []string
	r.breakers.Range(func(key, _ interface{}) bool {
		targets = append(targets, key.(string))
		return true
	})
	sort.Strings(targets)
	return targets
}
