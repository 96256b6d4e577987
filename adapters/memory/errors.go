package memory

import (
	"fmt"
	"sync"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Sentinel errors for the memory adapters.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	// ErrAdapterClosed is returned when an operation is attempted on a closed adapter.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrEmptyAggregateID is returned when an empty aggregate ID is provided.
	ErrEmptyAggregateID = adapters.ErrEmptyAggregateID

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrBackendUnavailable is returned while a backend is marked unavailable.
	ErrBackendUnavailable = adapters.ErrBackendUnavailable
)

// availability lets tests simulate an unreachable backend.
type availability struct {
	mu   sync.RWMutex
	down bool
	name string
}

// SetUnavailable marks the backend as unreachable (or reachable again).
func (a *availability) SetUnavailable(down bool) {
	a.mu.Lock()
	a.down = down
	a.mu.Unlock()
}

func (a *availability) check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.down {
		return fmt.Errorf("stoat/memory: %s: %w", a.name, ErrBackendUnavailable)
	}
	return nil
}
