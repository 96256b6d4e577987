package stoat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyError(t *testing.T) {
	t.Run("Error message", func(t *testing.T) {
		err := NewConcurrencyError("order-123", 5, 7)

		assert.Contains(t, err.Error(), "order-123")
		assert.Contains(t, err.Error(), "expected version 5")
		assert.Contains(t, err.Error(), "actual version 7")
	})

	t.Run("errors.As extracts details through wrapping", func(t *testing.T) {
		err := fmt.Errorf("append: %w", NewConcurrencyError("order-123", 5, 7))

		var concErr *ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.Equal(t, "order-123", concErr.AggregateID)
		assert.True(t, errors.Is(err, ErrConcurrencyConflict))
		assert.False(t, errors.Is(err, ErrAggregateNotFound))
	})
}

func TestEventStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewEventStoreError("append", "order-1", cause)

	assert.Contains(t, err.Error(), "append failed for aggregate \"order-1\"")
	assert.True(t, errors.Is(err, ErrEventStore))
	assert.Equal(t, cause, errors.Unwrap(err))

	noID := NewEventStoreError("scan", "", cause)
	assert.Equal(t, "stoat: scan failed: connection refused", noID.Error())
}

func TestCircuitBreakerOpenError(t *testing.T) {
	err := NewCircuitBreakerOpenError("read-model", 5*time.Second)

	assert.Contains(t, err.Error(), "read-model")
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("query GetBalance", time.Second)

	assert.Equal(t, "stoat: query GetBalance timed out after 1s", err.Error())
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestOtherErrors(t *testing.T) {
	assert.True(t, errors.Is(NewAggregateNotFoundError("a"), ErrAggregateNotFound))
	assert.True(t, errors.Is(NewEventOrderingError("a", 1, 2, 4), ErrEventOrdering))
	assert.True(t, errors.Is(NewHandlerNotFoundError("Cmd"), ErrHandlerNotFound))
	assert.True(t, errors.Is(NewPanicError("Cmd", "boom", "", ""), ErrHandlerPanicked))
	assert.True(t, errors.Is(NewAuthorizationError("Cmd", "no role"), ErrUnauthorized))
}
