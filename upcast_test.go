package stoat

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renameField moves a payload field and records the hop.
func renameField(from, to string) UpcastFunc {
	return func(p map[string]interface{}) (map[string]interface{}, error) {
		out := make(map[string]interface{}, len(p))
		for k, v := range p {
			out[k] = v
		}
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
		return out, nil
	}
}

func addField(key string, value interface{}) UpcastFunc {
	return func(p map[string]interface{}) (map[string]interface{}, error) {
		out := make(map[string]interface{}, len(p)+1)
		for k, v := range p {
			out[k] = v
		}
		out[key] = value
		return out, nil
	}
}

func countingUpcaster(eventType string, from, to int, calls *int, mu *sync.Mutex, opts ...UpcasterOption) Upcaster {
	return NewUpcaster(eventType, from, to, func(p map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		return addField("hop", to)(p)
	}, opts...)
}

func TestEventVersioningManager_UpcastEvent(t *testing.T) {
	t.Run("applies chain to latest version with provenance", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("Deposited", 1, 2, renameField("amt", "amount")),
			NewUpcaster("Deposited", 2, 3, addField("currency", "EUR")),
		))

		original := DomainEvent{
			EventType:     "Deposited",
			SchemaVersion: 1,
			Version:       4,
			Payload:       map[string]interface{}{"amt": 12.5},
		}
		up, err := m.UpcastEvent(original)
		require.NoError(t, err)

		assert.Equal(t, 3, up.SchemaVersion)
		assert.Equal(t, int64(4), up.Version)
		assert.Equal(t, map[string]interface{}{"amount": 12.5, "currency": "EUR"}, up.Payload)
		assert.Equal(t, "1", up.Metadata.Get(MetadataUpcastedFrom))
		assert.Equal(t, "1->2->3", up.Metadata.Get(MetadataUpcastPath))

		assert.Equal(t, map[string]interface{}{"amt": 12.5}, original.Payload, "original is untouched")
		assert.Empty(t, original.Metadata.Custom)
	})

	t.Run("latest and unknown types pass through", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(NewUpcaster("Deposited", 1, 2, addField("currency", "EUR"))))

		current := DomainEvent{EventType: "Deposited", SchemaVersion: 2, Payload: map[string]interface{}{"amount": 1.0}}
		up, err := m.UpcastEvent(current)
		require.NoError(t, err)
		assert.Equal(t, current, up)

		other := DomainEvent{EventType: "Withdrawn", SchemaVersion: 1}
		up, err = m.UpcastEvent(other)
		require.NoError(t, err)
		assert.Equal(t, other, up)
	})

	t.Run("zero schema version is treated as 1", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(NewUpcaster("Deposited", 1, 2, addField("currency", "EUR"))))

		up, err := m.UpcastEvent(DomainEvent{EventType: "Deposited"})
		require.NoError(t, err)
		assert.Equal(t, 2, up.SchemaVersion)
		assert.Equal(t, "EUR", up.Payload["currency"])
	})

	t.Run("prefers the shortest chain", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("E", 1, 2, addField("via", "step")),
			NewUpcaster("E", 2, 3, addField("via", "step")),
			NewUpcaster("E", 1, 3, addField("via", "jump")),
		))

		up, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, "jump", up.Payload["via"])
		assert.Equal(t, "1->3", up.Metadata.Get(MetadataUpcastPath))
	})

	t.Run("priority breaks ties between equal length chains", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("E", 1, 2, addField("via", "two")),
			NewUpcaster("E", 2, 4, addField("via", "two")),
			NewUpcaster("E", 1, 3, addField("via", "three"), WithPriority(5)),
			NewUpcaster("E", 3, 4, addField("via", "three")),
		))

		up, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, "1->3->4", up.Metadata.Get(MetadataUpcastPath))
	})

	t.Run("fails closed at the last reachable version", func(t *testing.T) {
		logger := newTestLogger()
		m := NewEventVersioningManager(WithVersioningLogger(logger))
		require.NoError(t, m.Register(
			NewUpcaster("E", 1, 2, addField("v2", true)),
			NewUpcaster("E", 3, 4, addField("v4", true)),
		))

		up, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1, Payload: map[string]interface{}{}})
		require.NoError(t, err)
		assert.Equal(t, 2, up.SchemaVersion)
		assert.Equal(t, map[string]interface{}{"v2": true}, up.Payload)
		assert.Contains(t, logger.warnings(), "Upcast chain incomplete, stopping at last reachable version")
	})

	t.Run("upcaster error", func(t *testing.T) {
		m := NewEventVersioningManager()
		boom := errors.New("bad payload")
		require.NoError(t, m.Register(NewUpcaster("E", 1, 2, func(map[string]interface{}) (map[string]interface{}, error) {
			return nil, boom
		})))

		_, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSerialization)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("chains are cached until the next registration", func(t *testing.T) {
		var (
			mu    sync.Mutex
			calls int
		)
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(countingUpcaster("E", 1, 2, &calls, &mu)))

		for i := 0; i < 3; i++ {
			up, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, up.SchemaVersion)
		}
		assert.Equal(t, 3, calls)

		require.NoError(t, m.Register(countingUpcaster("E", 2, 3, &calls, &mu)))
		up, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, up.SchemaVersion, "new upcaster extends the cached chain")
		assert.Equal(t, 3, m.LatestVersion("E"))
	})

	t.Run("concurrent upcasts", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("E", 1, 2, addField("a", 1)),
			NewUpcaster("E", 2, 3, addField("b", 2)),
		))

		var wg sync.WaitGroup
		errs := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(from int) {
				defer wg.Done()
				_, err := m.UpcastEvent(DomainEvent{EventType: "E", SchemaVersion: from})
				errs <- err
			}(1 + i%3)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestEventVersioningManager_Register(t *testing.T) {
	m := NewEventVersioningManager()
	noop := addField("x", 1)

	assert.ErrorIs(t, m.Register(NewUpcaster("", 1, 2, noop)), ErrInvalidUpcaster)
	assert.ErrorIs(t, m.Register(NewUpcaster("E", 0, 2, noop)), ErrInvalidUpcaster)
	assert.ErrorIs(t, m.Register(NewUpcaster("E", 2, 2, noop)), ErrInvalidUpcaster)
	assert.ErrorIs(t, m.Register(NewUpcaster("E", 1, 2, noop), nil), ErrInvalidUpcaster)
	assert.Equal(t, 1, m.LatestVersion("E"), "a failed registration adds nothing")
}

func TestEventVersioningManager_ValidateUpcastChains(t *testing.T) {
	t.Run("complete chains", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("A", 1, 2, addField("x", 1)),
			NewUpcaster("A", 2, 3, addField("x", 1)),
			NewUpcaster("B", 1, 3, addField("x", 1)),
		))

		report := m.ValidateUpcastChains()
		assert.True(t, report.Valid())
		assert.NoError(t, report.Err())
		assert.NotPanics(t, m.MustValidate)
	})

	t.Run("gaps and duplicates", func(t *testing.T) {
		m := NewEventVersioningManager()
		require.NoError(t, m.Register(
			NewUpcaster("A", 1, 2, addField("x", 1)),
			NewUpcaster("A", 3, 4, addField("x", 1)),
			NewUpcaster("B", 1, 2, addField("x", 1)),
			NewUpcaster("B", 1, 2, addField("x", 2)),
		))

		report := m.ValidateUpcastChains()
		assert.False(t, report.Valid())
		assert.Equal(t, []UpcastGap{
			{EventType: "A", FromVersion: 1, ReachedVersion: 2, LatestVersion: 4},
			{EventType: "A", FromVersion: 2, ReachedVersion: 2, LatestVersion: 4},
		}, report.Gaps)
		assert.Equal(t, []UpcastDuplicate{
			{EventType: "B", FromVersion: 1, ToVersion: 2, Count: 2},
		}, report.Duplicates)

		require.Error(t, report.Err())
		assert.Contains(t, report.Err().Error(), "A v1 cannot be upcast past v2")
		assert.Panics(t, m.MustValidate)
	})
}
