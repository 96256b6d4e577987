package stoat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamFixture() *EventStream {
	return NewEventStream([]DomainEvent{
		{AggregateID: "a", EventType: "Opened", Version: 1},
		{AggregateID: "a", EventType: "Deposited", Version: 2},
		{AggregateID: "a", EventType: "Withdrawn", Version: 3},
		{AggregateID: "a", EventType: "Deposited", Version: 4},
	})
}

func TestEventStream_Slicing(t *testing.T) {
	s := streamFixture()

	t.Run("limit and skip", func(t *testing.T) {
		page := s.Skip(1).Limit(2)

		require.Equal(t, 2, page.Len())
		first, _ := page.First()
		assert.Equal(t, int64(2), first.Version)
		assert.Equal(t, int64(3), page.LastVersion())
	})

	t.Run("skip past end", func(t *testing.T) {
		assert.True(t, s.Skip(10).IsEmpty())
		assert.Equal(t, int64(0), s.Skip(10).LastVersion())
	})

	t.Run("version range", func(t *testing.T) {
		assert.Equal(t, 2, s.VersionRange(2, 3).Len())
		assert.Equal(t, 3, s.VersionRange(2, 0).Len())
	})

	t.Run("type filter", func(t *testing.T) {
		deposits := s.FilterTypes("Deposited")

		assert.Equal(t, 2, deposits.Len())
	})

	t.Run("original stream is unchanged", func(t *testing.T) {
		_ = s.Limit(1)

		assert.Equal(t, 4, s.Len())
	})
}

func TestEventStream_Each(t *testing.T) {
	s := streamFixture()
	stop := errors.New("stop")

	for round := 0; round < 2; round++ {
		seen := 0
		err := s.Each(func(e DomainEvent) error {
			seen++
			if e.Version == 3 {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 3, seen)
	}
}

func TestMergeStreams(t *testing.T) {
	base := time.Now()
	a := NewEventStream([]DomainEvent{
		{AggregateID: "a", Version: 1, GlobalSequence: 1},
		{AggregateID: "a", Version: 2, GlobalSequence: 4},
	})
	b := NewEventStream([]DomainEvent{
		{AggregateID: "b", Version: 1, GlobalSequence: 2, OccurredAt: base},
		{AggregateID: "b", Version: 2, GlobalSequence: 3, OccurredAt: base.Add(time.Second)},
	})

	merged := MergeStreams(a, b, nil)

	var order []int64
	for _, e := range merged.Events() {
		order = append(order, int64(e.GlobalSequence))
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, order)
	assert.Equal(t, 2, merged.ForAggregate("b").Len())
}
