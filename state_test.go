package stoat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_RoundTrip(t *testing.T) {
	ser := NewJSONSerializer()
	openedAt := time.Date(2026, 2, 3, 4, 5, 6, 789, time.FixedZone("CET", 3600))

	data, err := EncodeState(ser, State{
		"owner":     "ada",
		"balance":   12.5,
		"count":     int64(1) << 60,
		"opened_at": openedAt,
		"frozen":    true,
		"tags":      []string{"vip", "eu"},
		"address": State{
			"city":     "Berlin",
			"moved_at": openedAt.Add(time.Hour),
		},
		"history": []State{{"at": openedAt}, {"at": openedAt.Add(time.Minute)}},
	})
	require.NoError(t, err)

	state, err := DecodeState(ser, data)
	require.NoError(t, err)

	owner, err := state.String("owner")
	require.NoError(t, err)
	assert.Equal(t, "ada", owner)

	balance, err := state.Float64("balance")
	require.NoError(t, err)
	assert.Equal(t, 12.5, balance)

	count, err := state.Int64("count")
	require.NoError(t, err)
	assert.Equal(t, int64(1)<<60, count, "large integers survive without float rounding")

	ts, err := state.Time("opened_at")
	require.NoError(t, err)
	assert.True(t, openedAt.Equal(ts))
	assert.Equal(t, time.UTC, ts.Location())

	frozen, err := state.Bool("frozen")
	require.NoError(t, err)
	assert.True(t, frozen)

	tags, err := state.Strings("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "eu"}, tags)

	address, err := state.Object("address")
	require.NoError(t, err)
	movedAt, err := address.Time("moved_at")
	require.NoError(t, err)
	assert.True(t, openedAt.Add(time.Hour).Equal(movedAt))
	assert.IsType(t, time.Time{}, address["moved_at"], "nested timestamps decode to time.Time")

	history, err := state.Objects("history")
	require.NoError(t, err)
	require.Len(t, history, 2)
	at, err := history[1].Time("at")
	require.NoError(t, err)
	assert.True(t, openedAt.Add(time.Minute).Equal(at))
}

func TestState_Accessors(t *testing.T) {
	t.Run("missing keys yield zero values", func(t *testing.T) {
		s := State{}

		str, err := s.String("x")
		assert.NoError(t, err)
		assert.Empty(t, str)

		n, err := s.Int64("x")
		assert.NoError(t, err)
		assert.Zero(t, n)

		ts, err := s.Time("x")
		assert.NoError(t, err)
		assert.True(t, ts.IsZero())

		obj, err := s.Object("x")
		assert.NoError(t, err)
		assert.Nil(t, obj)
	})

	t.Run("objects stored as JSON strings are decoded", func(t *testing.T) {
		s := State{
			"address": `{"city":"Berlin","since":{"$time":"2026-01-02T03:04:05Z"}}`,
			"raw":     []byte(`{"zip":"10115"}`),
		}

		address, err := s.Object("address")
		require.NoError(t, err)
		city, err := address.String("city")
		require.NoError(t, err)
		assert.Equal(t, "Berlin", city)
		since, err := address.Time("since")
		require.NoError(t, err)
		assert.True(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Equal(since))

		raw, err := s.Object("raw")
		require.NoError(t, err)
		assert.Equal(t, "10115", raw["zip"])

		_, err = State{"bad": "{not json"}.Object("bad")
		assert.Error(t, err)
	})

	t.Run("RFC 3339 strings are accepted as timestamps", func(t *testing.T) {
		ts, err := State{"at": "2026-01-02T03:04:05Z"}.Time("at")
		require.NoError(t, err)
		assert.Equal(t, 2026, ts.Year())

		_, err = State{"at": "yesterday"}.Time("at")
		assert.Error(t, err)
	})

	t.Run("integer representations", func(t *testing.T) {
		for _, v := range []interface{}{int(7), int32(7), uint8(7), 7.0, json.Number("7")} {
			n, err := State{"n": v}.Int64("n")
			require.NoError(t, err, "%T", v)
			assert.Equal(t, int64(7), n)
		}

		_, err := State{"n": 7.5}.Int64("n")
		assert.Error(t, err)
		_, err = State{"n": "7"}.Int64("n")
		assert.Error(t, err)
	})

	t.Run("type mismatches are errors", func(t *testing.T) {
		s := State{"n": 1.0, "s": "x", "list": []interface{}{"a", 1.0}}

		_, err := s.String("n")
		assert.Error(t, err)
		_, err = s.Bool("s")
		assert.Error(t, err)
		_, err = s.Float64("s")
		assert.Error(t, err)
		_, err = s.Strings("list")
		assert.Error(t, err)
		_, err = s.Object("n")
		assert.Error(t, err)
	})

	t.Run("top-level time tag is an ordinary field", func(t *testing.T) {
		ser := NewJSONSerializer()
		state, err := DecodeState(ser, []byte(`{"$time":"2026-01-02T03:04:05Z"}`))
		require.NoError(t, err)
		assert.Equal(t, "2026-01-02T03:04:05Z", state["$time"])
	})
}
