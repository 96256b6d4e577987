package memory

import (
	"context"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStore_CompareAndSet(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing counter", func(t *testing.T) {
		store := NewSequenceStore()

		ok, err := store.CompareAndSet(ctx, "a", 0, false, 3)

		require.NoError(t, err)
		assert.True(t, ok)
		v, exists, err := store.Current(ctx, "a")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, int64(3), v)
	})

	t.Run("fails on stale old value", func(t *testing.T) {
		store := NewSequenceStore()
		require.NoError(t, store.Set(ctx, "a", 5))

		ok, err := store.CompareAndSet(ctx, "a", 4, true, 6)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("fails when counter appeared concurrently", func(t *testing.T) {
		store := NewSequenceStore()
		require.NoError(t, store.Set(ctx, "a", 0))

		ok, err := store.CompareAndSet(ctx, "a", 0, false, 1)

		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSequenceStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	store := NewSequenceStore()

	_, err := store.LoadCheckpoint(ctx, "a")
	assert.ErrorIs(t, err, adapters.ErrCheckpointNotFound)

	cp := adapters.SequenceCheckpoint{AggregateID: "a", SequenceNumber: 7, Timestamp: time.Now(), Checksum: "abc"}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	loaded, err := store.LoadCheckpoint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.SequenceNumber)

	store.TamperCheckpoint("a", 9)
	loaded, err = store.LoadCheckpoint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), loaded.SequenceNumber)
	assert.Equal(t, "abc", loaded.Checksum)
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()

	t.Run("load applies upper bound", func(t *testing.T) {
		store := NewSnapshotStore()
		for _, v := range []int64{10, 20, 30} {
			require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: v, State: []byte("{}")}))
		}

		snap, err := store.Load(ctx, "a", 25)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(20), snap.Version)

		latest, err := store.Load(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(30), latest.Version)

		none, err := store.Load(ctx, "a", 5)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("store at same version replaces", func(t *testing.T) {
		store := NewSnapshotStore()
		require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: 10, State: []byte("1")}))
		require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: 10, State: []byte("2")}))

		snap, err := store.Load(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), snap.State)
		assert.Equal(t, 1, store.Count("a"))
	})

	t.Run("cleanup keeps most recent", func(t *testing.T) {
		store := NewSnapshotStore()
		for _, v := range []int64{30, 10, 20, 40} {
			require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: v}))
		}

		removed, err := store.Cleanup(ctx, "a", 2)

		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, []int64{30, 40}, store.Versions("a"))
	})

	t.Run("prune keeps latest per aggregate", func(t *testing.T) {
		store := NewSnapshotStore()
		old := time.Now().Add(-time.Hour)
		require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: 10, CreatedAt: old}))
		require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "a", Version: 20, CreatedAt: old}))
		require.NoError(t, store.Store(ctx, &adapters.Snapshot{AggregateID: "b", Version: 10}))

		removed, err := store.PruneOlderThan(ctx, time.Minute)

		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, []int64{20}, store.Versions("a"))
		assert.Equal(t, []int64{10}, store.Versions("b"))
	})
}
