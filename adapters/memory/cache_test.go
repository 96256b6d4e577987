package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheTier(t *testing.T) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		cache := NewCacheTier()
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "k", Value: []byte("v"), Tags: []string{"t"}}, time.Minute))

		entry, ok, err := cache.Get(ctx, "k")

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v"), entry.Value)
		assert.Equal(t, []string{"t"}, entry.Tags)
		assert.False(t, entry.ExpiresAt.IsZero())
	})

	t.Run("expired entry is a miss", func(t *testing.T) {
		now := time.Now()
		cache := NewCacheTier(WithCacheClock(func() time.Time { return now }))
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "k", Value: []byte("v")}, time.Second))

		now = now.Add(2 * time.Second)

		_, ok, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("evicts least recently used before insert", func(t *testing.T) {
		cache := NewCacheTier(WithMaxEntries(2))
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "a", Value: []byte("1")}, 0))
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "b", Value: []byte("2")}, 0))
		_, _, _ = cache.Get(ctx, "a")

		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "c", Value: []byte("3")}, 0))

		assert.Equal(t, 2, cache.Len())
		_, ok, _ := cache.Get(ctx, "b")
		assert.False(t, ok)
		_, ok, _ = cache.Get(ctx, "a")
		assert.True(t, ok)
		assert.Equal(t, int64(1), cache.Evictions())
	})

	t.Run("memory bound", func(t *testing.T) {
		cache := NewCacheTier(WithMaxMemoryBytes(40))
		for i := 0; i < 5; i++ {
			require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: fmt.Sprintf("k%d", i), Value: make([]byte, 10)}, 0))
		}

		assert.LessOrEqual(t, cache.UsedBytes(), int64(40))
		assert.Equal(t, 3, cache.Len())
	})

	t.Run("invalidate by tag", func(t *testing.T) {
		cache := NewCacheTier()
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "a", Tags: []string{"orders", "user:1"}}, 0))
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "b", Tags: []string{"orders"}}, 0))
		require.NoError(t, cache.Set(ctx, adapters.CacheEntry{Key: "c", Tags: []string{"users"}}, 0))

		removed, err := cache.InvalidateTags(ctx, []string{"orders"})

		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, 1, cache.Len())
		removed, err = cache.InvalidateTags(ctx, []string{"user:1"})
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})
}
