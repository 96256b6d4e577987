package stoat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheFixture struct {
	l1, l2, l3 *memory.CacheTier
	manager    *CacheManager
	logger     *testLogger
}

func newCacheFixture(t *testing.T, opts ...CacheManagerOption) *cacheFixture {
	t.Helper()
	f := &cacheFixture{
		l1:     memory.NewCacheTier(memory.WithCacheName("l1")),
		l2:     memory.NewCacheTier(memory.WithCacheName("l2")),
		l3:     memory.NewCacheTier(memory.WithCacheName("l3")),
		logger: newTestLogger(),
	}
	opts = append([]CacheManagerOption{WithCacheLogger(f.logger)}, opts...)
	m, err := NewCacheManager(f.l1, f.l2, f.l3, opts...)
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *cacheFixture) inTier(t *testing.T, tier *memory.CacheTier, key string) bool {
	t.Helper()
	_, ok, err := tier.Get(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestNewCacheManager(t *testing.T) {
	l1, l2, l3 := memory.NewCacheTier(), memory.NewCacheTier(), memory.NewCacheTier()

	_, err := NewCacheManager(l1, l2, l3, WithCacheTTLs(time.Hour, time.Minute, 2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidCacheTTL)

	_, err = NewCacheManager(l1, l2, l3, WithCacheTTLs(time.Minute, 10*time.Minute, time.Minute))
	assert.ErrorIs(t, err, ErrInvalidCacheTTL)

	_, err = NewCacheManager(l1, l2, l3, WithCacheTTLs(0, time.Minute, time.Hour))
	assert.ErrorIs(t, err, ErrInvalidCacheTTL)

	m, err := NewCacheManager(l1, nil, nil)
	require.NoError(t, err)
	assert.Len(t, m.Stats(context.Background()).Tiers, 1)
}

func TestCacheManager_GetPut(t *testing.T) {
	ctx := context.Background()

	t.Run("write through all tiers", func(t *testing.T) {
		f := newCacheFixture(t)
		require.NoError(t, f.manager.Put(ctx, "k", []byte("v"), 0, "orders"))

		assert.True(t, f.inTier(t, f.l1, "k"))
		assert.True(t, f.inTier(t, f.l2, "k"))
		assert.True(t, f.inTier(t, f.l3, "k"))

		value, ok := f.manager.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)

		stats := f.manager.Stats(ctx)
		assert.Equal(t, int64(1), stats.Tiers[0].Hits)
		assert.Equal(t, int64(0), stats.Tiers[1].Hits)
		assert.Equal(t, "l1", stats.Tiers[0].Type)
		assert.Equal(t, int64(1), stats.Tiers[2].Size)
	})

	t.Run("tier TTLs cap the requested TTL", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		l1 := memory.NewCacheTier(memory.WithCacheClock(clock))
		l2 := memory.NewCacheTier(memory.WithCacheClock(clock))
		l3 := memory.NewCacheTier(memory.WithCacheClock(clock))
		m, err := NewCacheManager(l1, l2, l3, WithCacheManagerClock(clock))
		require.NoError(t, err)

		require.NoError(t, m.Put(ctx, "k", []byte("v"), 30*time.Minute))

		e1, _, _ := l1.Get(ctx, "k")
		e2, _, _ := l2.Get(ctx, "k")
		e3, _, _ := l3.Get(ctx, "k")
		assert.Equal(t, now.Add(DefaultL1TTL), e1.ExpiresAt)
		assert.Equal(t, now.Add(DefaultL2TTL), e2.ExpiresAt)
		assert.Equal(t, now.Add(30*time.Minute), e3.ExpiresAt)
	})

	t.Run("miss", func(t *testing.T) {
		f := newCacheFixture(t)
		_, ok := f.manager.Get(ctx, "absent")
		assert.False(t, ok)

		stats := f.manager.Stats(ctx)
		for _, tier := range stats.Tiers {
			assert.Equal(t, int64(1), tier.Misses)
		}
		assert.Zero(t, stats.HitRatio())
	})

	t.Run("values round trip through the serializer", func(t *testing.T) {
		f := newCacheFixture(t)
		type summary struct {
			Count int    `json:"count"`
			Owner string `json:"owner"`
		}
		require.NoError(t, f.manager.PutValue(ctx, "s", summary{Count: 3, Owner: "ada"}, time.Minute))

		var got summary
		ok, err := f.manager.GetValue(ctx, "s", &got)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, summary{Count: 3, Owner: "ada"}, got)

		ok, err = f.manager.GetValue(ctx, "absent", &got)
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCacheManager_WriteBack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l1 := memory.NewCacheTier(memory.WithCacheClock(clock))
	l2 := memory.NewCacheTier(memory.WithCacheClock(clock))
	l3 := memory.NewCacheTier(memory.WithCacheClock(clock))
	m, err := NewCacheManager(l1, l2, l3, WithCacheManagerClock(clock))
	require.NoError(t, err)

	t.Run("slow tier hit fills faster tiers", func(t *testing.T) {
		require.NoError(t, m.Put(ctx, "k", []byte("v"), 0))
		_, err := l1.InvalidateTags(ctx, []string{KeyTag("k")})
		require.NoError(t, err)
		_, err = l2.InvalidateTags(ctx, []string{KeyTag("k")})
		require.NoError(t, err)

		value, ok := m.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)

		e1, ok, _ := l1.Get(ctx, "k")
		require.True(t, ok)
		e2, ok, _ := l2.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, now.Add(DefaultL1TTL), e1.ExpiresAt)
		assert.Equal(t, now.Add(DefaultL2TTL), e2.ExpiresAt)
		assert.Contains(t, e1.Tags, KeyTag("k"), "written back entries keep their tags")
	})

	t.Run("write-back never extends the remaining TTL", func(t *testing.T) {
		require.NoError(t, m.Put(ctx, "short", []byte("v"), 20*time.Second))
		_, err := l1.InvalidateTags(ctx, []string{KeyTag("short")})
		require.NoError(t, err)
		_, err = l2.InvalidateTags(ctx, []string{KeyTag("short")})
		require.NoError(t, err)

		now = now.Add(5 * time.Second)
		_, ok := m.Get(ctx, "short")
		require.True(t, ok)

		e1, ok, _ := l1.Get(ctx, "short")
		require.True(t, ok)
		assert.Equal(t, now.Add(15*time.Second), e1.ExpiresAt)
	})
}

func TestCacheManager_Invalidate(t *testing.T) {
	ctx := context.Background()

	t.Run("put then invalidate misses in every tier", func(t *testing.T) {
		f := newCacheFixture(t)
		require.NoError(t, f.manager.Put(ctx, "a", []byte("1"), 0, "orders", "user:1"))
		require.NoError(t, f.manager.Put(ctx, "b", []byte("2"), 0, "orders"))
		require.NoError(t, f.manager.Put(ctx, "c", []byte("3"), 0, "users"))

		removed, err := f.manager.Invalidate(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, 6, removed, "two entries in three tiers")

		for _, key := range []string{"a", "b"} {
			_, ok := f.manager.Get(ctx, key)
			assert.False(t, ok, key)
			assert.False(t, f.inTier(t, f.l1, key))
			assert.False(t, f.inTier(t, f.l2, key))
			assert.False(t, f.inTier(t, f.l3, key))
		}
		_, ok := f.manager.Get(ctx, "c")
		assert.True(t, ok)
	})

	t.Run("delete invalidates the key tag", func(t *testing.T) {
		f := newCacheFixture(t)
		require.NoError(t, f.manager.Put(ctx, "a", []byte("1"), 0))
		require.NoError(t, f.manager.Put(ctx, "b", []byte("2"), 0))

		require.NoError(t, f.manager.Delete(ctx, "a"))

		_, ok := f.manager.Get(ctx, "a")
		assert.False(t, ok)
		_, ok = f.manager.Get(ctx, "b")
		assert.True(t, ok)
	})

	t.Run("failing tier does not stop the others", func(t *testing.T) {
		f := newCacheFixture(t)
		require.NoError(t, f.manager.Put(ctx, "a", []byte("1"), 0, "orders"))
		f.l2.SetUnavailable(true)

		removed, err := f.manager.Invalidate(ctx, "orders")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, 2, removed)
		assert.False(t, f.inTier(t, f.l1, "a"))
		assert.False(t, f.inTier(t, f.l3, "a"))
		assert.Contains(t, f.logger.warnings(), "Cache invalidation incomplete")
	})

	t.Run("no tags is a no-op", func(t *testing.T) {
		f := newCacheFixture(t)
		removed, err := f.manager.Invalidate(ctx)
		assert.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestCacheManager_Degradation(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	require.NoError(t, f.manager.Put(ctx, "k", []byte("v"), 0))

	f.l1.SetUnavailable(true)
	value, ok := f.manager.Get(ctx, "k")
	require.True(t, ok, "served by L2")
	assert.Equal(t, []byte("v"), value)
	assert.Contains(t, f.logger.warnings(), "Cache tier read failed")

	err := f.manager.Put(ctx, "k2", []byte("v2"), 0)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, f.inTier(t, f.l2, "k2"), "other tiers are still written")
}

func TestCacheManager_Remember(t *testing.T) {
	ctx := context.Background()

	t.Run("computes once then serves from cache", func(t *testing.T) {
		f := newCacheFixture(t)
		var calls atomic.Int32
		compute := func(context.Context) ([]byte, error) {
			calls.Add(1)
			return []byte("computed"), nil
		}

		value, cached, err := f.manager.Remember(ctx, "k", time.Minute, []string{"orders"}, compute)
		require.NoError(t, err)
		assert.False(t, cached)
		assert.Equal(t, []byte("computed"), value)

		value, cached, err = f.manager.Remember(ctx, "k", time.Minute, nil, compute)
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, []byte("computed"), value)
		assert.Equal(t, int32(1), calls.Load())

		_, err = f.manager.Invalidate(ctx, "orders")
		require.NoError(t, err)
		_, cached, err = f.manager.Remember(ctx, "k", time.Minute, nil, compute)
		require.NoError(t, err)
		assert.False(t, cached)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("concurrent misses share one computation", func(t *testing.T) {
		f := newCacheFixture(t)
		var calls atomic.Int32
		release := make(chan struct{})
		compute := func(context.Context) ([]byte, error) {
			calls.Add(1)
			<-release
			return []byte("v"), nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, _, err := f.manager.Remember(ctx, "k", time.Minute, nil, compute)
				assert.NoError(t, err)
				assert.Equal(t, []byte("v"), value)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		f := newCacheFixture(t)
		boom := errors.New("read model unavailable")

		_, _, err := f.manager.Remember(ctx, "k", time.Minute, nil, func(context.Context) ([]byte, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		_, ok := f.manager.Get(ctx, "k")
		assert.False(t, ok)
	})
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("stoat", "AccountSummary", map[string]interface{}{"id": "acc-1", "currency": "EUR"})
	b := CacheKey("stoat", "AccountSummary", map[string]interface{}{"currency": "EUR", "id": "acc-1"})
	assert.Equal(t, a, b, "parameter order does not matter")
	assert.Regexp(t, `^stoat:[0-9a-f]+$`, a)

	assert.NotEqual(t, a, CacheKey("stoat", "AccountHistory", map[string]interface{}{"id": "acc-1", "currency": "EUR"}))
	assert.NotEqual(t, a, CacheKey("stoat", "AccountSummary", map[string]interface{}{"id": "acc-2", "currency": "EUR"}))

	grouped := CacheKey("stoat", "AccountSummary", map[string]interface{}{"id": "acc-1"}, "tenant-7", "", "accounts")
	assert.Regexp(t, `^stoat:[0-9a-f]+:tenant-7:accounts$`, grouped)

	f := newCacheFixture(t, WithCachePrefix("ledger"))
	assert.Regexp(t, `^ledger:`, f.manager.Key("AccountSummary", nil))
}
