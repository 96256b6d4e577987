package stoat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Default tier TTLs.
const (
	DefaultL1TTL = time.Minute
	DefaultL2TTL = 10 * time.Minute
	DefaultL3TTL = time.Hour
)

// keyTagPrefix marks the implicit tag every entry carries for its own key.
const keyTagPrefix = "key:"

// KeyTag returns the implicit tag of a cache key.
func KeyTag(key string) string {
	return keyTagPrefix + key
}

// CacheKey builds "{prefix}:{hash(queryType+params)}", suffixed with
// ":group" for each tag group. params are encoded as JSON, which orders map
// keys, so equal parameters always hash alike.
func CacheKey(prefix, queryType string, params interface{}, tagGroups ...string) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", params))
	}

	h := xxhash.New()
	_, _ = h.WriteString(queryType)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(encoded)

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(h.Sum64(), 16))
	for _, g := range tagGroups {
		if g == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(g)
	}
	return b.String()
}

type cacheLevel struct {
	tier   adapters.CacheTier
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// CacheManager serves reads from up to three cache tiers, fastest first.
// Hits in a slower tier are written back to the faster ones. Tier failures
// degrade to misses and are logged; they never fail a read.
type CacheManager struct {
	levels     []*cacheLevel
	ttls       [3]time.Duration
	prefix     string
	serializer Serializer
	logger     Logger
	now        func() time.Time
	group      singleflight.Group
}

// CacheManagerOption configures a CacheManager.
type CacheManagerOption func(*CacheManager)

// WithCacheTTLs sets the L1, L2 and L3 TTLs. They must satisfy L1 <= L2 <= L3.
func WithCacheTTLs(l1, l2, l3 time.Duration) CacheManagerOption {
	return func(m *CacheManager) {
		m.ttls = [3]time.Duration{l1, l2, l3}
	}
}

// WithCachePrefix sets the prefix used by Key. Default is "stoat".
func WithCachePrefix(prefix string) CacheManagerOption {
	return func(m *CacheManager) {
		m.prefix = prefix
	}
}

// WithCacheSerializer sets the serializer used by GetValue and PutValue.
// Default is JSON.
func WithCacheSerializer(s Serializer) CacheManagerOption {
	return func(m *CacheManager) {
		m.serializer = s
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l Logger) CacheManagerOption {
	return func(m *CacheManager) {
		m.logger = orNoop(l)
	}
}

// WithCacheManagerClock overrides the clock used for remaining-TTL write-back.
func WithCacheManagerClock(now func() time.Time) CacheManagerOption {
	return func(m *CacheManager) {
		m.now = now
	}
}

// NewCacheManager creates a manager over the given tiers. Any tier may be nil.
func NewCacheManager(l1, l2, l3 adapters.CacheTier, opts ...CacheManagerOption) (*CacheManager, error) {
	m := &CacheManager{
		ttls:       [3]time.Duration{DefaultL1TTL, DefaultL2TTL, DefaultL3TTL},
		prefix:     "stoat",
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, ttl := range m.ttls {
		if ttl <= 0 {
			return nil, fmt.Errorf("%w: L%d TTL is %s", ErrInvalidCacheTTL, i+1, ttl)
		}
	}
	if m.ttls[0] > m.ttls[1] || m.ttls[1] > m.ttls[2] {
		return nil, fmt.Errorf("%w: got %s, %s, %s", ErrInvalidCacheTTL, m.ttls[0], m.ttls[1], m.ttls[2])
	}

	for i, tier := range []adapters.CacheTier{l1, l2, l3} {
		if tier != nil {
			m.levels = append(m.levels, &cacheLevel{tier: tier, ttl: m.ttls[i]})
		}
	}
	return m, nil
}

// Key builds a cache key with the manager's prefix.
func (m *CacheManager) Key(queryType string, params interface{}, tagGroups ...string) string {
	return CacheKey(m.prefix, queryType, params, tagGroups...)
}

// Get returns the cached value from the fastest tier holding it.
func (m *CacheManager) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, level := range m.levels {
		entry, ok, err := level.tier.Get(ctx, key)
		if err != nil {
			level.errors.Add(1)
			m.logger.Warn("Cache tier read failed",
				"tier", level.tier.Name(),
				"key", key,
				"error", err,
			)
		}
		if !ok {
			level.misses.Add(1)
			continue
		}
		level.hits.Add(1)
		m.writeBack(ctx, i, entry)
		return entry.Value, true
	}
	return nil, false
}

// writeBack copies an entry found at level found into every faster tier,
// never extending its remaining lifetime.
func (m *CacheManager) writeBack(ctx context.Context, found int, entry adapters.CacheEntry) {
	remaining := time.Duration(0)
	if !entry.ExpiresAt.IsZero() {
		remaining = entry.ExpiresAt.Sub(m.now())
		if remaining <= 0 {
			return
		}
	}
	for _, level := range m.levels[:found] {
		ttl := level.ttl
		if remaining > 0 && remaining < ttl {
			ttl = remaining
		}
		if err := level.tier.Set(ctx, entry, ttl); err != nil {
			level.errors.Add(1)
			m.logger.Warn("Cache write-back failed",
				"tier", level.tier.Name(),
				"key", entry.Key,
				"error", err,
			)
		}
	}
}

// Put writes the value through every tier. Each tier keeps it for the
// smaller of ttl and the tier TTL; ttl <= 0 uses the tier TTLs.
// The entry is tagged with tags plus its key tag.
func (m *CacheManager) Put(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	entry := adapters.CacheEntry{
		Key:   key,
		Value: value,
		Tags:  withKeyTag(key, tags),
	}

	var errs []error
	for _, level := range m.levels {
		tierTTL := level.ttl
		if ttl > 0 && ttl < tierTTL {
			tierTTL = ttl
		}
		if err := level.tier.Set(ctx, entry, tierTTL); err != nil {
			level.errors.Add(1)
			errs = append(errs, fmt.Errorf("stoat: cache tier %s: %w", level.tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func withKeyTag(key string, tags []string) []string {
	out := make([]string, 0, len(tags)+1)
	seen := make(map[string]struct{}, len(tags)+1)
	for _, t := range append([]string{KeyTag(key)}, tags...) {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Invalidate removes every entry carrying any of the tags from every tier.
// It returns the number of removed entries summed over tiers. A failing tier
// does not stop the others; all failures are joined.
func (m *CacheManager) Invalidate(ctx context.Context, tags ...string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, level := range m.levels {
		n, err := level.tier.InvalidateTags(ctx, tags)
		removed += n
		if err != nil {
			level.errors.Add(1)
			errs = append(errs, fmt.Errorf("stoat: cache tier %s: %w", level.tier.Name(), err))
		}
	}
	if len(errs) > 0 {
		m.logger.Warn("Cache invalidation incomplete", "tags", tags, "failed_tiers", len(errs))
	}
	return removed, errors.Join(errs...)
}

// Delete removes one key by invalidating its key tag.
func (m *CacheManager) Delete(ctx context.Context, key string) error {
	_, err := m.Invalidate(ctx, KeyTag(key))
	return err
}

// Remember returns the cached value or computes, stores and returns it.
// Concurrent misses for one key run fn once. The returned bool reports
// whether the value came from the cache. A failed store is logged and the
// computed value is still returned.
func (m *CacheManager) Remember(ctx context.Context, key string, ttl time.Duration, tags []string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if value, ok := m.Get(ctx, key); ok {
		return value, true, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Put(ctx, key, value, ttl, tags...); err != nil {
			m.logger.Warn("Cache population failed", "key", key, "error", err)
		}
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// GetValue decodes a cached value into v.
func (m *CacheManager) GetValue(ctx context.Context, key string, v interface{}) (bool, error) {
	data, ok := m.Get(ctx, key)
	if !ok {
		return false, nil
	}
	if err := m.serializer.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// PutValue encodes v and writes it through every tier.
func (m *CacheManager) PutValue(ctx context.Context, key string, v interface{}, ttl time.Duration, tags ...string) error {
	data, err := m.serializer.Marshal(v)
	if err != nil {
		return err
	}
	return m.Put(ctx, key, data, ttl, tags...)
}

// CacheStats reports per-tier counters in tier order.
type CacheStats struct {
	Tiers []adapters.TierStats `json:"tiers"`
}

// HitRatio returns hits over tier lookups, summed across tiers.
func (s CacheStats) HitRatio() float64 {
	var hits, total int64
	for _, t := range s.Tiers {
		hits += t.Hits
		total += t.Hits + t.Misses
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns hit and miss counts per tier, with sizes where the tier reports them.
func (m *CacheManager) Stats(ctx context.Context) CacheStats {
	stats := CacheStats{Tiers: make([]adapters.TierStats, 0, len(m.levels))}
	for _, level := range m.levels {
		ts := adapters.TierStats{Type: level.tier.Name()}
		if r, ok := level.tier.(adapters.StatsReporter); ok {
			if reported, err := r.Stats(ctx); err == nil {
				ts.Size = reported.Size
			}
		}
		ts.Hits = level.hits.Load()
		ts.Misses = level.misses.Load()
		stats.Tiers = append(stats.Tiers, ts)
	}
	return stats
}
