package memory

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

var (
	_ adapters.CacheTier     = (*CacheTier)(nil)
	_ adapters.StatsReporter = (*CacheTier)(nil)
)

// CacheTier is a bounded in-process LRU cache tier with a tag index.
// Capacity is enforced before insertion on both entry count and memory.
type CacheTier struct {
	availability

	mu        sync.Mutex
	entries   map[string]*list.Element
	order     *list.List
	tags      map[string]map[string]struct{}
	usedBytes int64

	name           string
	maxEntries     int
	maxMemoryBytes int64
	now            func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheItem struct {
	entry adapters.CacheEntry
	size  int64
}

// CacheOption configures a CacheTier.
type CacheOption func(*CacheTier)

// WithMaxEntries bounds the number of entries.
func WithMaxEntries(n int) CacheOption {
	return func(c *CacheTier) {
		c.maxEntries = n
	}
}

// WithMaxMemoryMB bounds the approximate memory used by keys, values and tags.
func WithMaxMemoryMB(mb int) CacheOption {
	return func(c *CacheTier) {
		c.maxMemoryBytes = int64(mb) << 20
	}
}

// WithMaxMemoryBytes bounds memory in bytes.
func WithMaxMemoryBytes(n int64) CacheOption {
	return func(c *CacheTier) {
		c.maxMemoryBytes = n
	}
}

// WithCacheName overrides the tier name (default "memory").
func WithCacheName(name string) CacheOption {
	return func(c *CacheTier) {
		c.name = name
	}
}

// WithCacheClock overrides the clock used for expiry.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CacheTier) {
		c.now = now
	}
}

// NewCacheTier creates a new in-process cache tier.
func NewCacheTier(opts ...CacheOption) *CacheTier {
	c := &CacheTier{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		tags:       make(map[string]map[string]struct{}),
		name:       "memory",
		maxEntries: 10000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.availability.name = c.name
	return c
}

// Name returns the tier name.
func (c *CacheTier) Name() string {
	return c.name
}

func entrySize(e adapters.CacheEntry) int64 {
	size := int64(len(e.Key) + len(e.Value))
	for _, t := range e.Tags {
		size += int64(len(t))
	}
	return size
}

// Get returns a live entry.
func (c *CacheTier) Get(ctx context.Context, key string) (adapters.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return adapters.CacheEntry{}, false, err
	}
	if err := c.check(); err != nil {
		return adapters.CacheEntry{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return adapters.CacheEntry{}, false, nil
	}
	item := el.Value.(*cacheItem)
	if item.entry.Expired(c.now()) {
		c.removeElement(el)
		c.misses.Add(1)
		return adapters.CacheEntry{}, false, nil
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)

	out := item.entry
	out.Value = append([]byte(nil), item.entry.Value...)
	out.Tags = append([]string(nil), item.entry.Tags...)
	return out, true, nil
}

// Set stores an entry, evicting least recently used entries first when full.
func (c *CacheTier) Set(ctx context.Context, entry adapters.CacheEntry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.check(); err != nil {
		return err
	}

	stored := adapters.CacheEntry{
		Key:   entry.Key,
		Value: append([]byte(nil), entry.Value...),
		Tags:  append([]string(nil), entry.Tags...),
	}
	if ttl > 0 {
		stored.ExpiresAt = c.now().Add(ttl)
	}
	size := entrySize(stored)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.Key]; ok {
		c.removeElement(el)
	}
	if c.maxMemoryBytes > 0 && size > c.maxMemoryBytes {
		return nil
	}

	for c.order.Len() > 0 &&
		((c.maxEntries > 0 && c.order.Len()+1 > c.maxEntries) ||
			(c.maxMemoryBytes > 0 && c.usedBytes+size > c.maxMemoryBytes)) {
		c.removeElement(c.order.Back())
		c.evictions.Add(1)
	}

	el := c.order.PushFront(&cacheItem{entry: stored, size: size})
	c.entries[stored.Key] = el
	c.usedBytes += size
	for _, t := range stored.Tags {
		keys, ok := c.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[t] = keys
		}
		keys[stored.Key] = struct{}{}
	}
	return nil
}

// InvalidateTags removes every entry carrying any of the tags.
func (c *CacheTier) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.check(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, t := range tags {
		for key := range c.tags[t] {
			if el, ok := c.entries[key]; ok {
				c.removeElement(el)
				removed++
			}
		}
		delete(c.tags, t)
	}
	return removed, nil
}

// removeElement drops an entry and its tag index entries. Caller holds mu.
func (c *CacheTier) removeElement(el *list.Element) {
	item := el.Value.(*cacheItem)
	c.order.Remove(el)
	delete(c.entries, item.entry.Key)
	c.usedBytes -= item.size
	for _, t := range item.entry.Tags {
		if keys, ok := c.tags[t]; ok {
			delete(keys, item.entry.Key)
			if len(keys) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

// Stats reports hit/miss counters and the number of entries.
func (c *CacheTier) Stats(ctx context.Context) (adapters.TierStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return adapters.TierStats{
		Type:   "memory",
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   int64(c.order.Len()),
	}, nil
}

// Len returns the number of entries.
func (c *CacheTier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// UsedBytes returns the approximate memory held by entries.
func (c *CacheTier) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// Evictions returns the number of capacity evictions.
func (c *CacheTier) Evictions() int64 {
	return c.evictions.Load()
}
