package redis

import (
	"context"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var _ adapters.CacheTier = (*CacheTier)(nil)

// setScript stores an entry and indexes it under its tag sets. A tag set
// lives at least as long as its longest-lived member; a set holding an entry
// without TTL never expires.
// KEYS[1] entry key, KEYS[2..] tag sets; ARGV[1] value, ARGV[2] ttl in ms, ARGV[3] member.
var setScript = goredis.NewScript(`
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
for i = 2, #KEYS do
	local existed = redis.call('EXISTS', KEYS[i]) == 1
	local current = redis.call('PTTL', KEYS[i])
	redis.call('SADD', KEYS[i], ARGV[3])
	if ttl <= 0 then
		redis.call('PERSIST', KEYS[i])
	elseif not existed or (current >= 0 and current < ttl) then
		redis.call('PEXPIRE', KEYS[i], ttl)
	end
end
return 1
`)

// invalidateScript deletes every entry listed in the tag sets, then the sets.
// KEYS are tag sets; ARGV[1] is the entry key prefix. Returns the entries removed.
var invalidateScript = goredis.NewScript(`
local seen = {}
local removed = 0
for i = 1, #KEYS do
	for _, member in ipairs(redis.call('SMEMBERS', KEYS[i])) do
		if not seen[member] then
			seen[member] = true
			removed = removed + redis.call('DEL', ARGV[1] .. member)
		end
	end
	redis.call('DEL', KEYS[i])
end
return removed
`)

// CacheTier is the shared L2 query cache. Entries expire through Redis key
// TTLs; each tag is a set of the keys that carry it, expiring with its
// longest-lived entry.
type CacheTier struct {
	client goredis.UniversalClient
	cfg    config
	name   string
}

// NewCacheTier creates an L2 tier over client.
func NewCacheTier(client goredis.UniversalClient, opts ...Option) *CacheTier {
	return &CacheTier{client: client, cfg: newConfig(0, opts), name: "redis"}
}

// Name returns the tier name.
func (c *CacheTier) Name() string {
	return c.name
}

func (c *CacheTier) entryKey(key string) string {
	return c.cfg.key("cache", key)
}

func (c *CacheTier) tagKey(tag string) string {
	return c.cfg.key("cache-tag", tag)
}

// Get returns a live entry.
func (c *CacheTier) Get(ctx context.Context, key string) (adapters.CacheEntry, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if isNil(err) {
		return adapters.CacheEntry{}, false, nil
	}
	if err != nil {
		return adapters.CacheEntry{}, false, unavailable("cache get", err)
	}

	var entry adapters.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		c.cfg.logger.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		_ = c.client.Del(ctx, c.entryKey(key)).Err()
		return adapters.CacheEntry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		return adapters.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Set stores the entry and indexes it under its tags atomically.
func (c *CacheTier) Set(ctx context.Context, entry adapters.CacheEntry, ttl time.Duration) error {
	stored := entry
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := msgpack.Marshal(stored)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(entry.Tags)+1)
	keys = append(keys, c.entryKey(entry.Key))
	for _, tag := range entry.Tags {
		keys = append(keys, c.tagKey(tag))
	}
	ms := ttl.Milliseconds()
	if ttl > 0 && ms == 0 {
		ms = 1
	}
	if err := setScript.Run(ctx, c.client, keys, data, ms, entry.Key).Err(); err != nil {
		return unavailable("cache set", err)
	}
	return nil
}

// InvalidateTags removes every entry carrying any of the tags. Lookup and
// deletion run in one script, so an entry tagged concurrently is either
// removed or stays indexed.
func (c *CacheTier) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = c.tagKey(tag)
	}
	removed, err := invalidateScript.Run(ctx, c.client, keys, c.entryKey("")).Int()
	if err != nil {
		return 0, unavailable("cache invalidate", err)
	}
	return removed, nil
}
