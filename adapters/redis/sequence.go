package redis

import (
	"context"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	goredis "github.com/redis/go-redis/v9"
)

var _ adapters.SequenceCounter = (*SequenceCounter)(nil)

// DefaultCounterTTL is how long an idle sequence counter lives.
const DefaultCounterTTL = 7 * 24 * time.Hour

// casScript sets KEYS[1] to ARGV[3] when it equals ARGV[1] (ARGV[2] == "1")
// or is missing (ARGV[2] == "0"), refreshing the TTL on success.
var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[2] == '1' then
	if not cur or tonumber(cur) ~= tonumber(ARGV[1]) then return 0 end
elseif cur then
	return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// SequenceCounter stores sequencer counters shared by every process.
type SequenceCounter struct {
	client goredis.UniversalClient
	cfg    config
}

// NewSequenceCounter creates a counter store over client.
func NewSequenceCounter(client goredis.UniversalClient, opts ...Option) *SequenceCounter {
	return &SequenceCounter{client: client, cfg: newConfig(DefaultCounterTTL, opts)}
}

func (c *SequenceCounter) key(id string) string {
	return c.cfg.key("sequence", tagged(id))
}

// Current returns the last confirmed sequence and whether the counter exists.
func (c *SequenceCounter) Current(ctx context.Context, aggregateID string) (int64, bool, error) {
	v, err := c.client.Get(ctx, c.key(aggregateID)).Int64()
	if isNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("read sequence", err)
	}
	return v, true, nil
}

// CompareAndSet sets the counter to next iff it currently equals old.
func (c *SequenceCounter) CompareAndSet(ctx context.Context, aggregateID string, old int64, existed bool, next int64) (bool, error) {
	flag := "0"
	if existed {
		flag = "1"
	}
	ok, err := casScript.Run(ctx, c.client, []string{c.key(aggregateID)}, old, flag, next, c.cfg.ttl.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("compare and set sequence", err)
	}
	return ok == 1, nil
}

// Set stores the counter unconditionally.
func (c *SequenceCounter) Set(ctx context.Context, aggregateID string, value int64) error {
	if err := c.client.Set(ctx, c.key(aggregateID), value, c.cfg.ttl).Err(); err != nil {
		return unavailable("set sequence", err)
	}
	return nil
}
