package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	_ adapters.HotStore      = (*HotStore)(nil)
	_ adapters.StatsReporter = (*HotStore)(nil)
)

// DefaultHotTTL is how long an aggregate stays hot after its last write.
const DefaultHotTTL = 24 * time.Hour

// appendScript checks the expected version and the first new version, then
// appends the encoded events and advances the counter.
// Returns {status, version}: 0 ok, 1 conflict, 2 not found, 3 gap.
var appendScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
local expected = tonumber(ARGV[1])
if expected == -2 then
	if current == 0 then return {2, current} end
elseif expected ~= -1 and current ~= expected then
	return {1, current}
end
if tonumber(ARGV[2]) ~= current + 1 then return {3, current} end
for i = 4, #ARGV do redis.call('RPUSH', KEYS[1], ARGV[i]) end
local version = current + #ARGV - 3
redis.call('SET', KEYS[2], version)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return {0, version}
`)

// promoteScript replaces the cached log unless it is already at or past ARGV[1].
var promoteScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current >= tonumber(ARGV[1]) then return 0 end
redis.call('DEL', KEYS[1])
for i = 3, #ARGV do redis.call('RPUSH', KEYS[1], ARGV[i]) end
redis.call('SET', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// HotStore keeps recent aggregate logs as Redis lists.
type HotStore struct {
	client goredis.UniversalClient
	cfg    config
	hits   atomic.Int64
	misses atomic.Int64
	closed atomic.Bool
}

// NewHotStore creates a hot tier over client. The client is not closed by Close.
func NewHotStore(client goredis.UniversalClient, opts ...Option) *HotStore {
	return &HotStore{client: client, cfg: newConfig(DefaultHotTTL, opts)}
}

func (s *HotStore) logKey(id string) string {
	return s.cfg.key("events", "aggregate", tagged(id))
}

func (s *HotStore) versionKey(id string) string {
	return s.cfg.key("events", "version", tagged(id))
}

func (s *HotStore) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", adapters.ErrBackendUnavailable, op, err)
}

func encodeEvents(events []adapters.DomainEvent) ([]interface{}, error) {
	out := make([]interface{}, len(events))
	for i, e := range events {
		data, err := msgpack.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("stoat/redis: failed to encode event %d: %w", e.Version, err)
		}
		out[i] = data
	}
	return out, nil
}

// decodeLog decodes list items, skipping and logging undecodable ones.
func (s *HotStore) decodeLog(aggregateID string, items []string) []adapters.DomainEvent {
	events := make([]adapters.DomainEvent, 0, len(items))
	for _, item := range items {
		var e adapters.DomainEvent
		if err := msgpack.Unmarshal([]byte(item), &e); err != nil {
			s.cfg.logger.Warn("Skipping undecodable hot event", "aggregateID", aggregateID, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events
}

// Append stores events atomically after the version check.
func (s *HotStore) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if aggregateID == "" {
		return adapters.ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return adapters.ErrNoEvents
	}
	if expectedVersion < adapters.StreamExists {
		return adapters.ErrInvalidVersion
	}
	if err := adapters.CheckContiguous(aggregateID, events[0].Version-1, events); err != nil {
		return err
	}

	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}
	args := append([]interface{}{expectedVersion, events[0].Version, s.cfg.ttl.Milliseconds()}, encoded...)

	res, err := appendScript.Run(ctx, s.client, []string{s.logKey(aggregateID), s.versionKey(aggregateID)}, args...).Int64Slice()
	if err != nil {
		return unavailable("append", err)
	}
	status, current := res[0], res[1]
	switch status {
	case 0:
		return nil
	case 1:
		return adapters.NewConcurrencyError(aggregateID, expectedVersion, current)
	case 2:
		return adapters.NewAggregateNotFoundError(aggregateID)
	default:
		return adapters.NewEventOrderingError(aggregateID, 0, current+1, events[0].Version)
	}
}

// Load returns cached events with fromVersion <= Version <= toVersion.
// Versions start at 1 with no gaps, so the range maps to list indexes.
func (s *HotStore) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	start := fromVersion - 1
	if start < 0 {
		start = 0
	}
	stop := int64(-1)
	if toVersion > 0 {
		stop = toVersion - 1
	}

	items, err := s.client.LRange(ctx, s.logKey(aggregateID), start, stop).Result()
	if err != nil {
		return nil, unavailable("load", err)
	}
	if len(items) == 0 {
		s.misses.Add(1)
		return []adapters.DomainEvent{}, nil
	}
	s.hits.Add(1)
	return s.decodeLog(aggregateID, items), nil
}

// GetVersion returns the cached version, or 0 when not cached.
func (s *HotStore) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	v, err := s.client.Get(ctx, s.versionKey(aggregateID)).Int64()
	if isNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get version", err)
	}
	return v, nil
}

// Exists reports whether the aggregate is cached.
func (s *HotStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	v, err := s.GetVersion(ctx, aggregateID)
	return v > 0, err
}

// LoadBatch loads several cached aggregates in one pipelined round trip.
func (s *HotStore) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string][]adapters.DomainEvent, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	cmds := make([]*goredis.StringSliceCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.LRange(ctx, s.logKey(id), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("load batch", err)
	}

	for i, id := range ids {
		items := cmds[i].Val()
		if len(items) == 0 {
			s.misses.Add(1)
			continue
		}
		s.hits.Add(1)
		result[id] = s.decodeLog(id, items)
	}
	return result, nil
}

// GetVersionsBatch returns cached versions in one pipelined round trip.
// Uncached aggregates report 0.
func (s *HotStore) GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	cmds := make([]*goredis.StringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, s.versionKey(id))
		}
		return nil
	})
	if err != nil && !isNil(err) {
		return nil, unavailable("get versions", err)
	}

	for i, id := range ids {
		v, err := cmds[i].Int64()
		if err != nil {
			v = 0
		}
		result[id] = v
	}
	return result, nil
}

// ExistsBatch reports which aggregates are cached.
func (s *HotStore) ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error) {
	versions, err := s.GetVersionsBatch(ctx, aggregateIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(versions))
	for id, v := range versions {
		result[id] = v > 0
	}
	return result, nil
}

func (s *HotStore) promoteArgs(events []adapters.DomainEvent) ([]interface{}, error) {
	encoded, err := encodeEvents(events)
	if err != nil {
		return nil, err
	}
	return append([]interface{}{events[len(events)-1].Version, s.cfg.ttl.Milliseconds()}, encoded...), nil
}

// Promote caches a full log loaded from the warm tier.
// A cached log that is already at or beyond the promoted version is kept.
func (s *HotStore) Promote(ctx context.Context, aggregateID string, events []adapters.DomainEvent) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := adapters.CheckContiguous(aggregateID, 0, events); err != nil {
		return err
	}
	args, err := s.promoteArgs(events)
	if err != nil {
		return err
	}
	keys := []string{s.logKey(aggregateID), s.versionKey(aggregateID)}
	if err := promoteScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return unavailable("promote", err)
	}
	return nil
}

// PromoteBatch promotes several aggregates in one pipelined round trip.
func (s *HotStore) PromoteBatch(ctx context.Context, logs map[string][]adapters.DomainEvent) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	type promotion struct {
		keys []string
		args []interface{}
	}
	var batch []promotion
	for id, events := range logs {
		if len(events) == 0 {
			continue
		}
		if err := adapters.CheckContiguous(id, 0, events); err != nil {
			return err
		}
		args, err := s.promoteArgs(events)
		if err != nil {
			return err
		}
		batch = append(batch, promotion{keys: []string{s.logKey(id), s.versionKey(id)}, args: args})
	}
	if len(batch) == 0 {
		return nil
	}

	if err := promoteScript.Load(ctx, s.client).Err(); err != nil {
		return unavailable("load promote script", err)
	}
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range batch {
			promoteScript.EvalSha(ctx, pipe, p.keys, p.args...)
		}
		return nil
	})
	if err != nil {
		return unavailable("promote batch", err)
	}
	return nil
}

// Evict removes an aggregate from the hot tier.
func (s *HotStore) Evict(ctx context.Context, aggregateID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.logKey(aggregateID), s.versionKey(aggregateID)).Err(); err != nil {
		return unavailable("evict", err)
	}
	return nil
}

// Stats reports hit and miss counters.
func (s *HotStore) Stats(ctx context.Context) (adapters.TierStats, error) {
	return adapters.TierStats{
		Type:   "redis",
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}, nil
}

// Close marks the store closed. The shared client stays open.
func (s *HotStore) Close() error {
	s.closed.Store(true)
	return nil
}

// TTL returns the configured key lifetime.
func (s *HotStore) TTL() time.Duration {
	return s.cfg.ttl
}
