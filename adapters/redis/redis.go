// Package redis provides Redis implementations of the hot tier, the
// per-aggregate sequence counter and the L2 cache tier.
//
// Every key of one aggregate shares the {id} hash tag, so scripts that touch
// the log and its version counter run on one cluster slot:
//
//	<prefix>:events:aggregate:{id}   append-only list of msgpack events
//	<prefix>:events:version:{id}     last stored version
//	<prefix>:sequence:{id}           sequencer counter
//	<prefix>:cache:<key>             cache entry
//	<prefix>:cache-tag:<tag>         set of cache keys carrying tag
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-stoat"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "stoat"

type config struct {
	prefix string
	ttl    time.Duration
	logger stoat.Logger
}

// Option configures the Redis adapters.
type Option func(*config)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// WithTTL sets how long keys live after their last write. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithLogger sets the logger used for skipped records.
func WithLogger(l stoat.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func newConfig(defaultTTL time.Duration, opts []Option) config {
	c := config{prefix: DefaultPrefix, ttl: defaultTTL, logger: stoat.NewNoopLogger()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c config) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// tagged wraps an id in a cluster hash tag.
func tagged(id string) string {
	return "{" + id + "}"
}

// NewClient connects to a single Redis node and verifies it answers PING.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stoat/redis: failed to connect to %s: %w", addr, err)
	}
	return client, nil
}

func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
