package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/jackc/pgx/v5/pgtype"
)

var _ adapters.CacheTier = (*CacheTier)(nil)

// CacheTier is the durable L3 query cache. Tags are a TEXT[] column with a
// GIN index so tag invalidation is a single overlap query.
type CacheTier struct {
	a    *Adapter
	name string
}

// Cache returns the L3 cache tier sharing the adapter's pool.
func (a *Adapter) Cache() *CacheTier {
	return &CacheTier{a: a, name: "postgres"}
}

// Name returns the tier name.
func (c *CacheTier) Name() string {
	return c.name
}

// Get returns a live entry. Expired rows are treated as misses and left
// for Purge.
func (c *CacheTier) Get(ctx context.Context, key string) (adapters.CacheEntry, bool, error) {
	if c.a.closed {
		return adapters.CacheEntry{}, false, ErrAdapterClosed
	}

	entry := adapters.CacheEntry{Key: key}
	var expiresAt sql.NullTime
	err := c.a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT value, tags, expires_at FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, c.a.table("cache_entries")),
		key, c.a.now().UTC()).Scan(&entry.Value, pgtype.NewMap().SQLScanner(&entry.Tags), &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return adapters.CacheEntry{}, false, nil
	}
	if err != nil {
		return adapters.CacheEntry{}, false, fmt.Errorf("stoat/postgres: failed to read cache entry: %w", err)
	}
	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Time
	}
	return entry, true, nil
}

// Set upserts an entry. ttl <= 0 stores it without expiry.
func (c *CacheTier) Set(ctx context.Context, entry adapters.CacheEntry, ttl time.Duration) error {
	if c.a.closed {
		return ErrAdapterClosed
	}

	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: c.a.now().Add(ttl).UTC(), Valid: true}
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := c.a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, tags, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			tags = EXCLUDED.tags,
			expires_at = EXCLUDED.expires_at`, c.a.table("cache_entries")),
		entry.Key, entry.Value, tags, expiresAt)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to write cache entry: %w", err)
	}
	return nil
}

// InvalidateTags removes every entry carrying any of the tags.
func (c *CacheTier) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	if c.a.closed {
		return 0, ErrAdapterClosed
	}
	if len(tags) == 0 {
		return 0, nil
	}

	res, err := c.a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tags && $1`, c.a.table("cache_entries")), tags)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to invalidate cache tags: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Purge deletes expired rows.
func (c *CacheTier) Purge(ctx context.Context) (int, error) {
	if c.a.closed {
		return 0, ErrAdapterClosed
	}
	res, err := c.a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, c.a.table("cache_entries")),
		c.a.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to purge cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
