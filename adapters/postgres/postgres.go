// Package postgres provides PostgreSQL implementations of the warm tier,
// snapshot store, L3 cache tier and sequence checkpoint store.
//
// One Adapter owns the connection pool; SnapshotStore and CacheTier share it:
//
//	adapter, err := postgres.NewAdapter(os.Getenv("DATABASE_URL"), postgres.WithSchema("stoat"))
//	if err := adapter.Migrate(ctx); err != nil { ... }
//	store := stoat.NewTieredEventStore(hot, adapter)
//	snapshots := adapter.Snapshots()
//	l3 := adapter.Cache()
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyAggregateID    = adapters.ErrEmptyAggregateID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrAggregateNotFound   = adapters.ErrAggregateNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

// Ensure Adapter implements required interfaces.
var (
	_ adapters.WarmStore       = (*Adapter)(nil)
	_ adapters.CheckpointStore = (*Adapter)(nil)
	_ adapters.StatsReporter   = (*Adapter)(nil)
)

// Adapter is the PostgreSQL warm tier. It also hands out the snapshot
// store and cache tier that live in the same schema.
type Adapter struct {
	db     *sql.DB
	schema string
	logger stoat.Logger
	now    func() time.Time
	closed bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *Adapter) {
		a.schema = schema
	}
}

// WithLogger sets the logger used for skipped records in batch scans.
func WithLogger(l stoat.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// WithClock overrides the clock used for cache expiry and snapshot pruning.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *Adapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a pgx-backed database/sql pool.
func NewAdapter(connStr string, opts ...Option) (*Adapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates an adapter over an existing pool.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:     db,
		schema: "stoat",
		logger: stoat.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// table returns the sanitized, schema-qualified table name.
func (a *Adapter) table(name string) string {
	return pgx.Identifier{a.schema, name}.Sanitize()
}

// SchemaSQL returns the DDL that Migrate applies.
func SchemaSQL(schema string) []string {
	a := &Adapter{schema: schema}
	events := a.table("events")
	snapshots := a.table("snapshots")
	cache := a.table("cache_entries")
	checkpoints := a.table("sequence_checkpoints")

	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			sequence_number      BIGSERIAL PRIMARY KEY,
			event_id             TEXT NOT NULL,
			aggregate_id         TEXT NOT NULL,
			aggregate_type       TEXT NOT NULL DEFAULT '',
			event_type           TEXT NOT NULL,
			event_schema_version INTEGER NOT NULL DEFAULT 1,
			event_data           JSONB NOT NULL,
			metadata             JSONB,
			version              BIGINT NOT NULL,
			occurred_at          TIMESTAMPTZ NOT NULL,
			UNIQUE (aggregate_id, version)
		)`, events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type_seq ON %s (event_type, sequence_number)`, events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON %s (occurred_at)`, events),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL DEFAULT '',
			version        BIGINT NOT NULL,
			state          BYTEA NOT NULL,
			metadata       JSONB,
			created_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (aggregate_id, version)
		)`, snapshots),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_snapshots_latest ON %s (aggregate_id, version DESC)`, snapshots),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			tags       TEXT[] NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ
		)`, cache),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_cache_tags ON %s USING GIN (tags)`, cache),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			aggregate_id    TEXT PRIMARY KEY,
			sequence_number BIGINT NOT NULL,
			checkpoint_at   TIMESTAMPTZ NOT NULL,
			checksum        TEXT NOT NULL
		)`, checkpoints),
	}
}

// Migrate creates the schema, tables and indexes. It is idempotent.
func (a *Adapter) Migrate(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	for _, stmt := range SchemaSQL(a.schema) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stoat/postgres: migration failed: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the database connection.
func (a *Adapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying database connection.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *Adapter) Schema() string {
	return a.schema
}

// Stats reports the number of aggregates held in the warm tier.
func (a *Adapter) Stats(ctx context.Context) (adapters.TierStats, error) {
	if a.closed {
		return adapters.TierStats{}, ErrAdapterClosed
	}
	var n int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(DISTINCT aggregate_id) FROM %s`, a.table("events"))).Scan(&n)
	if err != nil {
		return adapters.TierStats{}, fmt.Errorf("stoat/postgres: failed to read stats: %w", err)
	}
	return adapters.TierStats{Type: "postgres", Size: n}, nil
}
