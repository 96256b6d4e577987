package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

const eventColumns = `sequence_number, event_id, aggregate_id, aggregate_type, event_type,
	event_schema_version, event_data, metadata, version, occurred_at`

// Append stores events with optimistic concurrency control. Writers of one
// aggregate are serialized with a transaction-scoped advisory lock.
// Events already stored under the same (aggregate_id, version, event_id) are
// skipped, so a redelivered persistence task is a no-op.
func (a *Adapter) Append(ctx context.Context, aggregateID string, events []adapters.DomainEvent, expectedVersion int64) error {
	if a.closed {
		return ErrAdapterClosed
	}
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Writers of one aggregate are serialized so a backlog repair and the
	// queued batch it overlaps do not both pass the version read below. The
	// unique (aggregate_id, version) constraint remains the final guard.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, aggregateID); err != nil {
		return fmt.Errorf("stoat/postgres: failed to lock aggregate: %w", err)
	}

	var current int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = $1`, a.table("events")),
		aggregateID).Scan(&current)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to get version: %w", err)
	}

	if err := adapters.CheckVersion(aggregateID, expectedVersion, current); err != nil {
		return err
	}

	pending, err := a.skipPersisted(ctx, tx, aggregateID, current, events)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if err := adapters.CheckContiguous(aggregateID, current, pending); err != nil {
		return err
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (event_id, aggregate_id, aggregate_type, event_type, event_schema_version,
			event_data, metadata, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (aggregate_id, version) DO NOTHING
		RETURNING sequence_number`, a.table("events"))

	for _, e := range pending {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("stoat/postgres: failed to marshal payload: %w", err)
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("stoat/postgres: failed to marshal metadata: %w", err)
		}
		schemaVersion := e.SchemaVersion
		if schemaVersion < 1 {
			schemaVersion = 1
		}
		occurredAt := e.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = a.now()
		}

		var seq int64
		err = tx.QueryRowContext(ctx, insert,
			e.EventID, aggregateID, e.AggregateType, e.EventType, schemaVersion,
			data, metadata, e.Version, occurredAt.UTC(),
		).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return adapters.NewConcurrencyError(aggregateID, e.Version-1, e.Version)
		}
		if err != nil {
			return fmt.Errorf("stoat/postgres: failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stoat/postgres: failed to commit transaction: %w", err)
	}
	return nil
}

// skipPersisted drops the prefix of events that is already stored with the
// same event ids. A stored version with a different id is a conflict.
func (a *Adapter) skipPersisted(ctx context.Context, tx *sql.Tx, aggregateID string, current int64, events []adapters.DomainEvent) ([]adapters.DomainEvent, error) {
	if events[0].Version < 1 || events[0].Version > current {
		return events, nil
	}

	last := events[len(events)-1].Version
	if last > current {
		last = current
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT version, event_id FROM %s
		WHERE aggregate_id = $1 AND version BETWEEN $2 AND $3`, a.table("events")),
		aggregateID, events[0].Version, last)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to read stored events: %w", err)
	}
	defer rows.Close()

	stored := make(map[int64]string)
	for rows.Next() {
		var version int64
		var id string
		if err := rows.Scan(&version, &id); err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to scan stored event: %w", err)
		}
		stored[version] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: error iterating stored events: %w", err)
	}

	pending := events
	for len(pending) > 0 && pending[0].Version >= 1 && pending[0].Version <= current {
		if stored[pending[0].Version] != pending[0].EventID {
			return nil, adapters.NewConcurrencyError(aggregateID, pending[0].Version-1, current)
		}
		pending = pending[1:]
	}
	return pending, nil
}

// Load returns events with fromVersion <= version <= toVersion.
func (a *Adapter) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]adapters.DomainEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE aggregate_id = $1 AND version >= $2 AND ($3 <= 0 OR version <= $3)
		ORDER BY version`, eventColumns, a.table("events")),
		aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	events := make([]adapters.DomainEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: error iterating events: %w", err)
	}
	return events, nil
}

// GetVersion returns the current version, or 0 if the aggregate has no events.
func (a *Adapter) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}
	var version int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = $1`, a.table("events")),
		aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to get version: %w", err)
	}
	return version, nil
}

// Exists reports whether the aggregate has events.
func (a *Adapter) Exists(ctx context.Context, aggregateID string) (bool, error) {
	version, err := a.GetVersion(ctx, aggregateID)
	return version > 0, err
}

// LoadBatch loads several aggregates with one query. Rows that fail to
// decode are logged and skipped.
func (a *Adapter) LoadBatch(ctx context.Context, aggregateIDs []string) (map[string][]adapters.DomainEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string][]adapters.DomainEvent, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE aggregate_id = ANY($1)
		ORDER BY aggregate_id, version`, eventColumns, a.table("events")), ids)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to load batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			a.logger.Warn("Skipping undecodable event in batch load", "error", err)
			continue
		}
		result[e.AggregateID] = append(result[e.AggregateID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: error iterating batch: %w", err)
	}
	return result, nil
}

// GetVersionsBatch returns the versions of several aggregates with one query.
func (a *Adapter) GetVersionsBatch(ctx context.Context, aggregateIDs []string) (map[string]int64, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	ids := adapters.UniqueIDs(aggregateIDs)
	result := make(map[string]int64, len(ids))
	for _, id := range ids {
		result[id] = 0
	}
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT aggregate_id, MAX(version) FROM %s
		WHERE aggregate_id = ANY($1)
		GROUP BY aggregate_id`, a.table("events")), ids)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to get versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("stoat/postgres: failed to scan version: %w", err)
		}
		result[id] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: error iterating versions: %w", err)
	}
	return result, nil
}

// ExistsBatch reports existence of several aggregates with one query.
func (a *Adapter) ExistsBatch(ctx context.Context, aggregateIDs []string) (map[string]bool, error) {
	versions, err := a.GetVersionsBatch(ctx, aggregateIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(versions))
	for id, v := range versions {
		result[id] = v > 0
	}
	return result, nil
}

// LoadByEventType returns events of one type after fromSequence.
func (a *Adapter) LoadByEventType(ctx context.Context, eventType string, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	return a.scan(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE event_type = $1 AND sequence_number > $2
		ORDER BY sequence_number
		LIMIT $3`, eventColumns, a.table("events")),
		eventType, int64(fromSequence), adapters.DefaultLimit(limit, 1000))
}

// LoadFromGlobalSequence returns events across aggregates after fromSequence.
func (a *Adapter) LoadFromGlobalSequence(ctx context.Context, fromSequence uint64, limit int) ([]adapters.DomainEvent, error) {
	return a.scan(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE sequence_number > $1
		ORDER BY sequence_number
		LIMIT $2`, eventColumns, a.table("events")),
		int64(fromSequence), adapters.DefaultLimit(limit, 1000))
}

// scan runs a bulk scan, skipping rows that fail to decode.
func (a *Adapter) scan(ctx context.Context, query string, args ...interface{}) ([]adapters.DomainEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to scan events: %w", err)
	}
	defer rows.Close()

	var events []adapters.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			a.logger.Warn("Skipping undecodable event in scan", "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres: error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (adapters.DomainEvent, error) {
	var e adapters.DomainEvent
	var seq int64
	var data, metadata []byte

	err := rows.Scan(
		&seq,
		&e.EventID,
		&e.AggregateID,
		&e.AggregateType,
		&e.EventType,
		&e.SchemaVersion,
		&data,
		&metadata,
		&e.Version,
		&e.OccurredAt,
	)
	if err != nil {
		return e, fmt.Errorf("stoat/postgres: failed to scan event: %w", err)
	}
	e.GlobalSequence = uint64(seq)

	if err := json.Unmarshal(data, &e.Payload); err != nil {
		return e, fmt.Errorf("stoat/postgres: failed to unmarshal payload of %s v%d: %w", e.AggregateID, e.Version, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return e, fmt.Errorf("stoat/postgres: failed to unmarshal metadata of %s v%d: %w", e.AggregateID, e.Version, err)
		}
	}
	return e, nil
}
