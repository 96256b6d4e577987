package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// SaveCheckpoint stores the aggregate's sequence checkpoint, replacing any previous one.
func (a *Adapter) SaveCheckpoint(ctx context.Context, cp adapters.SequenceCheckpoint) error {
	if a.closed {
		return ErrAdapterClosed
	}
	if cp.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, sequence_number, checkpoint_at, checksum)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			sequence_number = EXCLUDED.sequence_number,
			checkpoint_at = EXCLUDED.checkpoint_at,
			checksum = EXCLUDED.checksum`, a.table("sequence_checkpoints")),
		cp.AggregateID, cp.SequenceNumber, cp.Timestamp.UTC(), cp.Checksum)
	if err != nil {
		return fmt.Errorf("stoat/postgres: failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns adapters.ErrCheckpointNotFound when none exists.
func (a *Adapter) LoadCheckpoint(ctx context.Context, aggregateID string) (adapters.SequenceCheckpoint, error) {
	if a.closed {
		return adapters.SequenceCheckpoint{}, ErrAdapterClosed
	}

	cp := adapters.SequenceCheckpoint{AggregateID: aggregateID}
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT sequence_number, checkpoint_at, checksum FROM %s
		WHERE aggregate_id = $1`, a.table("sequence_checkpoints")), aggregateID).Scan(
		&cp.SequenceNumber,
		&cp.Timestamp,
		&cp.Checksum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return adapters.SequenceCheckpoint{}, adapters.ErrCheckpointNotFound
	}
	if err != nil {
		return adapters.SequenceCheckpoint{}, fmt.Errorf("stoat/postgres: failed to load checkpoint: %w", err)
	}
	cp.Timestamp = cp.Timestamp.UTC()
	return cp, nil
}
