// Copyright 2025 Certen Protocol
//
// Postgres-backed height checkpoint, so a restarted Reader resumes near
// the last verified height instead of re-syncing from the DA source's
// current head.

package dareader

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresCheckpoint persists the last verified height in a single-row
// table keyed by chain ID.
type PostgresCheckpoint struct {
	db      *sql.DB
	chainID string
}

// NewPostgresCheckpoint opens a checkpoint store against an existing
// *sql.DB (created with sql.Open("postgres", dsn)) and ensures its
// backing table exists.
func NewPostgresCheckpoint(ctx context.Context, db *sql.DB, chainID string) (*PostgresCheckpoint, error) {
	c := &PostgresCheckpoint{db: db, chainID: chainID}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("dareader: checkpoint schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCheckpoint) ensureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS da_reader_checkpoint (
			chain_id TEXT PRIMARY KEY,
			height   BIGINT NOT NULL
		)
	`)
	return err
}

// Load returns the last saved height for this chain ID, or 0 if none has
// been saved yet.
func (c *PostgresCheckpoint) Load(ctx context.Context) (int64, error) {
	var height int64
	err := c.db.QueryRowContext(ctx,
		`SELECT height FROM da_reader_checkpoint WHERE chain_id = $1`,
		c.chainID,
	).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dareader: load checkpoint: %w", err)
	}
	return height, nil
}

// Save upserts the checkpointed height for this chain ID.
func (c *PostgresCheckpoint) Save(ctx context.Context, height int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO da_reader_checkpoint (chain_id, height)
		VALUES ($1, $2)
		ON CONFLICT (chain_id) DO UPDATE SET height = EXCLUDED.height
	`, c.chainID, height)
	if err != nil {
		return fmt.Errorf("dareader: save checkpoint: %w", err)
	}
	return nil
}
