// Package store implements the Progress Store contract (spec §4.3)
// over PostgreSQL via pgx. It owns the singleton ingestion_state row
// plus the write-once blocks and transactions tables, performing
// one-time schema preparation on first use.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/intuition-systems/chain-indexer/pkg/models"
)

// schema is applied once at startup. It is intentionally permissive
// (IF NOT EXISTS) since the store is expected to run against a
// database that may already have been initialized by a prior process.
const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	number            BIGINT PRIMARY KEY,
	timestamp         BIGINT NOT NULL,
	transaction_count INTEGER NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	hash         TEXT PRIMARY KEY,
	block_number BIGINT NOT NULL,
	position     INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (block_number, position)
);

CREATE TABLE IF NOT EXISTS ingestion_state (
	id                   INTEGER PRIMARY KEY DEFAULT 1,
	last_processed_block BIGINT NOT NULL DEFAULT 0,
	mode                 TEXT NOT NULL DEFAULT 'reindex',
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (id = 1)
);

INSERT INTO ingestion_state (id, last_processed_block, mode)
VALUES (1, 0, 'reindex')
ON CONFLICT (id) DO NOTHING;
`

// ProgressStore is the Controller's view of persistent state: the
// singleton cursor/mode row, and idempotent block/transaction inserts.
type ProgressStore interface {
	ReadState(ctx context.Context) (models.IngestionState, error)
	WriteState(ctx context.Context, lastProcessedBlock int64, mode models.Mode) error
	UpsertBlocks(ctx context.Context, blocks []models.BlockRow) error
	UpsertTransactions(ctx context.Context, txs []models.TransactionRow) error
}

// PostgresStore is the pgx-backed ProgressStore implementation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to Postgres, caps the pool at maxConnections, and
// runs the one-time schema preparation (including the singleton
// ingestion_state row) described in spec §4.3.
func Open(ctx context.Context, databaseURL string, maxConnections int, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(maxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	logger.Info().
		Int("max_connections", maxConnections).
		Msg("progress store initialized")

	return &PostgresStore{pool: pool, logger: logger.With().Str("component", "store").Logger()}, nil
}

// ReadState reads the singleton ingestion_state row.
func (s *PostgresStore) ReadState(ctx context.Context) (models.IngestionState, error) {
	var (
		lastProcessed int64
		modeStr       string
		updatedAt     time.Time
	)

	row := s.pool.QueryRow(ctx, `SELECT last_processed_block, mode, updated_at FROM ingestion_state WHERE id = 1`)
	if err := row.Scan(&lastProcessed, &modeStr, &updatedAt); err != nil {
		return models.IngestionState{}, fmt.Errorf("failed to read ingestion state: %w", err)
	}

	return models.IngestionState{
		LastProcessedBlock: lastProcessed,
		Mode:               models.ParseMode(modeStr),
		UpdatedAt:          updatedAt,
	}, nil
}

// WriteState atomically updates the cursor and mode.
func (s *PostgresStore) WriteState(ctx context.Context, lastProcessedBlock int64, mode models.Mode) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingestion_state SET last_processed_block = $1, mode = $2, updated_at = now() WHERE id = 1`,
		lastProcessedBlock, mode.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to write ingestion state: %w", err)
	}
	return nil
}

// UpsertBlocks inserts block rows, silently ignoring primary-key
// conflicts so a crash-replay of the same batch is idempotent.
func (s *PostgresStore) UpsertBlocks(ctx context.Context, blocks []models.BlockRow) error {
	if len(blocks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range blocks {
		batch.Queue(
			`INSERT INTO blocks (number, timestamp, transaction_count) VALUES ($1, $2, $3) ON CONFLICT (number) DO NOTHING`,
			b.Number, b.Timestamp, b.TransactionCount,
		)
	}

	if err := s.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert blocks: %w", err)
	}
	return nil
}

// UpsertTransactions inserts transaction rows, silently ignoring
// primary-key conflicts for the same reason as UpsertBlocks.
func (s *PostgresStore) UpsertTransactions(ctx context.Context, txs []models.TransactionRow) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(
			`INSERT INTO transactions (hash, block_number, position) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`,
			t.Hash, t.BlockNumber, t.Position,
		)
	}

	if err := s.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert transactions: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
	s.logger.Info().Msg("progress store closed")
}

// execBatch sends a pgx.Batch and drains every queued result, so a
// conflict-driven no-op on one row doesn't mask a genuine failure on
// another row in the same batch.
func (s *PostgresStore) execBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
