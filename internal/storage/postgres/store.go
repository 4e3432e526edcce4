package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolstream/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS observer_checkpoints (
	chain_id       BIGINT      NOT NULL,
	pool_address   TEXT        NOT NULL,
	block_number   BIGINT      NOT NULL,
	log_index      BIGINT      NOT NULL,
	block_complete BOOLEAN     NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, pool_address)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	batch_id     TEXT        PRIMARY KEY,
	chain_id     BIGINT      NOT NULL,
	pool_address TEXT        NOT NULL,
	topic        TEXT        NOT NULL,
	from_block   BIGINT      NOT NULL,
	from_index   BIGINT      NOT NULL,
	to_block     BIGINT      NOT NULL,
	to_index     BIGINT      NOT NULL,
	record_count INTEGER     NOT NULL,
	kind         TEXT        NOT NULL,
	attempts     INTEGER     NOT NULL,
	error        TEXT        NOT NULL,
	payload      JSONB,
	failed_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS dead_letters_pool_idx ON dead_letters (chain_id, pool_address, failed_at);
`

// Store provides Postgres persistence for checkpoints and dead letters.
type Store struct {
	pool    *pgxpool.Pool
	chainID uint64
}

func NewStore(ctx context.Context, dsn string, chainID uint64) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, chainID: chainID}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables the observer writes to.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for pool.
func (s *Store) LoadCheckpoint(ctx context.Context, pool string) (model.Checkpoint, bool, error) {
	if pool == "" {
		return model.Checkpoint{}, false, fmt.Errorf("pool address required")
	}
	var (
		cp    model.Checkpoint
		block int64
		index int64
	)
	row := s.pool.QueryRow(ctx, `
		SELECT block_number, log_index, block_complete, updated_at
		FROM observer_checkpoints WHERE chain_id=$1 AND pool_address=$2
	`, int64(s.chainID), pool)
	if err := row.Scan(&block, &index, &cp.BlockComplete, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	cp.Block = uint64(block)
	cp.LogIndex = uint64(index)
	return cp, true, nil
}

// SaveCheckpoint upserts the checkpoint for pool.
func (s *Store) SaveCheckpoint(ctx context.Context, pool string, cp model.Checkpoint) error {
	if pool == "" {
		return fmt.Errorf("pool address required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observer_checkpoints (chain_id, pool_address, block_number, log_index, block_complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, pool_address) DO UPDATE
		SET block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			block_complete = EXCLUDED.block_complete,
			updated_at = EXCLUDED.updated_at
	`, int64(s.chainID), pool, int64(cp.Block), int64(cp.LogIndex), cp.BlockComplete, cp.UpdatedAt)
	return err
}

// PutDeadLetters inserts dead letters. A batch id already present is updated,
// since a replayed batch may fail again.
func (s *Store) PutDeadLetters(ctx context.Context, letters []model.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, letter := range letters {
		var payload []byte
		if len(letter.Payload) > 0 {
			payload = letter.Payload
		}
		batch.Queue(`
			INSERT INTO dead_letters (
				batch_id, chain_id, pool_address, topic, from_block, from_index, to_block, to_index,
				record_count, kind, attempts, error, payload, failed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (batch_id)
			DO UPDATE SET
				kind = EXCLUDED.kind,
				attempts = dead_letters.attempts + EXCLUDED.attempts,
				error = EXCLUDED.error,
				failed_at = EXCLUDED.failed_at
		`,
			letter.BatchID,
			int64(s.chainID),
			letter.Pool,
			letter.Topic,
			int64(letter.From.Block),
			int64(letter.From.LogIndex),
			int64(letter.To.Block),
			int64(letter.To.LogIndex),
			letter.Count,
			letter.Kind,
			letter.Attempts,
			letter.Error,
			payload,
			letter.FailedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range letters {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListDeadLetters returns dead letters in failure order. An empty pool lists all pools.
func (s *Store) ListDeadLetters(ctx context.Context, pool string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, pool_address, topic, from_block, from_index, to_block, to_index,
			record_count, kind, attempts, error, payload, failed_at
		FROM dead_letters
		WHERE chain_id=$1 AND ($2 = '' OR pool_address=$2)
		ORDER BY failed_at, batch_id
		LIMIT $3
	`, int64(s.chainID), pool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var (
			letter                                 model.DeadLetter
			fromBlock, fromIndex, toBlock, toIndex int64
			payload                                []byte
		)
		if err := rows.Scan(
			&letter.BatchID, &letter.Pool, &letter.Topic,
			&fromBlock, &fromIndex, &toBlock, &toIndex,
			&letter.Count, &letter.Kind, &letter.Attempts, &letter.Error,
			&payload, &letter.FailedAt,
		); err != nil {
			return nil, err
		}
		letter.From = model.Position{Block: uint64(fromBlock), LogIndex: uint64(fromIndex)}
		letter.To = model.Position{Block: uint64(toBlock), LogIndex: uint64(toIndex)}
		letter.Payload = payload
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// DeleteDeadLetter removes a dead letter after a successful replay.
func (s *Store) DeleteDeadLetter(ctx context.Context, batchID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE batch_id=$1`, batchID)
	return err
}
