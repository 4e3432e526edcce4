package checkpoint

import (
	"context"

	"poolstream/internal/model"
	"poolstream/internal/storage/postgres"
)

// PostgresStore keeps checkpoints in the observer_checkpoints table.
type PostgresStore struct {
	store *postgres.Store
	owned bool
}

// NewPostgresStore wraps store. When owned is true Close closes store.
func NewPostgresStore(store *postgres.Store, owned bool) *PostgresStore {
	return &PostgresStore{store: store, owned: owned}
}

func (s *PostgresStore) Load(ctx context.Context, pool string) (model.Checkpoint, bool, error) {
	return s.store.LoadCheckpoint(ctx, pool)
}

func (s *PostgresStore) Save(ctx context.Context, pool string, cp model.Checkpoint) error {
	return s.store.SaveCheckpoint(ctx, pool, cp)
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.store.Close()
	}
	return nil
}
