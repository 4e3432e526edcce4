package deadletter

import (
	"context"

	"poolstream/internal/model"
	"poolstream/internal/storage/postgres"
)

// Sink stores and lists batches that could not be delivered.
type Sink interface {
	Write(ctx context.Context, letter model.DeadLetter) error
	List(ctx context.Context) ([]model.DeadLetter, error)
	// Resolve marks a dead letter as replayed.
	Resolve(ctx context.Context, batchID string) error
	Close() error
}

// PostgresSink keeps dead letters in the dead_letters table.
type PostgresSink struct {
	store *postgres.Store
	owned bool
}

// NewPostgresSink wraps store. When owned is true Close closes store.
func NewPostgresSink(store *postgres.Store, owned bool) *PostgresSink {
	return &PostgresSink{store: store, owned: owned}
}

func (s *PostgresSink) Write(ctx context.Context, letter model.DeadLetter) error {
	return s.store.PutDeadLetters(ctx, []model.DeadLetter{letter})
}

func (s *PostgresSink) List(ctx context.Context) ([]model.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, "", 0)
}

func (s *PostgresSink) Resolve(ctx context.Context, batchID string) error {
	return s.store.DeleteDeadLetter(ctx, batchID)
}

func (s *PostgresSink) Close() error {
	if s.owned {
		s.store.Close()
	}
	return nil
}
