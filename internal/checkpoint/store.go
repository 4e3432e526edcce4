package checkpoint

import (
	"context"

	"poolstream/internal/model"
)

// Store persists one checkpoint per pool.
type Store interface {
	Load(ctx context.Context, pool string) (model.Checkpoint, bool, error)
	Save(ctx context.Context, pool string, cp model.Checkpoint) error
	Close() error
}
