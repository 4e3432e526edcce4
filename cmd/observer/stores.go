package main

import (
	"context"
	"fmt"

	"poolstream/internal/checkpoint"
	"poolstream/internal/config"
	"poolstream/internal/deadletter"
	"poolstream/internal/storage/postgres"
)

// stores holds the persistence backends of one process. A single postgres pool
// is shared when both backends use it.
type stores struct {
	pg          *postgres.Store
	checkpoints checkpoint.Store
	deadLetters deadletter.Sink
}

func (s *stores) sharedPostgres(ctx context.Context, dsn string, chainID uint64) (*postgres.Store, error) {
	if s.pg != nil {
		return s.pg, nil
	}
	pg, err := postgres.NewStore(ctx, dsn, chainID)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	s.pg = pg
	return pg, nil
}

func (s *stores) openCheckpoints(ctx context.Context, cfg config.Config, chainID uint64) error {
	switch cfg.CheckpointBackend {
	case config.BackendFile:
		store, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		if err != nil {
			return err
		}
		s.checkpoints = store
	case config.BackendBadger:
		store, err := checkpoint.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return err
		}
		s.checkpoints = store
	case config.BackendPostgres:
		pg, err := s.sharedPostgres(ctx, cfg.PostgresDSN, chainID)
		if err != nil {
			return err
		}
		s.checkpoints = checkpoint.NewPostgresStore(pg, false)
	default:
		return fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
	return nil
}

func (s *stores) openDeadLetters(ctx context.Context, cfg config.Config, chainID uint64) error {
	switch cfg.DeadLetterBackend {
	case config.BackendJSONL:
		sink, err := deadletter.NewJSONLSink(cfg.DeadLetterPath)
		if err != nil {
			return err
		}
		s.deadLetters = sink
	case config.BackendPostgres:
		pg, err := s.sharedPostgres(ctx, cfg.PostgresDSN, chainID)
		if err != nil {
			return err
		}
		s.deadLetters = deadletter.NewPostgresSink(pg, false)
	default:
		return fmt.Errorf("unknown dead-letter backend %q", cfg.DeadLetterBackend)
	}
	return nil
}

func (s *stores) Close() error {
	var firstErr error
	if s.checkpoints != nil {
		if err := s.checkpoints.Close(); err != nil {
			firstErr = err
		}
	}
	if s.deadLetters != nil {
		if err := s.deadLetters.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
	return firstErr
}
