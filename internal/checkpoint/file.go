package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"poolstream/internal/model"
)

// FileStore keeps each pool's checkpoint in <dir>/<pool>.json, replaced atomically.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(pool string) string {
	return filepath.Join(s.dir, strings.ToLower(pool)+".json")
}

func (s *FileStore) Load(_ context.Context, pool string) (model.Checkpoint, bool, error) {
	path := s.path(pool)
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return model.Checkpoint{}, false, fmt.Errorf("checkpoint path %s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, true, nil
}

func (s *FileStore) Save(_ context.Context, pool string, cp model.Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.path(pool)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
