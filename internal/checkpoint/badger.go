package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"poolstream/internal/model"
)

const badgerPrefix = "checkpoint/"

// BadgerStore keeps checkpoints in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger checkpoint store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(pool string) []byte {
	return []byte(badgerPrefix + strings.ToLower(pool))
}

func (s *BadgerStore) Load(_ context.Context, pool string) (model.Checkpoint, bool, error) {
	var cp model.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(pool))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}

func (s *BadgerStore) Save(_ context.Context, pool string, cp model.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(pool), data)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
