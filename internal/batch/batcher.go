package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"poolstream/internal/model"
)

// ErrBackpressure is returned by Accept while too many sealed batches await delivery.
// It is a flow-control signal: retry the same record once a batch is marked done.
var ErrBackpressure = errors.New("backpressure: sealed batches above high-water mark")

const (
	DefaultMaxSize   = 500
	DefaultMaxAge    = 2 * time.Second
	DefaultHighWater = 8
)

// Config bounds the batches a Batcher produces.
type Config struct {
	Topic     string
	MaxSize   int
	MaxAge    time.Duration
	HighWater int
	Now       func() time.Time
	NewID     func() string
}

type openBatch struct {
	records []model.CanonicalTransaction
	started time.Time
}

// Batcher groups records into per-pool batches sealed by size or age. Records of
// one pool keep their acceptance order.
type Batcher struct {
	cfg Config

	mu      sync.Mutex
	open    map[string]*openBatch
	order   []string
	ready   []model.Batch
	pending map[string]struct{}
}

// New builds a Batcher, filling zero limits with defaults.
func New(cfg Config) (*Batcher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("batch topic is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Batcher{
		cfg:     cfg,
		open:    make(map[string]*openBatch),
		pending: make(map[string]struct{}),
	}, nil
}

// Accept appends rec to its pool's open batch, sealing it once full.
func (b *Batcher) Accept(rec model.CanonicalTransaction) error {
	return b.AcceptAll([]model.CanonicalTransaction{rec})
}

// AcceptAll appends the records of one source event, which must share a pool.
// They land in the same batch unless there are more of them than MaxSize.
func (b *Batcher) AcceptAll(recs []model.CanonicalTransaction) error {
	if len(recs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.cfg.HighWater {
		return ErrBackpressure
	}

	pool := recs[0].Pool
	if open, ok := b.open[pool]; ok {
		stale := b.cfg.Now().Sub(open.started) >= b.cfg.MaxAge
		full := len(recs) <= b.cfg.MaxSize && len(open.records)+len(recs) > b.cfg.MaxSize
		if stale || full {
			b.seal(pool)
		}
	}
	for _, rec := range recs {
		batch, ok := b.open[pool]
		if !ok {
			batch = &openBatch{started: b.cfg.Now()}
			b.open[pool] = batch
			b.order = append(b.order, pool)
		}
		batch.records = append(batch.records, rec)
		if len(batch.records) >= b.cfg.MaxSize {
			b.seal(pool)
		}
	}
	return nil
}

// FlushReady seals batches that reached their age limit and hands out the oldest
// sealed batch not yet handed out.
func (b *Batcher) FlushReady() (model.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	for _, pool := range append([]string(nil), b.order...) {
		if now.Sub(b.open[pool].started) >= b.cfg.MaxAge {
			b.seal(pool)
		}
	}
	return b.next()
}

// SealAll seals every open batch regardless of size or age. Used when draining.
func (b *Batcher) SealAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.order) > 0 {
		b.seal(b.order[0])
	}
}

// MarkDone releases a handed-out batch after delivery or dead-lettering.
func (b *Batcher) MarkDone(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// NextDeadline returns when the oldest open batch reaches its age limit.
func (b *Batcher) NextDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var deadline time.Time
	for _, pool := range b.order {
		at := b.open[pool].started.Add(b.cfg.MaxAge)
		if deadline.IsZero() || at.Before(deadline) {
			deadline = at
		}
	}
	return deadline, !deadline.IsZero()
}

// Pending returns the number of sealed batches not yet marked done.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Buffered returns the number of records in open batches.
func (b *Batcher) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, batch := range b.open {
		n += len(batch.records)
	}
	return n
}

func (b *Batcher) seal(pool string) {
	open, ok := b.open[pool]
	if !ok {
		return
	}
	delete(b.open, pool)
	for i, key := range b.order {
		if key == pool {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	sealed := model.Batch{
		ID:       b.cfg.NewID(),
		Topic:    b.cfg.Topic,
		Pool:     pool,
		Records:  open.records,
		SealedAt: b.cfg.Now(),
	}
	b.ready = append(b.ready, sealed)
	b.pending[sealed.ID] = struct{}{}
}

func (b *Batcher) next() (model.Batch, bool) {
	if len(b.ready) == 0 {
		return model.Batch{}, false
	}
	batch := b.ready[0]
	b.ready[0] = model.Batch{}
	b.ready = b.ready[1:]
	return batch, true
}
