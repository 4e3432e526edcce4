package reader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"poolstream/internal/model"
	"poolstream/internal/retry"
)

const (
	DefaultIdleMin    = time.Second
	DefaultIdleMax    = 30 * time.Second
	DefaultBlockRange = 1000
)

// LogSource is the subset of the chain client the reader polls.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// SnapshotFunc reads the pool state at a block.
type SnapshotFunc func(ctx context.Context, block uint64) (model.PoolSnapshot, error)

// MetaFunc reads the static pool metadata.
type MetaFunc func(ctx context.Context) (model.PoolMeta, error)

// Config holds runtime settings for a Reader.
type Config struct {
	ChainID uint64
	Pool    common.Address
	// Topics restricts eth_getLogs to these topic0 values. Empty means every log of the pool.
	Topics        []common.Hash
	Confirmations uint64
	BlockRange    uint64
	IdleMin       time.Duration
	IdleMax       time.Duration
	Retry         retry.Policy
	// RateLimit caps RPC calls per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// SnapshotTopic marks logs that get a state snapshot attached, usually Swap.
	SnapshotTopic common.Hash
}

// Window is one scanned block range. Events are sorted by position and contain
// nothing covered by the checkpoint the scan started from.
type Window struct {
	Range  BlockRange
	Events []model.RawEvent
}

// Reader polls one pool's logs through a LogSource.
type Reader struct {
	cfg       Config
	source    LogSource
	snapshots SnapshotFunc
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a Reader. snapshots may be nil when no snapshot topic is set.
func New(cfg Config, source LogSource, snapshots SnapshotFunc, logger *zap.Logger) (*Reader, error) {
	if source == nil {
		return nil, fmt.Errorf("log source is nil")
	}
	if cfg.SnapshotTopic != (common.Hash{}) && snapshots == nil {
		return nil, fmt.Errorf("snapshot topic set without a snapshot source")
	}
	if cfg.BlockRange == 0 {
		cfg.BlockRange = DefaultBlockRange
	}
	if cfg.IdleMin <= 0 {
		cfg.IdleMin = DefaultIdleMin
	}
	if cfg.IdleMax < cfg.IdleMin {
		cfg.IdleMax = DefaultIdleMax
		if cfg.IdleMax < cfg.IdleMin {
			cfg.IdleMax = cfg.IdleMin
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reader{
		cfg:       cfg,
		source:    source,
		snapshots: snapshots,
		logger:    logger.With(zap.String("pool", cfg.Pool.Hex())),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return r, nil
}

// SafeHead returns the newest block with the configured number of confirmations.
// ok is false while the chain is shorter than the confirmation depth.
func (r *Reader) SafeHead(ctx context.Context) (head uint64, ok bool, err error) {
	var latest uint64
	err = r.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		latest, err = r.source.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if latest < r.cfg.Confirmations {
		return 0, false, nil
	}
	return latest - r.cfg.Confirmations, true, nil
}

// Snapshot reads the pool state at block, 0 meaning latest.
func (r *Reader) Snapshot(ctx context.Context, block uint64) (model.PoolSnapshot, error) {
	if r.snapshots == nil {
		return model.PoolSnapshot{}, fmt.Errorf("no snapshot source configured")
	}
	var snapshot model.PoolSnapshot
	err := r.call(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		snapshot, err = r.snapshots(ctx, block)
		return err
	})
	return snapshot, err
}

// PoolMeta loads pool metadata with fetch under the same rate limit and retry
// budget as every other remote call.
func (r *Reader) PoolMeta(ctx context.Context, fetch MetaFunc) (model.PoolMeta, error) {
	var meta model.PoolMeta
	err := r.call(ctx, "pool_metadata", func(ctx context.Context) error {
		var err error
		meta, err = fetch(ctx)
		return err
	})
	return meta, err
}

// Observe emits windows on out, starting after from, until ctx is done or a remote
// call exhausts its retries. It never closes out.
func (r *Reader) Observe(ctx context.Context, from model.Checkpoint, out chan<- Window) error {
	cursor := from
	idle := r.cfg.IdleMin

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		head, ok, err := r.SafeHead(ctx)
		if err != nil {
			return err
		}

		next := cursor.NextBlock()
		if !ok || head < next {
			r.logger.Debug("no new blocks", zap.Uint64("next", next), zap.Duration("idle", idle))
			if err := retry.Sleep(ctx, idle); err != nil {
				return err
			}
			idle = minDuration(idle*2, r.cfg.IdleMax)
			continue
		}

		ranges, err := SplitRange(next, head, r.cfg.BlockRange)
		if err != nil {
			return err
		}

		found := 0
		for _, blockRange := range ranges {
			window, err := r.Scan(ctx, cursor, blockRange)
			if err != nil {
				return err
			}
			found += len(window.Events)

			select {
			case out <- window:
			case <-ctx.Done():
				return ctx.Err()
			}
			cursor = model.Checkpoint{Block: blockRange.To, BlockComplete: true}
		}

		if found > 0 {
			idle = r.cfg.IdleMin
			continue
		}
		// Caught up with nothing to report.
		if err := retry.Sleep(ctx, idle); err != nil {
			return err
		}
		idle = minDuration(idle*2, r.cfg.IdleMax)
	}
}

// Scan reads one block range and returns its events in position order, skipping
// removed logs, duplicates and anything cursor already covers.
func (r *Reader) Scan(ctx context.Context, cursor model.Checkpoint, blockRange BlockRange) (Window, error) {
	r.logger.Debug("fetch logs", zap.Uint64("from_block", blockRange.From), zap.Uint64("to_block", blockRange.To))

	var logs []types.Log
	err := r.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = r.source.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{r.cfg.Pool}, r.cfg.Topics)
		return err
	})
	if err != nil {
		return Window{}, err
	}

	sort.SliceStable(logs, func(i, j int) bool {
		return positionOf(logs[i]).Less(positionOf(logs[j]))
	})

	seen := make(map[model.Position]struct{}, len(logs))
	timestamps := make(map[uint64]uint64)
	snapshots := make(map[uint64]*model.PoolSnapshot)
	events := make([]model.RawEvent, 0, len(logs))

	for _, log := range logs {
		pos := positionOf(log)
		if log.Removed || log.Address != r.cfg.Pool || cursor.Covers(pos) {
			continue
		}
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}

		ts, ok := timestamps[log.BlockNumber]
		if !ok {
			ts, err = r.blockTimestamp(ctx, log.BlockNumber)
			if err != nil {
				return Window{}, err
			}
			timestamps[log.BlockNumber] = ts
		}

		event := model.RawEvent{ChainID: r.cfg.ChainID, Log: log, BlockTime: ts}
		if r.wantsSnapshot(log) {
			snapshot, ok := snapshots[log.BlockNumber]
			if !ok {
				state, err := r.Snapshot(ctx, log.BlockNumber)
				if err != nil {
					return Window{}, err
				}
				snapshot = &state
				snapshots[log.BlockNumber] = snapshot
			}
			event.Snapshot = snapshot
		}
		events = append(events, event)
	}

	if len(events) > 0 {
		r.logger.Info("logs observed",
			zap.Int("count", len(events)),
			zap.Uint64("from_block", blockRange.From),
			zap.Uint64("to_block", blockRange.To),
		)
	}
	return Window{Range: blockRange, Events: events}, nil
}

func (r *Reader) wantsSnapshot(log types.Log) bool {
	return r.cfg.SnapshotTopic != (common.Hash{}) && len(log.Topics) > 0 && log.Topics[0] == r.cfg.SnapshotTopic
}

func (r *Reader) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := r.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		ts, err = r.source.BlockTimestamp(ctx, number)
		return err
	})
	return ts, err
}

// call runs fn under the rate limiter and retry policy. Exhaustion is reported
// as *RemoteUnavailableError; cancellation is returned as is.
func (r *Reader) call(ctx context.Context, op string, fn retry.Operation) error {
	attempts, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	}, func(err error, next time.Duration, attempt int) {
		r.logger.Warn("rpc call failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &RemoteUnavailableError{Pool: r.cfg.Pool, Op: op, Attempts: attempts, Err: err}
}

func positionOf(log types.Log) model.Position {
	return model.Position{Block: log.BlockNumber, LogIndex: uint64(log.Index)}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
