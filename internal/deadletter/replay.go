package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"poolstream/internal/delivery"
	"poolstream/internal/model"
	"poolstream/internal/retry"
)

// ReplayConfig selects and re-sends dead letters.
type ReplayConfig struct {
	// Pool and BatchID narrow the selection when set.
	Pool           string
	BatchID        string
	Retry          retry.Policy
	PublishTimeout time.Duration
}

// ReplayStats counts the outcome of a replay run.
type ReplayStats struct {
	Selected int
	Replayed int
	Skipped  int
	Failed   int
}

// Replay re-publishes the selected dead letters on channel, which must be
// connected, and resolves each one the broker acknowledged. The batch id is
// reused as the message id, so the broker drops batches it already holds.
func Replay(ctx context.Context, sink Sink, channel delivery.Channel, cfg ReplayConfig, logger *zap.Logger) (ReplayStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = delivery.DefaultPublishTimeout
	}

	letters, err := sink.List(ctx)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("list dead letters: %w", err)
	}

	var stats ReplayStats
	var errs []error
	for _, letter := range letters {
		if !selected(letter, cfg) {
			continue
		}
		stats.Selected++

		logger := logger.With(zap.String("batch_id", letter.BatchID), zap.String("pool", letter.Pool))
		if len(letter.Payload) == 0 {
			stats.Skipped++
			logger.Warn("dead letter has no payload, skipping", zap.String("error", letter.Error))
			continue
		}
		envelope, _, err := delivery.Decode(letter.Payload)
		if err != nil {
			stats.Skipped++
			logger.Warn("dead letter payload is not a batch envelope, skipping", zap.Error(err))
			continue
		}
		topic := letter.Topic
		if topic == "" {
			topic = envelope.Topic
		}

		_, err = retry.Do(ctx, cfg.Retry, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
			defer cancel()
			err := channel.Publish(attemptCtx, topic, letter.BatchID, letter.Payload)
			if errors.Is(err, delivery.ErrPermanent) {
				return retry.Permanent(err)
			}
			return err
		}, func(err error, next time.Duration, attempt int) {
			logger.Warn("replay failed, retrying", zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
		})
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			errs = append(errs, fmt.Errorf("replay batch %s: %w", letter.BatchID, err))
			logger.Error("replay failed", zap.Error(err))
			continue
		}

		if err := sink.Resolve(ctx, letter.BatchID); err != nil {
			errs = append(errs, fmt.Errorf("resolve batch %s: %w", letter.BatchID, err))
			logger.Error("batch replayed but not resolved", zap.Error(err))
		}
		stats.Replayed++
		logger.Info("batch replayed",
			zap.Uint64("from_block", letter.From.Block),
			zap.Uint64("to_block", letter.To.Block),
			zap.Int("records", envelope.Count),
		)
	}
	return stats, errors.Join(errs...)
}

func selected(letter model.DeadLetter, cfg ReplayConfig) bool {
	if cfg.BatchID != "" && letter.BatchID != cfg.BatchID {
		return false
	}
	if cfg.Pool != "" && !strings.EqualFold(letter.Pool, cfg.Pool) {
		return false
	}
	return true
}
