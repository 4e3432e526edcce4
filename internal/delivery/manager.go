package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolstream/internal/metrics"
	"poolstream/internal/model"
	"poolstream/internal/retry"
)

const (
	DefaultPublishTimeout = 10 * time.Second
	DefaultMaxPayload     = 1 << 20
)

// DeadLetterSink stores batches that could not be delivered.
type DeadLetterSink interface {
	Write(ctx context.Context, letter model.DeadLetter) error
}

// Config holds runtime settings for a Manager.
type Config struct {
	ChainID uint64
	// Retry.MaxRetries is the transient retry budget per batch.
	Retry          retry.Policy
	PublishTimeout time.Duration
	MaxPayload     int
	Now            func() time.Time
}

// State is the manager's view of its channel.
type State struct {
	Connected           bool
	LastSuccess         time.Time
	ConsecutiveFailures int
	TotalRetries        int
	Delivered           uint64
	DeadLettered        uint64
}

// Manager owns one channel connection and publishes batches over it with retries.
type Manager struct {
	cfg     Config
	channel Channel
	sink    DeadLetterSink
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	opened bool
	state  State
}

// NewManager builds a Manager. sink may be nil, in which case failed batches are
// only reported.
func NewManager(cfg Config, channel Channel, sink DeadLetterSink, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, channel: channel, sink: sink, logger: logger, metrics: m}
}

// Start connects the channel.
func (m *Manager) Start(ctx context.Context) error {
	if m.channel == nil {
		return fmt.Errorf("delivery channel is nil")
	}
	if err := m.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect delivery channel: %w", err)
	}
	m.mu.Lock()
	m.opened = true
	m.state.Connected = true
	m.mu.Unlock()
	return nil
}

// Close releases the channel. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	opened := m.opened
	m.opened = false
	m.state.Connected = false
	m.mu.Unlock()

	if !opened {
		return nil
	}
	return m.channel.Close()
}

// State returns a copy of the delivery state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Publish delivers batch or reports why it could not. Transient failures are
// retried within the budget; permanent ones are not. A batch that is given up on
// is dead-lettered before Publish returns its *DeliveryError; if that write fails
// too the error is a *DeadLetterError. Cancellation returns a transient
// *DeliveryError without dead-lettering so the batch is replayed on restart.
func (m *Manager) Publish(ctx context.Context, batch model.Batch) error {
	pool := m.metrics.For(batch.Pool)
	logger := m.logger.With(zap.String("pool", batch.Pool), zap.String("batch_id", batch.ID))
	started := m.cfg.Now()

	payload, err := Encode(m.cfg.ChainID, batch)
	if err != nil {
		return m.giveUp(ctx, batch, nil, Permanent, 0, err)
	}
	if len(payload) > m.cfg.MaxPayload {
		err := fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrPermanent, len(payload), m.cfg.MaxPayload)
		return m.giveUp(ctx, batch, payload, Permanent, 0, err)
	}

	attempts, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		defer cancel()

		err := m.channel.Publish(attemptCtx, batch.Topic, batch.ID, payload)
		if err == nil {
			return nil
		}
		permanent := errors.Is(err, ErrPermanent)
		m.mu.Lock()
		m.state.ConsecutiveFailures++
		// A permanent rejection still came from a live broker.
		if !permanent {
			m.state.Connected = false
		}
		m.mu.Unlock()
		if permanent {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration, attempt int) {
		m.mu.Lock()
		m.state.TotalRetries++
		m.mu.Unlock()
		pool.Retried()
		logger.Warn("publish failed, retrying", zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	})

	if err == nil {
		m.mu.Lock()
		m.state.Connected = true
		m.state.ConsecutiveFailures = 0
		m.state.LastSuccess = m.cfg.Now()
		m.state.Delivered++
		m.mu.Unlock()
		pool.Delivered(m.cfg.Now().Sub(started))
		logger.Debug("batch delivered", zap.Int("records", batch.Len()), zap.Int("attempts", attempts))
		return nil
	}

	if ctx.Err() != nil {
		return m.deliveryError(batch, Transient, attempts, err)
	}
	kind := Transient
	if errors.Is(err, ErrPermanent) {
		kind = Permanent
	}
	return m.giveUp(ctx, batch, payload, kind, attempts, err)
}

func (m *Manager) deliveryError(batch model.Batch, kind ErrorKind, attempts int, err error) *DeliveryError {
	from, to := batch.Range()
	return &DeliveryError{
		Kind:     kind,
		BatchID:  batch.ID,
		Pool:     batch.Pool,
		From:     from,
		To:       to,
		Count:    batch.Len(),
		Attempts: attempts,
		Err:      err,
	}
}

func (m *Manager) giveUp(ctx context.Context, batch model.Batch, payload []byte, kind ErrorKind, attempts int, cause error) error {
	failure := m.deliveryError(batch, kind, attempts, cause)
	if m.sink == nil {
		return failure
	}

	letter := model.DeadLetter{
		BatchID:  batch.ID,
		Pool:     batch.Pool,
		Topic:    batch.Topic,
		From:     failure.From,
		To:       failure.To,
		Count:    failure.Count,
		Kind:     kind.String(),
		Attempts: attempts,
		Error:    cause.Error(),
		Payload:  payload,
		FailedAt: m.cfg.Now().UTC(),
	}
	if err := m.sink.Write(context.WithoutCancel(ctx), letter); err != nil {
		return &DeadLetterError{Delivery: failure, Err: err}
	}

	failure.DeadLettered = true
	m.mu.Lock()
	m.state.DeadLettered++
	m.mu.Unlock()
	m.metrics.For(batch.Pool).DeadLettered(kind.String())
	return failure
}
