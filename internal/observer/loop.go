package observer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"poolstream/internal/batch"
	"poolstream/internal/checkpoint"
	"poolstream/internal/delivery"
	"poolstream/internal/metrics"
	"poolstream/internal/model"
	"poolstream/internal/normalize"
	"poolstream/internal/reader"
)

const (
	DefaultDrainTimeout = 30 * time.Second
	checkpointTimeout   = 10 * time.Second
)

// Source produces poll windows for one pool.
type Source interface {
	SafeHead(ctx context.Context) (uint64, bool, error)
	Observe(ctx context.Context, from model.Checkpoint, out chan<- reader.Window) error
}

// Normalizer maps one raw event to canonical records.
type Normalizer interface {
	Normalize(raw model.RawEvent) ([]model.CanonicalTransaction, error)
}

// Publisher delivers sealed batches.
type Publisher interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, batch model.Batch) error
	Close() error
}

// Config holds runtime settings for a Loop.
type Config struct {
	Pool common.Address
	// StartBlock is used when no checkpoint exists. Zero starts at the safe head.
	StartBlock   uint64
	OnExhausted  ExhaustedPolicy
	DrainTimeout time.Duration
	// WindowBuffer is how many poll windows the reader may run ahead.
	WindowBuffer int
}

// Deps are the components a Loop coordinates.
type Deps struct {
	Reader Source
	// NewNormalizer is called while starting, typically after loading pool metadata.
	NewNormalizer func(ctx context.Context) (Normalizer, error)
	Batcher       *batch.Batcher
	Delivery      Publisher
	Checkpoints   checkpoint.Store
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

// Loop runs the pipeline of a single pool: read, normalize, batch, deliver, checkpoint.
type Loop struct {
	cfg    Config
	deps   Deps
	pool   string
	logger *zap.Logger
	stats  *metrics.Pool
	state  atomic.Int32
}

// New validates deps and builds a Loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	switch {
	case deps.Reader == nil:
		return nil, fmt.Errorf("reader is nil")
	case deps.NewNormalizer == nil:
		return nil, fmt.Errorf("normalizer factory is nil")
	case deps.Batcher == nil:
		return nil, fmt.Errorf("batcher is nil")
	case deps.Delivery == nil:
		return nil, fmt.Errorf("delivery is nil")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is nil")
	}
	switch cfg.OnExhausted {
	case "":
		cfg.OnExhausted = ExhaustFail
	case ExhaustFail, ExhaustDeadLetter:
	default:
		return nil, fmt.Errorf("unknown on-exhausted policy %q", cfg.OnExhausted)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.WindowBuffer <= 0 {
		cfg.WindowBuffer = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	pool := cfg.Pool.Hex()
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		pool:   pool,
		logger: deps.Logger.With(zap.String("pool", pool)),
		stats:  deps.Metrics.For(pool),
	}, nil
}

// Pool returns the address the loop observes.
func (l *Loop) Pool() string {
	return l.pool
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(state State) {
	previous := State(l.state.Swap(int32(state)))
	l.stats.State(int(state))
	if previous != state {
		l.logger.Info("observer state changed", zap.Stringer("from", previous), zap.Stringer("to", state))
	}
}

// Run drives the loop until ctx is cancelled, returning nil after a clean drain,
// or until an unrecoverable failure, returning *FatalError.
func (l *Loop) Run(ctx context.Context) error {
	if state := l.State(); state.Terminal() {
		return fmt.Errorf("observer loop for %s already %s", l.pool, state)
	}
	l.setState(StateStarting)

	if err := l.deps.Delivery.Start(ctx); err != nil {
		return l.startFailed(ctx, fmt.Errorf("start delivery: %w", err))
	}
	defer func() {
		if err := l.deps.Delivery.Close(); err != nil {
			l.logger.Warn("close delivery channel", zap.Error(err))
		}
	}()

	normalizer, err := l.deps.NewNormalizer(ctx)
	if err != nil {
		return l.startFailed(ctx, fmt.Errorf("prepare normalizer: %w", err))
	}

	from, err := l.resume(ctx)
	if err != nil {
		return l.startFailed(ctx, err)
	}

	l.setState(StateRunning)
	l.logger.Info("observing pool", zap.Uint64("from_block", from.NextBlock()))

	s := newSession(ctx, l, normalizer, from)
	err = s.run(ctx)
	if counted, ok := normalizer.(interface{ Stats() normalize.Stats }); ok {
		stats := counted.Stats()
		l.logger.Info("normalizer totals",
			zap.Uint64("normalized", stats.Normalized),
			zap.Uint64("unknown", stats.Unknown),
			zap.Uint64("malformed", stats.Malformed),
		)
	}
	if err != nil {
		return l.fail(err)
	}
	l.setState(StateStopped)
	return nil
}

func (l *Loop) resume(ctx context.Context) (model.Checkpoint, error) {
	cp, ok, err := l.deps.Checkpoints.Load(ctx, l.pool)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		l.logger.Info("resume from checkpoint",
			zap.Uint64("block", cp.Block),
			zap.Uint64("log_index", cp.LogIndex),
			zap.Bool("block_complete", cp.BlockComplete),
		)
		return cp, nil
	}
	if l.cfg.StartBlock > 0 {
		return model.StartingAt(l.cfg.StartBlock), nil
	}

	head, ok, err := l.deps.Reader.SafeHead(ctx)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("read chain head: %w", err)
	}
	if !ok {
		return model.Checkpoint{}, nil
	}
	return model.Checkpoint{Block: head, BlockComplete: true}, nil
}

func (l *Loop) startFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		l.setState(StateStopped)
		return nil
	}
	return l.fail(err)
}

func (l *Loop) fail(err error) error {
	fatal := &FatalError{Pool: l.pool, Stage: l.State(), Err: err}
	l.setState(StateFailed)
	l.stats.Fatal()
	l.logger.Error("observer failed", zap.Stringer("stage", fatal.Stage), zap.Error(err))
	return fatal
}

type outcome struct {
	batch model.Batch
	err   error
}

// session is the state of one Running/Draining pass. It is owned by the Run goroutine.
type session struct {
	loop       *Loop
	base       context.Context
	normalizer Normalizer
	batcher    *batch.Batcher

	windows      chan reader.Window
	readerDone   chan error
	stopReader   context.CancelFunc
	outbox       chan model.Batch
	results      chan outcome
	stopDelivery context.CancelFunc

	checkpoint model.Checkpoint
	scanned    uint64
	inflight   int
	// halted stops checkpoint updates once a batch could not be accounted for.
	halted bool
}

func newSession(ctx context.Context, l *Loop, normalizer Normalizer, from model.Checkpoint) *session {
	readerCtx, stopReader := context.WithCancel(ctx)
	deliverCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))

	s := &session{
		loop:         l,
		base:         ctx,
		normalizer:   normalizer,
		batcher:      l.deps.Batcher,
		windows:      make(chan reader.Window, l.cfg.WindowBuffer),
		readerDone:   make(chan error, 1),
		stopReader:   stopReader,
		outbox:       make(chan model.Batch),
		results:      make(chan outcome),
		stopDelivery: stopDelivery,
		checkpoint:   from,
	}

	go func() {
		s.readerDone <- l.deps.Reader.Observe(readerCtx, from, s.windows)
	}()
	go s.deliver(deliverCtx)
	return s
}

// deliver publishes batches one at a time so results arrive in seal order.
func (s *session) deliver(ctx context.Context) {
	defer close(s.results)
	for b := range s.outbox {
		s.results <- outcome{batch: b, err: s.loop.deps.Delivery.Publish(ctx, b)}
	}
}

func (s *session) run(ctx context.Context) error {
	defer s.stopReader()
	defer s.stopDelivery()

	for {
		if err := s.flushReady(); err != nil {
			return s.abort(err)
		}

		timer, timeout := s.ageTimer()
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return s.drain(nil)

		case err := <-s.readerDone:
			stopTimer(timer)
			s.readerDone = nil
			if ctx.Err() != nil {
				return s.drain(nil)
			}
			return s.drain(fmt.Errorf("chain reader: %w", err))

		case window := <-s.windows:
			stopTimer(timer)
			if err := s.processWindow(ctx, window); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return s.drain(nil)
				}
				return s.abort(err)
			}

		case result := <-s.results:
			stopTimer(timer)
			if err := s.handle(result); err != nil {
				return s.abort(err)
			}

		case <-timeout:
		}
	}
}

func (s *session) ageTimer() (*time.Timer, <-chan time.Time) {
	deadline, ok := s.batcher.NextDeadline()
	if !ok {
		return nil, nil
	}
	wait := deadline.Sub(s.loop.deps.Now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	return timer, timer.C
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func (s *session) processWindow(ctx context.Context, window reader.Window) error {
	l := s.loop
	l.stats.Observed(len(window.Events))

	for _, raw := range window.Events {
		records, err := s.normalizer.Normalize(raw)
		if err != nil {
			s.dropped(raw, err)
			continue
		}
		for _, rec := range records {
			l.stats.Normalized(rec.Kind.String())
		}
		if err := s.accept(ctx, records); err != nil {
			return err
		}
	}

	s.scanned = window.Range.To
	if s.idle() {
		s.save(model.Checkpoint{Block: s.scanned, BlockComplete: true})
	}
	return nil
}

// accept hands records to the batcher, waiting for deliveries while it pushes back.
func (s *session) accept(ctx context.Context, records []model.CanonicalTransaction) error {
	for {
		err := s.batcher.AcceptAll(records)
		if !errors.Is(err, batch.ErrBackpressure) {
			return err
		}

		s.loop.logger.Debug("batcher at high-water mark, pausing intake", zap.Int("pending", s.batcher.Pending()))
		if err := s.flushReady(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result := <-s.results:
			if err := s.handle(result); err != nil {
				return err
			}
		}
	}
}

func (s *session) dropped(raw model.RawEvent, err error) {
	reason := "malformed"
	if errors.Is(err, normalize.ErrUnknownEvent) {
		reason = "unknown"
	}
	s.loop.stats.Dropped(reason)
	s.loop.logger.Warn("event dropped",
		zap.String("reason", reason),
		zap.Uint64("block", raw.Log.BlockNumber),
		zap.Uint("log_index", raw.Log.Index),
		zap.String("tx_hash", raw.Log.TxHash.Hex()),
		zap.Error(err),
	)
}

func (s *session) flushReady() error {
	for {
		sealed, ok := s.batcher.FlushReady()
		if !ok {
			return nil
		}
		s.loop.stats.Sealed()
		s.loop.stats.Pending(s.batcher.Pending())
		if err := s.handOff(sealed); err != nil {
			return err
		}
	}
}

func (s *session) handOff(sealed model.Batch) error {
	for {
		select {
		case s.outbox <- sealed:
			s.inflight++
			return nil
		case result := <-s.results:
			if err := s.handle(result); err != nil {
				return err
			}
		}
	}
}

// handle settles one delivery outcome. A returned error is fatal.
func (s *session) handle(result outcome) error {
	l := s.loop
	s.inflight--
	s.batcher.MarkDone(result.batch.ID)
	l.stats.Pending(s.batcher.Pending())

	from, to := result.batch.Range()
	logger := l.logger.With(
		zap.String("batch_id", result.batch.ID),
		zap.Uint64("from_block", from.Block),
		zap.Uint64("to_block", to.Block),
		zap.Int("records", result.batch.Len()),
	)

	if result.err == nil {
		logger.Info("batch delivered")
		s.advance(to)
		return nil
	}

	var deadLetterErr *delivery.DeadLetterError
	if errors.As(result.err, &deadLetterErr) {
		s.halted = true
		logger.Error("batch could not be dead-lettered", zap.Error(result.err))
		return result.err
	}

	var failure *delivery.DeliveryError
	if !errors.As(result.err, &failure) {
		s.halted = true
		return fmt.Errorf("deliver batch %s: %w", result.batch.ID, result.err)
	}
	if !failure.DeadLettered {
		s.halted = true
		if errors.Is(failure, context.Canceled) || errors.Is(failure, context.DeadlineExceeded) {
			logger.Warn("batch abandoned, it will be replayed from the checkpoint", zap.Error(failure))
			return nil
		}
		return failure
	}

	logger.Error("batch dead-lettered",
		zap.Stringer("kind", failure.Kind),
		zap.Int("attempts", failure.Attempts),
		zap.Error(failure.Err),
	)
	s.advance(to)
	if failure.Kind == delivery.Transient && l.cfg.OnExhausted == ExhaustFail {
		return fmt.Errorf("delivery retries exhausted: %w", failure)
	}
	return nil
}

func (s *session) idle() bool {
	return s.inflight == 0 && s.batcher.Pending() == 0 && s.batcher.Buffered() == 0
}

// advance moves the checkpoint past a settled batch ending at to.
func (s *session) advance(to model.Position) {
	cp := model.Checkpoint{Block: to.Block, LogIndex: to.LogIndex}
	if s.idle() && s.scanned >= to.Block {
		cp = model.Checkpoint{Block: s.scanned, BlockComplete: true}
	}
	s.save(cp)
}

func (s *session) save(cp model.Checkpoint) {
	if s.halted || !cp.After(s.checkpoint) {
		return
	}
	l := s.loop
	cp.UpdatedAt = l.deps.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), checkpointTimeout)
	defer cancel()
	if err := l.deps.Checkpoints.Save(ctx, l.pool, cp); err != nil {
		l.logger.Error("save checkpoint", zap.Uint64("block", cp.Block), zap.Error(err))
		return
	}
	s.checkpoint = cp
	l.stats.Checkpoint(cp.Block)
}

// drain stops intake and flushes every open batch within the drain timeout.
// cause, if set, is returned once draining is done.
func (s *session) drain(cause error) error {
	l := s.loop
	l.setState(StateDraining)

	s.stopReader()
	if s.readerDone != nil {
		<-s.readerDone
		s.readerDone = nil
	}

	timer := time.AfterFunc(l.cfg.DrainTimeout, s.stopDelivery)
	defer timer.Stop()

	fatal := cause
	if err := s.takeBuffered(); err != nil {
		fatal = errors.Join(fatal, err)
		s.halted = true
		s.stopDelivery()
	}

	s.batcher.SealAll()
	if err := s.flushReady(); err != nil {
		fatal = errors.Join(fatal, err)
		s.halted = true
		s.stopDelivery()
	}

	close(s.outbox)
	for result := range s.results {
		if err := s.handle(result); err != nil {
			fatal = errors.Join(fatal, err)
			s.halted = true
			s.stopDelivery()
		}
	}

	if pending := s.batcher.Pending(); pending > 0 {
		l.logger.Warn("drain left batches undelivered", zap.Int("pending", pending))
	}
	l.logger.Info("drain complete",
		zap.Uint64("checkpoint_block", s.checkpoint.Block),
		zap.Uint64("checkpoint_log_index", s.checkpoint.LogIndex),
	)
	return fatal
}

// takeBuffered processes windows the reader handed over before it stopped.
func (s *session) takeBuffered() error {
	ctx := context.WithoutCancel(s.base)
	for {
		select {
		case window := <-s.windows:
			if err := s.processWindow(ctx, window); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// abort tears the session down after a fatal error without further deliveries.
func (s *session) abort(err error) error {
	s.halted = true
	s.stopReader()
	s.stopDelivery()
	close(s.outbox)
	for range s.results {
	}
	if s.readerDone != nil {
		<-s.readerDone
	}
	return err
}
