package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"poolstream/internal/batch"
	"poolstream/internal/contract"
	"poolstream/internal/delivery"
	"poolstream/internal/metrics"
	"poolstream/internal/model"
	"poolstream/internal/normalize"
	"poolstream/internal/reader"
	"poolstream/internal/retry"
)

var testPool = common.HexToAddress("0x1111111111111111111111111111111111111111")

// scriptedSource emits its windows, then fails with err or waits for cancellation.
type scriptedSource struct {
	mu      sync.Mutex
	windows []reader.Window
	err     error
	head    uint64
	from    *model.Checkpoint
}

func (s *scriptedSource) SafeHead(context.Context) (uint64, bool, error) {
	return s.head, true, nil
}

func (s *scriptedSource) Observe(ctx context.Context, from model.Checkpoint, out chan<- reader.Window) error {
	s.mu.Lock()
	s.from = &from
	windows := s.windows
	s.mu.Unlock()

	for _, window := range windows {
		select {
		case out <- window:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *scriptedSource) startedFrom() *model.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from
}

type passNormalizer struct{}

func (passNormalizer) Normalize(raw model.RawEvent) ([]model.CanonicalTransaction, error) {
	if raw.Topic0() == (common.Hash{}) {
		return nil, fmt.Errorf("%w: empty topic", normalize.ErrUnknownEvent)
	}
	return []model.CanonicalTransaction{{
		Pool:        raw.Log.Address.Hex(),
		Kind:        model.KindSwap,
		BlockNumber: raw.Log.BlockNumber,
		LogIndex:    uint64(raw.Log.Index),
	}}, nil
}

func passThrough(context.Context) (Normalizer, error) {
	return passNormalizer{}, nil
}

// recordingPublisher acknowledges everything unless fail says otherwise.
type recordingPublisher struct {
	mu        sync.Mutex
	batches   []model.Batch
	startErr  error
	gate      chan struct{}
	fail      func(model.Batch) error
	started   bool
	closed    bool
	maxActive int
	active    int
}

func (p *recordingPublisher) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return p.startErr
}

func (p *recordingPublisher) Publish(ctx context.Context, b model.Batch) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return &delivery.DeliveryError{BatchID: b.ID, Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if p.fail != nil {
		if err := p.fail(b); err != nil {
			return err
		}
	}
	p.batches = append(p.batches, b)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) delivered() []model.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Position
	for _, b := range p.batches {
		for _, rec := range b.Records {
			out = append(out, rec.Position())
		}
	}
	return out
}

type memoryCheckpoints struct {
	mu      sync.Mutex
	current map[string]model.Checkpoint
	history []model.Checkpoint
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{current: make(map[string]model.Checkpoint)}
}

func (m *memoryCheckpoints) Load(_ context.Context, pool string) (model.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.current[pool]
	return cp, ok, nil
}

func (m *memoryCheckpoints) Save(_ context.Context, pool string, cp model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[pool] = cp
	m.history = append(m.history, cp)
	return nil
}

func (m *memoryCheckpoints) Close() error { return nil }

func (m *memoryCheckpoints) get() model.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[testPool.Hex()]
}

func (m *memoryCheckpoints) saved() []model.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Checkpoint(nil), m.history...)
}

func rawEvent(block uint64, index uint) model.RawEvent {
	return model.RawEvent{Log: types.Log{
		Address:     testPool,
		Topics:      []common.Hash{common.HexToHash("0x01")},
		BlockNumber: block,
		Index:       index,
	}}
}

func window(from, to uint64, events ...model.RawEvent) reader.Window {
	return reader.Window{Range: reader.BlockRange{From: from, To: to}, Events: events}
}

func newBatcher(t *testing.T, cfg batch.Config) *batch.Batcher {
	t.Helper()
	cfg.Topic = "poolstream.test"
	b, err := batch.New(cfg)
	require.NoError(t, err)
	return b
}

func newLoop(t *testing.T, cfg Config, deps Deps) *Loop {
	t.Helper()
	cfg.Pool = testPool
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = time.Second
	}
	if deps.NewNormalizer == nil {
		deps.NewNormalizer = passThrough
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = newMemoryCheckpoints()
	}
	loop, err := New(cfg, deps)
	require.NoError(t, err)
	return loop
}

func runAsync(ctx context.Context, loop *Loop) <-chan error {
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return done
}

// logSource serves fixed logs to a real reader.
type logSource struct {
	head uint64
	logs []types.Log
}

func (s *logSource) LatestBlockNumber(context.Context) (uint64, error) { return s.head, nil }

func (s *logSource) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	var out []types.Log
	for _, log := range s.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (s *logSource) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func TestPipelineOrdersOutOfOrderLogs(t *testing.T) {
	poolABI, err := contract.PoolABI()
	require.NoError(t, err)
	incentive := poolABI.Events["Incentive"].ID
	virtual := common.BytesToHash(common.HexToAddress("0x4444444444444444444444444444444444444444").Bytes())

	logAt := func(block uint64, index uint) types.Log {
		return types.Log{Address: testPool, Topics: []common.Hash{incentive, virtual}, BlockNumber: block, Index: index}
	}
	source := &logSource{head: 102, logs: []types.Log{logAt(101, 0), logAt(100, 0), logAt(102, 0), logAt(101, 1)}}
	rdr, err := reader.New(reader.Config{
		Pool:       testPool,
		BlockRange: 10,
		IdleMin:    time.Millisecond,
		IdleMax:    2 * time.Millisecond,
		Retry:      retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond},
	}, source, nil, nil)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	checkpoints := newMemoryCheckpoints()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	loop := newLoop(t, Config{StartBlock: 100}, Deps{
		Reader: rdr,
		NewNormalizer: func(context.Context) (Normalizer, error) {
			return normalize.New(normalize.Config{})
		},
		Batcher:     newBatcher(t, batch.Config{MaxSize: 4, MaxAge: time.Minute}),
		Delivery:    publisher,
		Checkpoints: checkpoints,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)

	require.Eventually(t, func() bool {
		cp := checkpoints.get()
		return cp.Block == 102 && cp.BlockComplete
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, []model.Position{
		{Block: 100, LogIndex: 0},
		{Block: 101, LogIndex: 0},
		{Block: 101, LogIndex: 1},
		{Block: 102, LogIndex: 0},
	}, publisher.delivered())
	assert.Len(t, publisher.batches, 1)
	assert.True(t, publisher.closed)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsObserved.WithLabelValues(testPool.Hex())))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsNormalized.WithLabelValues(testPool.Hex(), "Incentive")))
}

func TestLoopReplayYieldsStableDedupKeys(t *testing.T) {
	event := rawEvent(200, 3)
	source := &scriptedSource{windows: []reader.Window{
		window(200, 200, event),
		window(200, 200, event),
	}}
	publisher := &recordingPublisher{}
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:   source,
		Batcher:  newBatcher(t, batch.Config{MaxSize: 2, MaxAge: time.Minute}),
		Delivery: publisher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return len(publisher.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	publisher.mu.Lock()
	records := publisher.batches[0].Records
	publisher.mu.Unlock()
	require.Len(t, records, 2)
	assert.Equal(t, records[0].DedupKey(), records[1].DedupKey())
}

func TestLoopDrainsOpenBatchesOnShutdown(t *testing.T) {
	source := &scriptedSource{windows: []reader.Window{
		window(10, 20, rawEvent(12, 0), rawEvent(15, 4)),
	}}
	publisher := &recordingPublisher{}
	checkpoints := newMemoryCheckpoints()
	batcher := newBatcher(t, batch.Config{MaxSize: 100, MaxAge: time.Hour})
	loop := newLoop(t, Config{StartBlock: 10}, Deps{
		Reader:      source,
		Batcher:     batcher,
		Delivery:    publisher,
		Checkpoints: checkpoints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return batcher.Buffered() == 2 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, publisher.delivered(), "young batch is not sealed while running")

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, []model.Position{{Block: 12}, {Block: 15, LogIndex: 4}}, publisher.delivered())
	cp := checkpoints.get()
	assert.Equal(t, uint64(20), cp.Block)
	assert.True(t, cp.BlockComplete)
}

func TestLoopSealsByAge(t *testing.T) {
	source := &scriptedSource{windows: []reader.Window{window(1, 5, rawEvent(3, 0))}}
	publisher := &recordingPublisher{}
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:   source,
		Batcher:  newBatcher(t, batch.Config{MaxSize: 100, MaxAge: 20 * time.Millisecond}),
		Delivery: publisher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, loop)

	require.Eventually(t, func() bool { return len(publisher.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, loop.State())
	cancel()
	require.NoError(t, <-done)
}

func TestLoopAdvancesOverEmptyWindows(t *testing.T) {
	source := &scriptedSource{windows: []reader.Window{
		window(1, 50),
		window(51, 100, model.RawEvent{Log: types.Log{Address: testPool, BlockNumber: 60}}),
	}}
	checkpoints := newMemoryCheckpoints()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:      source,
		Batcher:     newBatcher(t, batch.Config{MaxSize: 10, MaxAge: time.Minute}),
		Delivery:    &recordingPublisher{},
		Checkpoints: checkpoints,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return checkpoints.get().Block == 100 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	history := checkpoints.saved()
	require.Len(t, history, 2)
	assert.Equal(t, uint64(50), history[0].Block)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(testPool.Hex(), "unknown")))
}

func TestLoopResumesFromStoredCheckpoint(t *testing.T) {
	checkpoints := newMemoryCheckpoints()
	stored := model.Checkpoint{Block: 500, LogIndex: 7}
	require.NoError(t, checkpoints.Save(context.Background(), testPool.Hex(), stored))

	source := &scriptedSource{}
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:      source,
		Batcher:     newBatcher(t, batch.Config{}),
		Delivery:    &recordingPublisher{},
		Checkpoints: checkpoints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return source.startedFrom() != nil }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, stored, *source.startedFrom())
}

func TestLoopStartsAtSafeHeadWithoutCheckpoint(t *testing.T) {
	source := &scriptedSource{head: 900}
	loop := newLoop(t, Config{}, Deps{
		Reader:   source,
		Batcher:  newBatcher(t, batch.Config{}),
		Delivery: &recordingPublisher{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return source.startedFrom() != nil }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(901), source.startedFrom().NextBlock())
}

func TestLoopStartFailureIsFatal(t *testing.T) {
	loop := newLoop(t, Config{}, Deps{
		Reader:   &scriptedSource{},
		Batcher:  newBatcher(t, batch.Config{}),
		Delivery: &recordingPublisher{startErr: errors.New("nats: no servers available")},
	})

	err := loop.Run(context.Background())

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StateStarting, fatal.Stage)
	assert.Equal(t, StateFailed, loop.State())
}

func TestLoopRemoteUnavailableFailsAfterDraining(t *testing.T) {
	unavailable := &reader.RemoteUnavailableError{Pool: testPool, Op: "eth_getLogs", Attempts: 4, Err: errors.New("timeout")}
	source := &scriptedSource{
		windows: []reader.Window{window(1, 10, rawEvent(4, 0))},
		err:     unavailable,
	}
	publisher := &recordingPublisher{}
	checkpoints := newMemoryCheckpoints()
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:      source,
		Batcher:     newBatcher(t, batch.Config{MaxSize: 100, MaxAge: time.Hour}),
		Delivery:    publisher,
		Checkpoints: checkpoints,
	})

	err := loop.Run(context.Background())

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, reader.ErrRemoteUnavailable)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, []model.Position{{Block: 4}}, publisher.delivered(), "accepted records are flushed before failing")
	assert.Equal(t, uint64(10), checkpoints.get().Block)
}

func TestLoopBackpressureBoundsPendingBatches(t *testing.T) {
	events := make([]model.RawEvent, 0, 6)
	for i := uint64(0); i < 6; i++ {
		events = append(events, rawEvent(100+i, 0))
	}
	source := &scriptedSource{windows: []reader.Window{window(100, 105, events...)}}
	gate := make(chan struct{})
	publisher := &recordingPublisher{gate: gate}
	batcher := newBatcher(t, batch.Config{MaxSize: 1, MaxAge: time.Minute, HighWater: 2})
	loop := newLoop(t, Config{StartBlock: 100}, Deps{
		Reader:   source,
		Batcher:  batcher,
		Delivery: publisher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)

	require.Eventually(t, func() bool { return batcher.Pending() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, batcher.Pending(), "intake pauses at the high-water mark")
	assert.Zero(t, batcher.Buffered())

	for i := 0; i < 6; i++ {
		gate <- struct{}{}
	}
	require.Eventually(t, func() bool { return len(publisher.delivered()) == 6 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	delivered := publisher.delivered()
	for i := 1; i < len(delivered); i++ {
		assert.True(t, delivered[i-1].Less(delivered[i]))
	}
	assert.Equal(t, 1, publisher.maxActive)
}

type scriptedChannel struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	always error
}

func (c *scriptedChannel) Connect(context.Context) error { return nil }

func (c *scriptedChannel) Publish(context.Context, string, string, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.always != nil {
		return c.always
	}
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *scriptedChannel) Close() error { return nil }

type memorySink struct {
	mu      sync.Mutex
	letters []model.DeadLetter
}

func (s *memorySink) Write(_ context.Context, letter model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

func newManager(channel delivery.Channel, sink delivery.DeadLetterSink, budget int) *delivery.Manager {
	return delivery.NewManager(delivery.Config{
		Retry:          retry.Policy{MaxRetries: budget, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		PublishTimeout: time.Second,
	}, channel, sink, nil, nil)
}

func TestLoopTransientRetriesWithinBudget(t *testing.T) {
	reset := errors.New("connection reset")
	channel := &scriptedChannel{errs: []error{reset, reset}}
	sink := &memorySink{}
	manager := newManager(channel, sink, 5)
	checkpoints := newMemoryCheckpoints()
	source := &scriptedSource{windows: []reader.Window{window(1, 3, rawEvent(2, 0))}}
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader:      source,
		Batcher:     newBatcher(t, batch.Config{MaxSize: 1}),
		Delivery:    manager,
		Checkpoints: checkpoints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return manager.State().Delivered == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 3, channel.calls)
	assert.Zero(t, sink.count())
	assert.Zero(t, manager.State().ConsecutiveFailures)
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoopPermanentFailureIsDeadLetteredNotFatal(t *testing.T) {
	channel := &scriptedChannel{errs: []error{fmt.Errorf("%w: schema rejected", delivery.ErrPermanent)}}
	sink := &memorySink{}
	manager := newManager(channel, sink, 5)
	checkpoints := newMemoryCheckpoints()
	source := &scriptedSource{windows: []reader.Window{
		window(1, 3, rawEvent(2, 0)),
		window(4, 6, rawEvent(5, 1)),
	}}
	loop := newLoop(t, Config{StartBlock: 1, OnExhausted: ExhaustFail}, Deps{
		Reader:      source,
		Batcher:     newBatcher(t, batch.Config{MaxSize: 1}),
		Delivery:    manager,
		Checkpoints: checkpoints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return checkpoints.get().Block == 6 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, loop.State())
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 2, channel.calls, "the permanent failure is not retried")
	assert.Zero(t, manager.State().TotalRetries)
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoopExhaustedRetriesFollowPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy    ExhaustedPolicy
		wantFatal bool
	}{
		{policy: ExhaustFail, wantFatal: true},
		{policy: ExhaustDeadLetter, wantFatal: false},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			channel := &scriptedChannel{always: errors.New("broker unavailable")}
			sink := &memorySink{}
			checkpoints := newMemoryCheckpoints()
			source := &scriptedSource{windows: []reader.Window{window(1, 3, rawEvent(2, 0))}}
			loop := newLoop(t, Config{StartBlock: 1, OnExhausted: tc.policy}, Deps{
				Reader:      source,
				Batcher:     newBatcher(t, batch.Config{MaxSize: 1}),
				Delivery:    newManager(channel, sink, 1),
				Checkpoints: checkpoints,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := runAsync(ctx, loop)

			if tc.wantFatal {
				err := <-done
				var fatal *FatalError
				require.ErrorAs(t, err, &fatal)
				var failure *delivery.DeliveryError
				require.ErrorAs(t, err, &failure)
				assert.Equal(t, delivery.Transient, failure.Kind)
				assert.Equal(t, StateFailed, loop.State())
			} else {
				require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, time.Millisecond)
				assert.Equal(t, StateRunning, loop.State())
				cancel()
				require.NoError(t, <-done)
			}
			assert.Equal(t, 1, sink.count())
			assert.Equal(t, 2, channel.calls)
			assert.Equal(t, uint64(3), checkpoints.get().Block, "dead-lettered batches are replayable, so the checkpoint moves on")
		})
	}
}

func TestLoopDrainTimeoutAbandonsBatch(t *testing.T) {
	source := &scriptedSource{windows: []reader.Window{window(1, 3, rawEvent(2, 0))}}
	publisher := &recordingPublisher{gate: make(chan struct{})}
	checkpoints := newMemoryCheckpoints()
	batcher := newBatcher(t, batch.Config{MaxSize: 1})
	loop := newLoop(t, Config{StartBlock: 1, DrainTimeout: 20 * time.Millisecond}, Deps{
		Reader:      source,
		Batcher:     batcher,
		Delivery:    publisher,
		Checkpoints: checkpoints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return batcher.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not respect its timeout")
	}
	assert.Equal(t, StateStopped, loop.State())
	assert.Empty(t, checkpoints.saved(), "an unacknowledged batch never moves the checkpoint")
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(Config{OnExhausted: "retry-forever"}, Deps{
		Reader:        &scriptedSource{},
		NewNormalizer: passThrough,
		Batcher:       newBatcher(t, batch.Config{}),
		Delivery:      &recordingPublisher{},
		Checkpoints:   newMemoryCheckpoints(),
	})
	require.Error(t, err)
}

func TestLoopStartsAfterTransientMetadataFailure(t *testing.T) {
	rdr, err := reader.New(reader.Config{
		Pool:       testPool,
		BlockRange: 10,
		IdleMin:    time.Millisecond,
		IdleMax:    2 * time.Millisecond,
		Retry:      retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond},
	}, &logSource{head: 5}, nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	metaCalls := 0
	loop := newLoop(t, Config{StartBlock: 1}, Deps{
		Reader: rdr,
		NewNormalizer: func(ctx context.Context) (Normalizer, error) {
			meta, err := rdr.PoolMeta(ctx, func(context.Context) (model.PoolMeta, error) {
				mu.Lock()
				defer mu.Unlock()
				metaCalls++
				if metaCalls == 1 {
					return model.PoolMeta{}, errors.New("eth_call: connection refused")
				}
				return model.PoolMeta{TickSpacing: 60}, nil
			})
			if err != nil {
				return nil, err
			}
			return normalize.New(normalize.Config{Meta: meta})
		},
		Batcher:  newBatcher(t, batch.Config{MaxSize: 4, MaxAge: time.Minute}),
		Delivery: &recordingPublisher{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return loop.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, metaCalls)
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoopLogsNormalizerTotalsAndRunsOnce(t *testing.T) {
	source := &scriptedSource{windows: []reader.Window{
		window(10, 10, rawEvent(10, 0), model.RawEvent{Log: types.Log{Address: testPool, BlockNumber: 10, Index: 1}}),
	}}
	n, err := normalize.New(normalize.Config{})
	require.NoError(t, err)

	core, logs := zapobserver.New(zapcore.InfoLevel)
	loop := newLoop(t, Config{StartBlock: 10}, Deps{
		Reader:        source,
		NewNormalizer: func(context.Context) (Normalizer, error) { return n, nil },
		Batcher:       newBatcher(t, batch.Config{MaxSize: 10, MaxAge: time.Minute}),
		Delivery:      &recordingPublisher{},
		Logger:        zap.New(core),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, loop)
	require.Eventually(t, func() bool { return n.Stats().Unknown == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	totals := logs.FilterMessage("normalizer totals").All()
	require.Len(t, totals, 1)
	assert.Equal(t, uint64(2), totals[0].ContextMap()["unknown"])

	require.True(t, loop.State().Terminal())
	assert.ErrorContains(t, loop.Run(context.Background()), "already stopped")
}
