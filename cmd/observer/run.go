package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolstream/internal/batch"
	"poolstream/internal/chain"
	"poolstream/internal/config"
	"poolstream/internal/contract"
	"poolstream/internal/delivery"
	"poolstream/internal/metrics"
	"poolstream/internal/model"
	"poolstream/internal/normalize"
	"poolstream/internal/observer"
	"poolstream/internal/reader"
	"poolstream/internal/retry"
)

func runObserver(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	pools, err := cfg.PoolAddresses()
	if err != nil {
		return err
	}
	kinds, err := config.ParseEventKinds(cfg.EventKinds)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID := cfg.ChainID
	if chainID == 0 {
		id, err := chainClient.GetChainID(ctx)
		if err != nil {
			return fmt.Errorf("read chain id: %w", err)
		}
		chainID = id.Uint64()
	}

	backends := &stores{}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close stores", zap.Error(err))
		}
	}()
	if err := backends.openCheckpoints(ctx, cfg, chainID); err != nil {
		return err
	}
	if err := backends.openDeadLetters(ctx, cfg, chainID); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer stopMetrics()

	// The base normalizer only resolves topics; each loop builds its own with pool metadata.
	base, err := normalize.New(normalize.Config{EventSignatures: cfg.EventSignatures})
	if err != nil {
		return err
	}
	topics := base.Topics(kinds)

	loops := make([]*observer.Loop, 0, len(pools))
	for _, pool := range pools {
		loop, err := buildLoop(cfg, chainID, pool, topics, chainClient, backends, m, logger)
		if err != nil {
			return fmt.Errorf("pool %s: %w", pool.Hex(), err)
		}
		loops = append(loops, loop)
	}

	logger.Info("observer start",
		zap.Uint64("chain_id", chainID),
		zap.Int("pools", len(pools)),
		zap.Strings("event_kinds", cfg.EventKinds),
		zap.Bool("snapshot_swaps", cfg.SnapshotSwaps),
		zap.String("nats_url", cfg.NatsURL),
		zap.String("stream", cfg.NatsStream),
		zap.String("checkpoint_backend", cfg.CheckpointBackend),
		zap.String("dead_letter_backend", cfg.DeadLetterBackend),
	)

	return observer.NewSupervisor(loops, logger).Run(ctx)
}

func buildLoop(
	cfg config.Config,
	chainID uint64,
	pool common.Address,
	topics []common.Hash,
	chainClient *chain.Client,
	backends *stores,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*observer.Loop, error) {
	binding, err := contract.NewPoolBinding(chainClient, pool)
	if err != nil {
		return nil, err
	}

	readerCfg := reader.Config{
		ChainID:       chainID,
		Pool:          pool,
		Topics:        topics,
		Confirmations: cfg.Confirmations,
		BlockRange:    cfg.BlockRange,
		IdleMin:       cfg.IdleMin,
		IdleMax:       cfg.IdleMax,
		Retry: retry.Policy{
			MaxRetries:      cfg.RPCMaxRetries,
			InitialInterval: cfg.RPCBackoff,
			Jitter:          retry.DefaultJitter,
		},
		RateLimit: cfg.RPCRate,
		RateBurst: cfg.RPCBurst,
	}
	var snapshots reader.SnapshotFunc
	if cfg.SnapshotSwaps {
		poolABI, err := contract.PoolABI()
		if err != nil {
			return nil, err
		}
		readerCfg.SnapshotTopic = poolABI.Events[model.KindSwap.String()].ID
		snapshots = func(ctx context.Context, block uint64) (model.PoolSnapshot, error) {
			return contract.FetchSnapshot(ctx, binding, block)
		}
	}
	rdr, err := reader.New(readerCfg, chainClient, snapshots, logger)
	if err != nil {
		return nil, err
	}

	batcher, err := batch.New(batch.Config{
		Topic:     cfg.Subject(pool),
		MaxSize:   cfg.BatchSize,
		MaxAge:    cfg.BatchAge,
		HighWater: cfg.HighWater,
	})
	if err != nil {
		return nil, err
	}

	channel := delivery.NewJetStreamChannel(delivery.JetStreamConfig{
		URL:           cfg.NatsURL,
		Stream:        cfg.NatsStream,
		Subjects:      []string{cfg.Topic + ".>"},
		MaxAge:        cfg.StreamMaxAge,
		DuplicatesWin: cfg.DuplicateWindow,
		MaxMsgSize:    int32(cfg.MaxPayload),
	}, logger.With(zap.String("pool", pool.Hex())))
	manager := delivery.NewManager(delivery.Config{
		ChainID: chainID,
		Retry: retry.Policy{
			MaxRetries:      cfg.DeliveryMaxRetries,
			InitialInterval: cfg.DeliveryBackoff,
			Jitter:          retry.DefaultJitter,
		},
		PublishTimeout: cfg.PublishTimeout,
		MaxPayload:     cfg.MaxPayload,
	}, channel, backends.deadLetters, m, logger)

	newNormalizer := func(ctx context.Context) (observer.Normalizer, error) {
		meta, err := rdr.PoolMeta(ctx, func(ctx context.Context) (model.PoolMeta, error) {
			return contract.FetchPoolMeta(ctx, binding, chainClient, logger)
		})
		if err != nil {
			return nil, fmt.Errorf("load pool metadata: %w", err)
		}
		logger.Info("pool metadata loaded",
			zap.String("pool", pool.Hex()),
			zap.String("token0", meta.Token0.Symbol),
			zap.String("token1", meta.Token1.Symbol),
			zap.Int32("tick_spacing", meta.TickSpacing),
		)
		if snapshot, err := rdr.Snapshot(ctx, 0); err == nil {
			logger.Info("pool state",
				zap.String("pool", pool.Hex()),
				zap.Int32("tick", snapshot.Tick),
				zap.Uint32("fee", snapshot.Fee),
				zap.Stringer("liquidity", snapshot.Liquidity),
			)
		}
		return normalize.New(normalize.Config{Meta: meta, EventSignatures: cfg.EventSignatures})
	}

	return observer.New(observer.Config{
		Pool:         pool,
		StartBlock:   cfg.StartBlock,
		OnExhausted:  observer.ExhaustedPolicy(cfg.OnExhausted),
		DrainTimeout: cfg.DrainTimeout,
	}, observer.Deps{
		Reader:        rdr,
		NewNormalizer: newNormalizer,
		Batcher:       batcher,
		Delivery:      manager,
		Checkpoints:   backends.checkpoints,
		Metrics:       m,
		Logger:        logger,
	})
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	if strings.TrimSpace(addr) == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
