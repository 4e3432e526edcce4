package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolstream/internal/config"
	"poolstream/internal/deadletter"
	"poolstream/internal/delivery"
	"poolstream/internal/retry"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	pool, _ := cmd.Flags().GetString("pool")
	batchID, _ := cmd.Flags().GetString("batch-id")

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends := &stores{}
	defer backends.Close()
	if err := backends.openDeadLetters(ctx, cfg, cfg.ChainID); err != nil {
		return err
	}

	channel := delivery.NewJetStreamChannel(delivery.JetStreamConfig{
		URL:           cfg.NatsURL,
		Stream:        cfg.NatsStream,
		Subjects:      []string{cfg.Topic + ".>"},
		MaxAge:        cfg.StreamMaxAge,
		DuplicatesWin: cfg.DuplicateWindow,
		MaxMsgSize:    int32(cfg.MaxPayload),
	}, logger)
	if err := channel.Connect(ctx); err != nil {
		return err
	}
	defer channel.Close()

	stats, err := deadletter.Replay(ctx, backends.deadLetters, channel, deadletter.ReplayConfig{
		Pool:    pool,
		BatchID: batchID,
		Retry: retry.Policy{
			MaxRetries:      cfg.DeliveryMaxRetries,
			InitialInterval: cfg.DeliveryBackoff,
			Jitter:          retry.DefaultJitter,
		},
		PublishTimeout: cfg.PublishTimeout,
	}, logger)

	logger.Info("replay complete",
		zap.Int("selected", stats.Selected),
		zap.Int("replayed", stats.Replayed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
	)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	return nil
}
