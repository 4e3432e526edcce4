package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "observer",
		Short:        "Stream Algebra pool events into NATS JetStream",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Observe the configured pools until interrupted",
		RunE:  runObserver,
	}

	runCmd.Flags().StringSlice("pools", nil, "pool addresses (comma-separated)")
	runCmd.Flags().Uint64("chain-id", 0, "chain id, 0 asks the RPC")
	runCmd.Flags().String("rpc", "", "EVM JSON-RPC URL")
	runCmd.Flags().StringSlice("event-kinds", nil, "event kinds to observe (comma-separated)")
	runCmd.Flags().String("event-signatures", "", "extra topic0->event mappings (comma-separated key=value)")
	runCmd.Flags().Bool("snapshot-swaps", false, "read pool state at every swap block and emit FeeGrowth records")
	runCmd.Flags().Uint64("start-block", 0, "first block when no checkpoint exists, 0 means the safe head")
	runCmd.Flags().Uint64("confirmations", 3, "blocks behind latest treated as final")
	runCmd.Flags().Uint64("block-range", 1000, "blocks per eth_getLogs query")
	runCmd.Flags().Duration("idle-min", time.Second, "initial idle wait when caught up")
	runCmd.Flags().Duration("idle-max", 30*time.Second, "maximum idle wait when caught up")
	runCmd.Flags().Duration("rpc-timeout", 15*time.Second, "timeout of one RPC call")
	runCmd.Flags().Int("rpc-max-retries", 5, "retries per RPC call")
	runCmd.Flags().Duration("rpc-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	runCmd.Flags().Float64("rpc-rate", 0, "RPC calls per second per pool, 0 disables limiting")
	runCmd.Flags().Int("rpc-burst", 1, "RPC rate limiter burst")
	runCmd.Flags().Int("batch-size", 500, "records per batch")
	runCmd.Flags().Duration("batch-age", 2*time.Second, "maximum age of an open batch")
	runCmd.Flags().Int("high-water", 8, "undelivered batches before intake pauses")
	runCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	runCmd.Flags().String("nats-stream", "POOLSTREAM", "JetStream stream name")
	runCmd.Flags().String("topic", "poolstream.events", "subject prefix, batches go to <topic>.<pool>")
	runCmd.Flags().Int("max-payload", 1<<20, "largest batch payload in bytes")
	runCmd.Flags().Duration("stream-max-age", 0, "stream retention, 0 keeps messages forever")
	runCmd.Flags().Duration("duplicate-window", 2*time.Minute, "JetStream duplicate detection window")
	runCmd.Flags().Int("delivery-max-retries", 5, "publish retries per batch")
	runCmd.Flags().Duration("delivery-backoff", 200*time.Millisecond, "initial publish retry backoff")
	runCmd.Flags().Duration("publish-timeout", 10*time.Second, "timeout of one publish attempt")
	runCmd.Flags().String("on-exhausted", "fail", "after retries run out: fail or dead-letter")
	runCmd.Flags().Duration("drain-timeout", 30*time.Second, "time allowed to flush batches on shutdown")
	addStoreFlags(runCmd)
	runCmd.Flags().String("metrics-addr", ":9102", "prometheus listen address, empty disables")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish dead-lettered batches",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("pool", "", "only replay batches of this pool")
	replayCmd.Flags().String("batch-id", "", "only replay this batch")
	replayCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	replayCmd.Flags().String("nats-stream", "POOLSTREAM", "JetStream stream name")
	replayCmd.Flags().String("topic", "poolstream.events", "subject prefix")
	replayCmd.Flags().Int("delivery-max-retries", 5, "publish retries per batch")
	replayCmd.Flags().Duration("delivery-backoff", 200*time.Millisecond, "initial publish retry backoff")
	replayCmd.Flags().Duration("publish-timeout", 10*time.Second, "timeout of one publish attempt")
	replayCmd.Flags().Uint64("chain-id", 0, "chain id of the postgres dead letters")
	replayCmd.Flags().String("dead-letter-backend", "jsonl", "dead-letter backend: jsonl or postgres")
	replayCmd.Flags().String("dead-letter-path", "./data/dead_letters.jsonl", "dead-letter JSONL path")
	replayCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	normalizeCmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize raw eth_getLogs JSONL into canonical records",
		RunE:  runNormalize,
	}

	normalizeCmd.Flags().String("rpc", "", "optional RPC URL for token metadata and block times")
	normalizeCmd.Flags().Uint64("chain-id", 0, "chain id stamped on records")
	normalizeCmd.Flags().String("pool", "", "pool address used for metadata")
	normalizeCmd.Flags().String("in", "", "input raw logs JSONL")
	normalizeCmd.Flags().String("out", "./data/canonical.jsonl", "output canonical records JSONL")
	normalizeCmd.Flags().String("errors", "./data/normalize_errors.jsonl", "normalize errors JSONL")
	normalizeCmd.Flags().String("event-signatures", "", "extra topic0->event mappings (comma-separated key=value)")
	normalizeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(normalizeCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect stored checkpoints",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the checkpoint of every configured pool",
		RunE:  runCheckpointShow,
	}
	showCmd.Flags().StringSlice("pools", nil, "pool addresses (comma-separated)")
	showCmd.Flags().Uint64("chain-id", 0, "chain id of the postgres checkpoints")
	addStoreFlags(showCmd)
	showCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
	checkpointCmd.AddCommand(showCmd)

	root.AddCommand(checkpointCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("checkpoint-backend", "file", "checkpoint backend: file, badger or postgres")
	cmd.Flags().String("checkpoint-dir", "./data/checkpoints", "directory of file checkpoints")
	cmd.Flags().String("badger-dir", "./data/badger", "badger checkpoint directory")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
	cmd.Flags().String("dead-letter-backend", "jsonl", "dead-letter backend: jsonl or postgres")
	cmd.Flags().String("dead-letter-path", "./data/dead_letters.jsonl", "dead-letter JSONL path")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
