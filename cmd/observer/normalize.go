package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolstream/internal/chain"
	"poolstream/internal/config"
	"poolstream/internal/contract"
	"poolstream/internal/model"
	"poolstream/internal/normalize"
)

// normalizeError is one line of the errors file.
type normalizeError struct {
	BlockNumber uint64 `json:"block_number,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	LogIndex    uint   `json:"log_index"`
	Address     string `json:"address,omitempty"`
	Topic0      string `json:"topic0,omitempty"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
}

func runNormalize(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadNormalize(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}
	if cfg.Errors == "" {
		return fmt.Errorf("errors path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		meta        model.PoolMeta
		chainClient *chain.Client
	)
	if cfg.RPCURL != "" {
		chainClient, err = chain.NewClient(ctx, cfg.RPCURL, 0)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		if cfg.Pool != "" {
			if !common.IsHexAddress(cfg.Pool) {
				return fmt.Errorf("invalid pool address: %s", cfg.Pool)
			}
			binding, err := contract.NewPoolBinding(chainClient, common.HexToAddress(cfg.Pool))
			if err != nil {
				return err
			}
			meta, err = contract.FetchPoolMeta(ctx, binding, chainClient, logger)
			if err != nil {
				return fmt.Errorf("load pool metadata: %w", err)
			}
		}
	}

	normalizer, err := normalize.New(normalize.Config{Meta: meta, EventSignatures: cfg.EventSignatures})
	if err != nil {
		return err
	}

	inputFile, err := os.Open(cfg.In)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputFile.Close()

	outWriter, err := newJSONLWriter(cfg.Out)
	if err != nil {
		return err
	}
	defer outWriter.Close()

	errWriter, err := newJSONLWriter(cfg.Errors)
	if err != nil {
		return err
	}
	defer errWriter.Close()

	logger.Info("normalize start",
		zap.String("in", cfg.In),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
		zap.Bool("rpc", chainClient != nil),
	)

	blockTimes := make(map[uint64]uint64)
	blockTime := func(number uint64) uint64 {
		if chainClient == nil {
			return 0
		}
		if ts, ok := blockTimes[number]; ok {
			return ts
		}
		ts, err := chainClient.BlockTimestamp(ctx, number)
		if err != nil {
			logger.Warn("block timestamp unavailable", zap.Uint64("block", number), zap.Error(err))
			return 0
		}
		blockTimes[number] = ts
		return ts
	}

	scanner := bufio.NewScanner(inputFile)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var total, records, skipped, failed int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		total++

		var log types.Log
		if err := json.Unmarshal(line, &log); err != nil {
			failed++
			writeNormalizeError(errWriter, normalizeError{Reason: "parse", Error: err.Error()}, logger)
			continue
		}
		if log.Removed {
			skipped++
			continue
		}

		raw := model.RawEvent{ChainID: cfg.ChainID, Log: log, BlockTime: blockTime(log.BlockNumber)}
		out, err := normalizer.Normalize(raw)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, normalize.ErrUnknownEvent) {
				reason = "unknown"
				skipped++
			} else {
				failed++
			}
			writeNormalizeError(errWriter, normalizeErrorFromLog(log, reason, err), logger)
			continue
		}

		for _, rec := range out {
			if err := outWriter.Write(rec); err != nil {
				return err
			}
			records++
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}

	stats := normalizer.Stats()
	logger.Info("normalize complete",
		zap.Int("total", total),
		zap.Int("records", records),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Uint64("unknown", stats.Unknown),
		zap.Uint64("malformed", stats.Malformed),
	)

	return nil
}

// jsonlWriter truncates path and writes one JSON value per line.
type jsonlWriter struct {
	file    *os.File
	buf     *bufio.Writer
	encoder *json.Encoder
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &jsonlWriter{file: file, buf: buf, encoder: json.NewEncoder(buf)}, nil
}

func (w *jsonlWriter) Write(value interface{}) error {
	if err := w.encoder.Encode(value); err != nil {
		return fmt.Errorf("write %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func normalizeErrorFromLog(log types.Log, reason string, err error) normalizeError {
	topic0 := ""
	if len(log.Topics) > 0 {
		topic0 = log.Topics[0].Hex()
	}

	return normalizeError{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		Address:     log.Address.Hex(),
		Topic0:      topic0,
		Reason:      reason,
		Error:       err.Error(),
	}
}

// writeNormalizeError records a skipped log. A failed write only costs the
// diagnostic line, so it is logged and the run goes on.
func writeNormalizeError(writer *jsonlWriter, record normalizeError, logger *zap.Logger) {
	if err := writer.Write(record); err != nil {
		logger.Warn("errors file write failed",
			zap.Uint64("block", record.BlockNumber),
			zap.Uint("log_index", record.LogIndex),
			zap.String("reason", record.Reason),
			zap.Error(err),
		)
	}
}
