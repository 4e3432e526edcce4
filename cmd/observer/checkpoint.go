package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"poolstream/internal/config"
	"poolstream/internal/model"
)

type checkpointView struct {
	Pool       string            `json:"pool"`
	Checkpoint *model.Checkpoint `json:"checkpoint"`
	NextBlock  uint64            `json:"next_block,omitempty"`
}

func runCheckpointShow(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	pools, err := cfg.PoolAddresses()
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	backends := &stores{}
	defer backends.Close()
	if err := backends.openCheckpoints(ctx, cfg, cfg.ChainID); err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	for _, pool := range pools {
		cp, ok, err := backends.checkpoints.Load(ctx, pool.Hex())
		if err != nil {
			return fmt.Errorf("load checkpoint for %s: %w", pool.Hex(), err)
		}
		view := checkpointView{Pool: pool.Hex()}
		if ok {
			view.Checkpoint = &cp
			view.NextBlock = cp.NextBlock()
		}
		if err := encoder.Encode(view); err != nil {
			return err
		}
	}
	return nil
}
