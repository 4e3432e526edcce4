package model

import "time"

// Checkpoint is the last position confirmed downstream for a pool.
// BlockComplete marks that every log of Block has been handled.
type Checkpoint struct {
	Block         uint64    `json:"block"`
	LogIndex      uint64    `json:"log_index"`
	BlockComplete bool      `json:"block_complete"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Covers reports whether the event at pos is already handled by the checkpoint.
func (c Checkpoint) Covers(pos Position) bool {
	if pos.Block != c.Block {
		return pos.Block < c.Block
	}
	return c.BlockComplete || pos.LogIndex <= c.LogIndex
}

// NextBlock returns the first block that may still hold unhandled logs.
func (c Checkpoint) NextBlock() uint64 {
	if c.BlockComplete {
		return c.Block + 1
	}
	return c.Block
}

// After reports whether c is strictly ahead of other.
func (c Checkpoint) After(other Checkpoint) bool {
	if c.Block != other.Block {
		return c.Block > other.Block
	}
	if c.BlockComplete != other.BlockComplete {
		return c.BlockComplete
	}
	return c.LogIndex > other.LogIndex
}

// StartingAt returns the checkpoint that makes block the first one scanned.
// Block 0 cannot be represented exactly; its first log is treated as handled.
func StartingAt(block uint64) Checkpoint {
	if block == 0 {
		return Checkpoint{}
	}
	return Checkpoint{Block: block - 1, BlockComplete: true}
}
