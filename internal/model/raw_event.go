package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawEvent is a pool log as returned by the ledger, plus the context needed to normalize it.
type RawEvent struct {
	ChainID   uint64        `json:"chain_id"`
	Log       types.Log     `json:"log"`
	BlockTime uint64        `json:"block_time"`
	Snapshot  *PoolSnapshot `json:"snapshot,omitempty"`
}

// Position returns the ordering key of the event.
func (e RawEvent) Position() Position {
	return Position{Block: e.Log.BlockNumber, LogIndex: uint64(e.Log.Index)}
}

// Pool returns the emitting contract.
func (e RawEvent) Pool() common.Address {
	return e.Log.Address
}

// Topic0 returns the event signature hash, or the zero hash for anonymous logs.
func (e RawEvent) Topic0() common.Hash {
	if len(e.Log.Topics) == 0 {
		return common.Hash{}
	}
	return e.Log.Topics[0]
}
