package model

import (
	"fmt"
	"time"
)

// Participants are the addresses involved in a pool event.
type Participants struct {
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Token0    string `json:"token0,omitempty"`
	Token1    string `json:"token1,omitempty"`
	// VirtualPool is set by Incentive events.
	VirtualPool string `json:"virtual_pool,omitempty"`
}

// Amounts carries the integer values of a record. Unset fields are omitted.
type Amounts struct {
	Amount0    *Amount `json:"amount0,omitempty"`
	Amount1    *Amount `json:"amount1,omitempty"`
	Liquidity  *Amount `json:"liquidity,omitempty"`
	Paid0      *Amount `json:"paid0,omitempty"`
	Paid1      *Amount `json:"paid1,omitempty"`
	Price      *Amount `json:"price,omitempty"`
	FeeGrowth0 *Amount `json:"fee_growth0,omitempty"`
	FeeGrowth1 *Amount `json:"fee_growth1,omitempty"`
}

// Scaled holds token-unit renderings of amount0/amount1 when decimals are known.
type Scaled struct {
	Amount0 string `json:"amount0,omitempty"`
	Amount1 string `json:"amount1,omitempty"`
}

// CanonicalTransaction is the normalized record published downstream.
type CanonicalTransaction struct {
	ChainID      uint64       `json:"chain_id"`
	Pool         string       `json:"pool"`
	Kind         EventKind    `json:"kind"`
	BlockNumber  uint64       `json:"block_number"`
	BlockHash    string       `json:"block_hash"`
	TxHash       string       `json:"tx_hash"`
	LogIndex     uint64       `json:"log_index"`
	BlockTime    uint64       `json:"block_time,omitempty"`
	Participants Participants `json:"participants"`
	Amounts      Amounts      `json:"amounts"`
	Scaled       *Scaled      `json:"scaled,omitempty"`
	Tick         *int32       `json:"tick,omitempty"`
	TickLower    *int32       `json:"tick_lower,omitempty"`
	TickUpper    *int32       `json:"tick_upper,omitempty"`
	Fee          *uint32      `json:"fee,omitempty"`
	CommunityFee *[2]uint8    `json:"community_fee,omitempty"`
	Cooldown     *uint32      `json:"liquidity_cooldown,omitempty"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// Position returns the source event position of the record.
func (t CanonicalTransaction) Position() Position {
	return Position{Block: t.BlockNumber, LogIndex: t.LogIndex}
}

// DedupKey identifies the record for downstream idempotency. Derived records
// share the position of their source event and are told apart by kind.
func (t CanonicalTransaction) DedupKey() string {
	key := fmt.Sprintf("%s:%d:%d", t.Pool, t.BlockNumber, t.LogIndex)
	if t.Kind == KindFeeGrowth {
		key += ":" + t.Kind.String()
	}
	return key
}
