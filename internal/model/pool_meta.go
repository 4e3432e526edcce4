package model

// PoolMeta captures immutable pool metadata.
type PoolMeta struct {
	Token0      TokenMeta `json:"token0"`
	Token1      TokenMeta `json:"token1"`
	TickSpacing int32     `json:"tick_spacing"`
}

// TokenMeta captures ERC20 metadata. Known is false when the decimals call failed.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Known    bool   `json:"known"`
}

// PoolSnapshot is the pool state read at a specific block.
type PoolSnapshot struct {
	Block        uint64   `json:"block"`
	Price        *Amount  `json:"price,omitempty"`
	Tick         int32    `json:"tick"`
	Fee          uint32   `json:"fee"`
	Liquidity    *Amount  `json:"liquidity,omitempty"`
	FeeGrowth0   *Amount  `json:"fee_growth0,omitempty"`
	FeeGrowth1   *Amount  `json:"fee_growth1,omitempty"`
	CommunityFee [2]uint8 `json:"community_fee"`
}
