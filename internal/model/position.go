package model

import "fmt"

// Position orders events within a chain: block number first, then log index.
type Position struct {
	Block    uint64 `json:"block"`
	LogIndex uint64 `json:"log_index"`
}

// Less reports whether p sorts strictly before other.
func (p Position) Less(other Position) bool {
	if p.Block != other.Block {
		return p.Block < other.Block
	}
	return p.LogIndex < other.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Block, p.LogIndex)
}
