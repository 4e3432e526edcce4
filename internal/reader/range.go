package reader

import "fmt"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// SplitRange splits a block range into chunks of at most size blocks.
func SplitRange(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("block range size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}
