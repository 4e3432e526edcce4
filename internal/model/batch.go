package model

import "time"

// Batch is a sealed, ordered group of records bound for one topic.
type Batch struct {
	ID       string                 `json:"id"`
	Topic    string                 `json:"topic"`
	Pool     string                 `json:"pool"`
	Records  []CanonicalTransaction `json:"records"`
	SealedAt time.Time              `json:"sealed_at"`
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Range returns the first and last record positions. Both are zero for an empty batch.
func (b Batch) Range() (Position, Position) {
	if len(b.Records) == 0 {
		return Position{}, Position{}
	}
	return b.Records[0].Position(), b.Records[len(b.Records)-1].Position()
}
