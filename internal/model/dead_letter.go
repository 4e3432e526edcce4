package model

import (
	"encoding/json"
	"time"
)

// DeadLetter records a batch that could not be delivered.
type DeadLetter struct {
	BatchID  string          `json:"batch_id"`
	Pool     string          `json:"pool"`
	Topic    string          `json:"topic"`
	From     Position        `json:"from"`
	To       Position        `json:"to"`
	Count    int             `json:"count"`
	Kind     string          `json:"kind"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}
