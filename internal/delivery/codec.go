package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"poolstream/internal/model"
)

// Envelope is the wire format of one batch.
type Envelope struct {
	BatchID  string                       `json:"batch_id"`
	Pool     string                       `json:"pool"`
	ChainID  uint64                       `json:"chain_id"`
	Topic    string                       `json:"topic"`
	Count    int                          `json:"count"`
	From     model.Position               `json:"from"`
	To       model.Position               `json:"to"`
	SealedAt time.Time                    `json:"sealed_at"`
	Records  []model.CanonicalTransaction `json:"records"`
}

// Encode serializes batch into its envelope.
func Encode(chainID uint64, batch model.Batch) ([]byte, error) {
	from, to := batch.Range()
	envelope := Envelope{
		BatchID:  batch.ID,
		Pool:     batch.Pool,
		ChainID:  chainID,
		Topic:    batch.Topic,
		Count:    batch.Len(),
		From:     from,
		To:       to,
		SealedAt: batch.SealedAt.UTC(),
		Records:  batch.Records,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}
	return data, nil
}

// Decode parses an envelope back into a batch.
func Decode(data []byte) (Envelope, model.Batch, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, model.Batch{}, fmt.Errorf("decode batch envelope: %w", err)
	}
	if envelope.BatchID == "" {
		return Envelope{}, model.Batch{}, fmt.Errorf("decode batch envelope: missing batch id")
	}
	return envelope, model.Batch{
		ID:       envelope.BatchID,
		Topic:    envelope.Topic,
		Pool:     envelope.Pool,
		Records:  envelope.Records,
		SealedAt: envelope.SealedAt,
	}, nil
}
