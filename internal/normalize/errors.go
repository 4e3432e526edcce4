package normalize

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"poolstream/internal/model"
)

// ErrUnknownEvent marks logs whose topic0 is not in the decode table.
var ErrUnknownEvent = errors.New("unknown event")

// MalformedEventError is returned when a known event cannot be decoded.
// It is local to one log and never aborts the stream.
type MalformedEventError struct {
	Pool     common.Address
	Position model.Position
	TxHash   common.Hash
	Kind     model.EventKind
	Err      error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event at %s in tx %s (pool %s): %v",
		e.Kind, e.Position, e.TxHash.Hex(), e.Pool.Hex(), e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}
