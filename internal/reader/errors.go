package reader

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRemoteUnavailable matches every RemoteUnavailableError.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// RemoteUnavailableError is returned once a remote call exhausted its retry budget.
type RemoteUnavailableError struct {
	Pool     common.Address
	Op       string
	Attempts int
	Err      error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("remote unavailable: %s for pool %s failed after %d attempts: %v",
		e.Op, e.Pool.Hex(), e.Attempts, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

func (e *RemoteUnavailableError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}
