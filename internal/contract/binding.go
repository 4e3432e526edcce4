package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller performs eth_call against a node.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RemoteError is returned when a contract call fails at the node or cannot be decoded.
type RemoteError struct {
	Address common.Address
	Method  string
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("call %s on %s: %v", e.Method, e.Address.Hex(), e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Binding calls view methods of a single deployed contract.
type Binding struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
}

// NewBinding binds parsed to the contract at address.
func NewBinding(caller Caller, address common.Address, parsed abi.ABI) *Binding {
	return &Binding{caller: caller, address: address, abi: parsed}
}

// NewPoolBinding binds the Algebra pool ABI to pool.
func NewPoolBinding(caller Caller, pool common.Address) (*Binding, error) {
	parsed, err := PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	return NewBinding(caller, pool, parsed), nil
}

// Address returns the bound contract address.
func (b *Binding) Address() common.Address {
	return b.address
}

// Call packs method with args, executes it at block (nil means latest) and unpacks the outputs.
func (b *Binding) Call(ctx context.Context, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	if b.caller == nil {
		return nil, &RemoteError{Address: b.address, Method: method, Err: fmt.Errorf("caller is nil")}
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := b.address
	resp, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, &RemoteError{Address: b.address, Method: method, Err: err}
	}
	values, err := b.abi.Unpack(method, resp)
	if err != nil {
		return nil, &RemoteError{Address: b.address, Method: method, Err: fmt.Errorf("unpack: %w", err)}
	}
	if len(values) == 0 {
		return nil, &RemoteError{Address: b.address, Method: method, Err: fmt.Errorf("empty result")}
	}
	return values, nil
}
