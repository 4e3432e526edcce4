package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is an arbitrary-precision signed integer encoded in JSON as a decimal string.
type Amount struct {
	v *big.Int
}

// NewAmount copies v into an Amount. A nil v yields zero.
func NewAmount(v *big.Int) *Amount {
	if v == nil {
		return &Amount{v: new(big.Int)}
	}
	return &Amount{v: new(big.Int).Set(v)}
}

// AmountFromString parses a base-10 integer.
func AmountFromString(s string) (*Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount: %q", s)
	}
	return &Amount{v: v}, nil
}

// Big returns a copy of the underlying integer.
func (a *Amount) Big() *big.Int {
	if a == nil || a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a *Amount) String() string {
	if a == nil || a.v == nil {
		return "0"
	}
	return a.v.String()
}

// Scaled renders the amount in token units for the given number of decimals.
func (a *Amount) Scaled(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), -int32(decimals))
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a string: %w", err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer amount: %q", s)
	}
	a.v = v
	return nil
}
