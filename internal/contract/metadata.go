package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"poolstream/internal/model"
)

// FetchPoolMeta loads the pool's tokens and tick spacing, then each token's ERC20 metadata.
// Token metadata failures are logged and leave the token marked unknown.
func FetchPoolMeta(ctx context.Context, pool *Binding, caller Caller, logger *zap.Logger) (model.PoolMeta, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	values, err := pool.Call(ctx, "token0", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	token0, err := AsAddress(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("token0: %w", err)
	}

	values, err = pool.Call(ctx, "token1", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	token1, err := AsAddress(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("token1: %w", err)
	}

	values, err = pool.Call(ctx, "tickSpacing", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	tickSpacing, err := Int24(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("tick spacing: %w", err)
	}

	meta := model.PoolMeta{TickSpacing: tickSpacing}
	for i, token := range []common.Address{token0, token1} {
		tokenMeta, err := FetchTokenMeta(ctx, caller, token, logger)
		if err != nil {
			logger.Warn("token metadata fetch failed",
				zap.String("pool", pool.Address().Hex()),
				zap.String("token", token.Hex()),
				zap.Error(err),
			)
		}
		if i == 0 {
			meta.Token0 = tokenMeta
		} else {
			meta.Token1 = tokenMeta
		}
	}

	return meta, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls.
func FetchTokenMeta(ctx context.Context, caller Caller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}

	stringABI, err := erc20String.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20Bytes32.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}
	plain := NewBinding(caller, token, stringABI)
	legacy := NewBinding(caller, token, bytes32ABI)

	values, err := plain.Call(ctx, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, err := AsUint(values[0], 8)
	if err != nil {
		return meta, fmt.Errorf("decimals: %w", err)
	}
	meta.Decimals = uint8(decimals)
	meta.Known = true

	meta.Symbol = textField(ctx, plain, legacy, "symbol", logger)
	meta.Name = textField(ctx, plain, legacy, "name", logger)

	return meta, nil
}

func textField(ctx context.Context, plain, legacy *Binding, method string, logger *zap.Logger) string {
	if values, err := plain.Call(ctx, method, nil); err == nil {
		if text, ok := values[0].(string); ok {
			return text
		}
	}
	values, err := legacy.Call(ctx, method, nil)
	if err == nil {
		if text, ok := bytes32ToString(values[0]); ok {
			return text
		}
	}
	if logger != nil {
		logger.Debug("token text call failed", zap.String("token", plain.Address().Hex()), zap.String("method", method), zap.Error(err))
	}
	return ""
}

// FetchSnapshot reads the pool state at block. A zero block reads the latest state.
func FetchSnapshot(ctx context.Context, pool *Binding, block uint64) (model.PoolSnapshot, error) {
	var blockPtr *big.Int
	if block > 0 {
		blockPtr = new(big.Int).SetUint64(block)
	}
	snapshot := model.PoolSnapshot{Block: block}

	values, err := pool.Call(ctx, "globalState", blockPtr)
	if err != nil {
		return snapshot, err
	}
	if len(values) < 6 {
		return snapshot, fmt.Errorf("globalState: unexpected outputs: %d", len(values))
	}
	price, err := AsBigInt(values[0])
	if err != nil {
		return snapshot, fmt.Errorf("globalState price: %w", err)
	}
	tick, err := Int24(values[1])
	if err != nil {
		return snapshot, fmt.Errorf("globalState tick: %w", err)
	}
	fee, err := AsUint(values[2], 16)
	if err != nil {
		return snapshot, fmt.Errorf("globalState fee: %w", err)
	}
	community0, err := AsUint(values[4], 8)
	if err != nil {
		return snapshot, fmt.Errorf("globalState community fee0: %w", err)
	}
	community1, err := AsUint(values[5], 8)
	if err != nil {
		return snapshot, fmt.Errorf("globalState community fee1: %w", err)
	}
	snapshot.Price = model.NewAmount(price)
	snapshot.Tick = tick
	snapshot.Fee = uint32(fee)
	snapshot.CommunityFee = [2]uint8{uint8(community0), uint8(community1)}

	if snapshot.Liquidity, err = callAmount(ctx, pool, "liquidity", blockPtr); err != nil {
		return snapshot, err
	}
	if snapshot.FeeGrowth0, err = callAmount(ctx, pool, "totalFeeGrowth0Token", blockPtr); err != nil {
		return snapshot, err
	}
	if snapshot.FeeGrowth1, err = callAmount(ctx, pool, "totalFeeGrowth1Token", blockPtr); err != nil {
		return snapshot, err
	}

	return snapshot, nil
}

func callAmount(ctx context.Context, pool *Binding, method string, block *big.Int) (*model.Amount, error) {
	values, err := pool.Call(ctx, method, block)
	if err != nil {
		return nil, err
	}
	v, err := AsBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return model.NewAmount(v), nil
}
