package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCaller struct {
	responses map[common.Address]map[string][]byte
	blocks    []*big.Int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: make(map[common.Address]map[string][]byte)}
}

func (f *fakeCaller) set(t *testing.T, to common.Address, parsed abi.ABI, method string, outputs ...interface{}) {
	t.Helper()
	packed, err := parsed.Methods[method].Outputs.Pack(outputs...)
	require.NoError(t, err)
	if f.responses[to] == nil {
		f.responses[to] = make(map[string][]byte)
	}
	f.responses[to][string(parsed.Methods[method].ID)] = packed
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, block)
	byMethod, ok := f.responses[*msg.To]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	resp, ok := byMethod[string(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return resp, nil
}

var (
	testPool   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken0 = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testToken1 = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func TestFetchPoolMeta(t *testing.T) {
	poolABI, err := PoolABI()
	require.NoError(t, err)
	stringABI, err := erc20String.get()
	require.NoError(t, err)
	bytes32ABI, err := erc20Bytes32.get()
	require.NoError(t, err)

	caller := newFakeCaller()
	caller.set(t, testPool, poolABI, "token0", testToken0)
	caller.set(t, testPool, poolABI, "token1", testToken1)
	caller.set(t, testPool, poolABI, "tickSpacing", big.NewInt(60))
	caller.set(t, testToken0, stringABI, "decimals", uint8(6))
	caller.set(t, testToken0, stringABI, "symbol", "USDC")
	caller.set(t, testToken0, stringABI, "name", "USD Coin")
	// token1 only answers the bytes32 variant for symbol and nothing for name.
	var symbol [32]byte
	copy(symbol[:], "MKR")
	caller.set(t, testToken1, stringABI, "decimals", uint8(18))
	caller.set(t, testToken1, bytes32ABI, "symbol", symbol)

	binding, err := NewPoolBinding(caller, testPool)
	require.NoError(t, err)

	meta, err := FetchPoolMeta(context.Background(), binding, caller, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int32(60), meta.TickSpacing)
	assert.Equal(t, testToken0.Hex(), meta.Token0.Address)
	assert.Equal(t, uint8(6), meta.Token0.Decimals)
	assert.Equal(t, "USDC", meta.Token0.Symbol)
	assert.True(t, meta.Token0.Known)
	assert.Equal(t, uint8(18), meta.Token1.Decimals)
	assert.Equal(t, "MKR", meta.Token1.Symbol)
	assert.Empty(t, meta.Token1.Name)
}

func TestFetchPoolMetaMissingDecimals(t *testing.T) {
	poolABI, err := PoolABI()
	require.NoError(t, err)

	caller := newFakeCaller()
	caller.set(t, testPool, poolABI, "token0", testToken0)
	caller.set(t, testPool, poolABI, "token1", testToken1)
	caller.set(t, testPool, poolABI, "tickSpacing", big.NewInt(10))

	binding, err := NewPoolBinding(caller, testPool)
	require.NoError(t, err)

	meta, err := FetchPoolMeta(context.Background(), binding, caller, nil)
	require.NoError(t, err)
	assert.False(t, meta.Token0.Known)
	assert.Equal(t, testToken1.Hex(), meta.Token1.Address)
}

func TestFetchSnapshotAtBlock(t *testing.T) {
	poolABI, err := PoolABI()
	require.NoError(t, err)

	growth0, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	caller := newFakeCaller()
	caller.set(t, testPool, poolABI, "globalState",
		big.NewInt(79228162514264337), big.NewInt(-887), uint16(500), uint16(3), uint8(10), uint8(20), true)
	caller.set(t, testPool, poolABI, "liquidity", big.NewInt(1_000_000))
	caller.set(t, testPool, poolABI, "totalFeeGrowth0Token", growth0)
	caller.set(t, testPool, poolABI, "totalFeeGrowth1Token", big.NewInt(7))

	binding, err := NewPoolBinding(caller, testPool)
	require.NoError(t, err)

	snapshot, err := FetchSnapshot(context.Background(), binding, 1234)
	require.NoError(t, err)

	assert.Equal(t, int32(-887), snapshot.Tick)
	assert.Equal(t, uint32(500), snapshot.Fee)
	assert.Equal(t, [2]uint8{10, 20}, snapshot.CommunityFee)
	assert.Equal(t, growth0.String(), snapshot.FeeGrowth0.String())
	assert.Equal(t, "1000000", snapshot.Liquidity.String())
	for _, block := range caller.blocks {
		require.NotNil(t, block)
		assert.Equal(t, uint64(1234), block.Uint64())
	}
}

func TestCallFailureIsRemoteError(t *testing.T) {
	binding, err := NewPoolBinding(newFakeCaller(), testPool)
	require.NoError(t, err)

	_, err = binding.Call(context.Background(), "liquidity", nil)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "liquidity", remote.Method)
	assert.Equal(t, testPool, remote.Address)
}

func TestInt24Bounds(t *testing.T) {
	_, err := Int24FromBig(big.NewInt(1 << 23))
	assert.Error(t, err)

	v, err := Int24FromBig(big.NewInt(-(1 << 23)))
	require.NoError(t, err)
	assert.Equal(t, int32(-(1 << 23)), v)
}
