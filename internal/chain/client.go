package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultCallTimeout bounds a single RPC round trip.
const DefaultCallTimeout = 15 * time.Second

// Client wraps go-ethereum RPC and provides the read-only calls the observer needs.
// Every call is bounded by the call timeout so a stalled endpoint surfaces as an error.
type Client struct {
	rpcClient   *rpc.Client
	ethClient   *ethclient.Client
	callTimeout time.Duration
}

// NewClient creates a new chain client from the RPC URL. A zero callTimeout uses
// DefaultCallTimeout.
func NewClient(ctx context.Context, rpcURL string, callTimeout time.Duration) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	return &Client{
		rpcClient:   rpcClient,
		ethClient:   ethclient.NewClient(rpcClient),
		callTimeout: callTimeout,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	id, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return id, nil
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	number, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return number, nil
}

// BlockTimestamp returns the block timestamp from its header.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("eth_getBlockByNumber %d: %w", number, err)
	}
	return header.Time, nil
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	logs, err := c.ethClient.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return logs, nil
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}
