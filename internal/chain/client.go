// Package chain wraps the L2 RPC node behind a typed gateway: pool
// initialization logs, block headers, and the StateView / ERC-20
// contract reads the scanner pipeline needs. The gateway never retries
// internally; callers wrap operations in the retry executor.
package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"golang.org/x/sync/errgroup"
)

const rpcTimeout = 30 * time.Second

const poolManagerABIJSON = `[{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"bytes32","name":"id","type":"bytes32"},
	{"indexed":true,"internalType":"address","name":"currency0","type":"address"},
	{"indexed":true,"internalType":"address","name":"currency1","type":"address"},
	{"indexed":false,"internalType":"uint24","name":"fee","type":"uint24"},
	{"indexed":false,"internalType":"int24","name":"tickSpacing","type":"int24"},
	{"indexed":false,"internalType":"address","name":"hooks","type":"address"},
	{"indexed":false,"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
	{"indexed":false,"internalType":"int24","name":"tick","type":"int24"}],
	"name":"Initialize","type":"event"}]`

const stateViewABIJSON = `[
	{"inputs":[{"internalType":"bytes32","name":"poolId","type":"bytes32"}],"name":"getSlot0","outputs":[
		{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
		{"internalType":"int24","name":"tick","type":"int24"},
		{"internalType":"uint24","name":"protocolFee","type":"uint24"},
		{"internalType":"uint24","name":"lpFee","type":"uint24"}],
		"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"poolId","type":"bytes32"}],"name":"getLiquidity","outputs":[
		{"internalType":"uint128","name":"liquidity","type":"uint128"}],
		"stateMutability":"view","type":"function"}]`

const erc20ABIJSON = `[
	{"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var (
	poolManagerABI = mustParseABI(poolManagerABIJSON)
	stateViewABI   = mustParseABI(stateViewABIJSON)
	erc20ABI       = mustParseABI(erc20ABIJSON)

	initializeTopic = poolManagerABI.Events["Initialize"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// rpcBackend is the slice of the ethclient surface the gateway uses.
type rpcBackend interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	RPCURL      string
	ChainID     uint64
	PoolManager common.Address
	StateView   common.Address
}

// InitializeLog is one decoded pool-initialization event.
type InitializeLog struct {
	PoolID       common.Hash
	Currency0    common.Address
	Currency1    common.Address
	Fee          uint32
	TickSpacing  int32
	Hook         common.Address
	SqrtPriceX96 *big.Int
	Tick         int32
	BlockNumber  uint64
}

// PoolState is the combined slot0 + liquidity read for a pool.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

// FungibleMeta is the ERC-20 metadata triple.
type FungibleMeta struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Backend is the gateway surface the scanner pipeline consumes. Client
// is the RPC-backed implementation; tests substitute fakes.
type Backend interface {
	PoolInitializeLogs(ctx context.Context, fromBlock, toBlock uint64) ([]InitializeLog, error)
	HeaderTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	ReadPoolState(ctx context.Context, poolID common.Hash) (PoolState, error)
	ReadFungibleMeta(ctx context.Context, addr common.Address) (FungibleMeta, error)
}

type Client struct {
	rpc rpcBackend
	cfg Config
}

// NewClient dials the RPC endpoint and verifies it answers.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	log.Printf("[Chain] Connecting to RPC at %s...", cfg.RPCURL)
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	head, err := eth.BlockNumber(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("verify rpc: %w", err)
	}
	log.Printf("[Chain] Connected. Current block: %d", head)

	return &Client{rpc: eth, cfg: cfg}, nil
}

// newClientWithBackend is the test seam.
func newClientWithBackend(cfg Config, backend rpcBackend) *Client {
	return &Client{rpc: backend, cfg: cfg}
}

// PoolInitializeLogs fetches and decodes Initialize events emitted by
// the pool manager over [fromBlock, toBlock].
func (c *Client) PoolInitializeLogs(ctx context.Context, fromBlock, toBlock uint64) ([]InitializeLog, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.cfg.PoolManager},
		Topics:    [][]common.Hash{{initializeTopic}},
	}
	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w", fromBlock, toBlock, err)
	}

	out := make([]InitializeLog, 0, len(logs))
	for _, lg := range logs {
		decoded, err := decodeInitializeLog(lg)
		if err != nil {
			log.Printf("[Chain] Skipping undecodable Initialize log at block %d: %v", lg.BlockNumber, err)
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

func decodeInitializeLog(lg types.Log) (InitializeLog, error) {
	if len(lg.Topics) != 4 {
		return InitializeLog{}, fmt.Errorf("expected 4 topics, got %d", len(lg.Topics))
	}
	vals, err := poolManagerABI.Unpack("Initialize", lg.Data)
	if err != nil {
		return InitializeLog{}, fmt.Errorf("unpack data: %w", err)
	}
	if len(vals) != 5 {
		return InitializeLog{}, fmt.Errorf("expected 5 data fields, got %d", len(vals))
	}

	fee, ok0 := vals[0].(*big.Int)
	tickSpacing, ok1 := vals[1].(*big.Int)
	hook, ok2 := vals[2].(common.Address)
	sqrtPrice, ok3 := vals[3].(*big.Int)
	tick, ok4 := vals[4].(*big.Int)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 {
		return InitializeLog{}, fmt.Errorf("unexpected field types in Initialize data")
	}

	return InitializeLog{
		PoolID:       lg.Topics[1],
		Currency0:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Currency1:    common.BytesToAddress(lg.Topics[3].Bytes()),
		Fee:          uint32(fee.Uint64()),
		TickSpacing:  int32(tickSpacing.Int64()),
		Hook:         hook,
		SqrtPriceX96: sqrtPrice,
		Tick:         int32(tick.Int64()),
		BlockNumber:  lg.BlockNumber,
	}, nil
}

func (c *Client) HeaderTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", blockNumber, err)
	}
	return header.Time, nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.rpc.BlockNumber(ctx)
}

// ReadPoolState reads slot0 and liquidity from the StateView contract.
// Two underlying calls, surfaced as one logical read.
func (c *Client) ReadPoolState(ctx context.Context, poolID common.Hash) (PoolState, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var state PoolState
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		data, err := stateViewABI.Pack("getSlot0", [32]byte(poolID))
		if err != nil {
			return err
		}
		raw, err := c.call(gctx, c.cfg.StateView, data)
		if err != nil {
			return fmt.Errorf("getSlot0: %w", err)
		}
		vals, err := stateViewABI.Unpack("getSlot0", raw)
		if err != nil {
			return fmt.Errorf("unpack getSlot0: %w", err)
		}
		state.SqrtPriceX96 = vals[0].(*big.Int)
		state.Tick = int32(vals[1].(*big.Int).Int64())
		return nil
	})

	g.Go(func() error {
		data, err := stateViewABI.Pack("getLiquidity", [32]byte(poolID))
		if err != nil {
			return err
		}
		raw, err := c.call(gctx, c.cfg.StateView, data)
		if err != nil {
			return fmt.Errorf("getLiquidity: %w", err)
		}
		vals, err := stateViewABI.Unpack("getLiquidity", raw)
		if err != nil {
			return fmt.Errorf("unpack getLiquidity: %w", err)
		}
		state.Liquidity = vals[0].(*big.Int)
		return nil
	})

	if err := g.Wait(); err != nil {
		return PoolState{}, err
	}
	return state, nil
}

// ReadFungibleMeta issues the three ERC-20 metadata reads concurrently.
func (c *Client) ReadFungibleMeta(ctx context.Context, addr common.Address) (FungibleMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var meta FungibleMeta
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		raw, err := c.callMethod(gctx, addr, "name")
		if err != nil {
			return fmt.Errorf("name(): %w", err)
		}
		vals, err := erc20ABI.Unpack("name", raw)
		if err != nil {
			return fmt.Errorf("unpack name: %w", err)
		}
		meta.Name = vals[0].(string)
		return nil
	})
	g.Go(func() error {
		raw, err := c.callMethod(gctx, addr, "symbol")
		if err != nil {
			return fmt.Errorf("symbol(): %w", err)
		}
		vals, err := erc20ABI.Unpack("symbol", raw)
		if err != nil {
			return fmt.Errorf("unpack symbol: %w", err)
		}
		meta.Symbol = vals[0].(string)
		return nil
	})
	g.Go(func() error {
		raw, err := c.callMethod(gctx, addr, "decimals")
		if err != nil {
			return fmt.Errorf("decimals(): %w", err)
		}
		vals, err := erc20ABI.Unpack("decimals", raw)
		if err != nil {
			return fmt.Errorf("unpack decimals: %w", err)
		}
		meta.Decimals = vals[0].(uint8)
		return nil
	})

	if err := g.Wait(); err != nil {
		return FungibleMeta{}, err
	}
	return meta, nil
}

func (c *Client) callMethod(ctx context.Context, to common.Address, method string) ([]byte, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, to, data)
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
