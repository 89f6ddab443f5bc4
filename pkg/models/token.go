package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AppType partitions discovered tokens by how their pool is quoted.
// ZORA pools pair two arbitrary currencies; TBA pools pair a token
// against one of the configured base pairings.
const (
	AppTypeZora = "ZORA"
	AppTypeTBA  = "TBA"
)

// PoolKey identifies a Uniswap-V4-style pool as decoded from its
// Initialize event. currency0 < currency1 as unsigned 160-bit integers
// is guaranteed by the pool manager contract.
type PoolKey struct {
	Currency0      common.Address `json:"currency0"`
	Currency1      common.Address `json:"currency1"`
	Fee            uint32         `json:"fee"`
	TickSpacing    int32          `json:"tickSpacing"`
	Hook           common.Address `json:"hook"`
	DiscoveryBlock uint64         `json:"discoveryBlock"`
}

// Currency is either the chain's native currency (zero address) or an
// ERC-20 with lazily fetched metadata.
type Currency struct {
	ChainID  uint64         `json:"chainId"`
	Address  common.Address `json:"address"`
	Native   bool           `json:"native"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// PoolState is the slot0 + liquidity view of a pool at read time.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

// TokenRecord is one classified, priced token produced by a scan cycle.
// PoolID is the hex-encoded keccak digest of the pool's identity tuple
// and serves as the primary key across instances.
type TokenRecord struct {
	PoolID             string `json:"poolId"`
	AppType            string `json:"appType"`
	CoinType           string `json:"coinType"`
	TokenAddress       string `json:"tokenAddress"`
	TokenName          string `json:"tokenName"`
	TokenSymbol        string `json:"tokenSymbol"`
	TokenDecimals      uint8  `json:"tokenDecimals"`
	CurrentTick        int32  `json:"currentTick"`
	SqrtPriceX96       string `json:"sqrtPriceX96"`
	HumanPrice         string `json:"humanPrice"`
	DiscoveryBlock     uint64 `json:"discoveryBlock"`
	DiscoveryTimestamp uint64 `json:"discoveryTimestamp"`
}

// PartitionMeta summarizes one token partition.
type PartitionMeta struct {
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
	TotalTokens   int            `json:"totalTokens"`
	ByCoinType    map[string]int `json:"byCoinType"`
}

// TokenPartition is a named bucket of token records plus its metadata.
// A record lives in exactly one partition; merges are keyed by token
// address with newest-wins semantics.
type TokenPartition struct {
	Name    string        `json:"name"`
	Records []TokenRecord `json:"records"`
	Meta    PartitionMeta `json:"meta"`
}

// ScanResult summarizes one completed scan cycle.
type ScanResult struct {
	BlocksScanned   uint64    `json:"blocksScanned"`
	FromBlock       uint64    `json:"fromBlock"`
	ToBlock         uint64    `json:"toBlock"`
	PoolsDiscovered int       `json:"poolsDiscovered"`
	TokensAdded     int       `json:"tokensAdded"`
	ZoraTokens      int       `json:"zoraTokens"`
	TBATokens       int       `json:"tbaTokens"`
	DurationMs      int64     `json:"durationMs"`
	Timestamp       time.Time `json:"timestamp"`
}
