package scanner

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/retry"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

var (
	zoraHook  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tbaHook   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdcAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	wethAddr  = common.HexToAddress("0x4444444444444444444444444444444444444444")
	tokenAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

// fakeBackend satisfies chain.Backend with overridable call hooks.
type fakeBackend struct {
	logs      func(ctx context.Context, from, to uint64) ([]chain.InitializeLog, error)
	timestamp func(ctx context.Context, bn uint64) (uint64, error)
	latest    func(ctx context.Context) (uint64, error)
	poolState func(ctx context.Context, id common.Hash) (chain.PoolState, error)
	meta      func(ctx context.Context, addr common.Address) (chain.FungibleMeta, error)
}

func (f *fakeBackend) PoolInitializeLogs(ctx context.Context, from, to uint64) ([]chain.InitializeLog, error) {
	if f.logs == nil {
		return nil, nil
	}
	return f.logs(ctx, from, to)
}

func (f *fakeBackend) HeaderTimestamp(ctx context.Context, bn uint64) (uint64, error) {
	if f.timestamp == nil {
		return 1_700_000_000, nil
	}
	return f.timestamp(ctx, bn)
}

func (f *fakeBackend) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if f.latest == nil {
		return 0, errors.New("latest not stubbed")
	}
	return f.latest(ctx)
}

func (f *fakeBackend) ReadPoolState(ctx context.Context, id common.Hash) (chain.PoolState, error) {
	if f.poolState == nil {
		return chain.PoolState{SqrtPriceX96: sqrtPriceFor(1), Liquidity: big.NewInt(1)}, nil
	}
	return f.poolState(ctx, id)
}

func (f *fakeBackend) ReadFungibleMeta(ctx context.Context, addr common.Address) (chain.FungibleMeta, error) {
	if f.meta == nil {
		return chain.FungibleMeta{}, errors.New("meta not stubbed")
	}
	return f.meta(ctx, addr)
}

// metaTable stubs ERC-20 metadata per address.
func metaTable(entries map[common.Address]chain.FungibleMeta) func(context.Context, common.Address) (chain.FungibleMeta, error) {
	return func(_ context.Context, addr common.Address) (chain.FungibleMeta, error) {
		meta, ok := entries[addr]
		if !ok {
			return chain.FungibleMeta{}, errors.New("unknown token")
		}
		return meta, nil
	}
}

func testRetryCfg() retry.Config {
	return retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}
}

func newTestProcessor(backend chain.Backend) *Processor {
	classifier := ClassifierConfig{
		Hooks: map[common.Address]string{
			zoraHook: "CREATOR_COIN",
			tbaHook:  "AGENT_COIN",
		},
		BasePairings: map[common.Address]bool{
			usdcAddr: true,
			wethAddr: true,
		},
	}
	resolver := chain.NewResolver(backend, 8453, "", "", testRetryCfg())
	return NewProcessor(backend, resolver, classifier, testRetryCfg())
}

func TestProcessBasePairedPool(t *testing.T) {
	// A pool pairing a 6-decimal base currency with an 18-decimal token
	// classifies as paired, takes the non-base side as the token, and
	// prices it in the base currency.
	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			usdcAddr:  {Name: "USD Coin", Symbol: "USDC", Decimals: 6},
			tokenAddr: {Name: "Agent Token", Symbol: "AGNT", Decimals: 18},
		}),
		poolState: func(context.Context, common.Hash) (chain.PoolState, error) {
			return chain.PoolState{
				SqrtPriceX96: sqrtPriceFor(500_000_000),
				Tick:         -12345,
				Liquidity:    big.NewInt(1),
			}, nil
		},
	}
	p := newTestProcessor(backend)

	keys := []models.PoolKey{{
		Currency0:      usdcAddr,
		Currency1:      tokenAddr,
		Fee:            3000,
		TickSpacing:    60,
		Hook:           tbaHook,
		DiscoveryBlock: 100,
	}}
	records := p.Process(context.Background(), keys, map[uint64]uint64{100: 1_700_000_042})

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.AppType != models.AppTypeTBA {
		t.Errorf("AppType = %q, want %q", rec.AppType, models.AppTypeTBA)
	}
	if rec.CoinType != "AGENT_COIN" {
		t.Errorf("CoinType = %q, want AGENT_COIN", rec.CoinType)
	}
	if rec.TokenAddress != strings.ToLower(tokenAddr.Hex()) {
		t.Errorf("TokenAddress = %q, want lowercased currency1", rec.TokenAddress)
	}
	if rec.TokenSymbol != "AGNT" || rec.TokenDecimals != 18 {
		t.Errorf("token meta = %s/%d, want AGNT/18", rec.TokenSymbol, rec.TokenDecimals)
	}
	if rec.HumanPrice != "0.000500" {
		t.Errorf("HumanPrice = %q, want 0.000500", rec.HumanPrice)
	}
	if rec.CurrentTick != -12345 {
		t.Errorf("CurrentTick = %d, want -12345", rec.CurrentTick)
	}
	if rec.DiscoveryTimestamp != 1_700_000_042 {
		t.Errorf("DiscoveryTimestamp = %d, want 1700000042", rec.DiscoveryTimestamp)
	}
}

func TestProcessStandalonePool(t *testing.T) {
	// Neither currency is a base pairing: the pool is a primary launch
	// and currency0 is the token, priced in currency1.
	other := common.HexToAddress("0x6666666666666666666666666666666666666666")
	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			tokenAddr: {Name: "Creator Coin", Symbol: "CRTR", Decimals: 18},
			other:     {Name: "Other", Symbol: "OTH", Decimals: 18},
		}),
		poolState: func(context.Context, common.Hash) (chain.PoolState, error) {
			return chain.PoolState{SqrtPriceX96: sqrtPriceFor(4), Liquidity: big.NewInt(1)}, nil
		},
	}
	p := newTestProcessor(backend)

	records := p.Process(context.Background(), []models.PoolKey{{
		Currency0: tokenAddr,
		Currency1: other,
		Hook:      zoraHook,
	}}, nil)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.AppType != models.AppTypeZora {
		t.Errorf("AppType = %q, want %q", rec.AppType, models.AppTypeZora)
	}
	if rec.TokenAddress != strings.ToLower(tokenAddr.Hex()) {
		t.Errorf("TokenAddress = %q, want lowercased currency0", rec.TokenAddress)
	}
	// Raw price is 4 (c1 in c0), so the token priced in currency1 is 0.25.
	if rec.HumanPrice != "0.250000" {
		t.Errorf("HumanPrice = %q, want 0.250000", rec.HumanPrice)
	}
}

func TestProcessNativeCurrencyPool(t *testing.T) {
	// The zero address resolves to the native currency without any RPC
	// metadata reads.
	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			tokenAddr: {Name: "Creator Coin", Symbol: "CRTR", Decimals: 18},
		}),
	}
	p := newTestProcessor(backend)

	records := p.Process(context.Background(), []models.PoolKey{{
		Currency0: common.Address{},
		Currency1: tokenAddr,
		Hook:      zoraHook,
	}}, nil)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	// currency0 is the token here (native is not in BasePairings), so
	// the record describes the native currency.
	if records[0].TokenSymbol != "ETH" {
		t.Errorf("TokenSymbol = %q, want ETH", records[0].TokenSymbol)
	}
}

func TestProcessDoubleBasePool(t *testing.T) {
	// Both currencies are base pairings: currency1 wins the token slot.
	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			usdcAddr: {Name: "USD Coin", Symbol: "USDC", Decimals: 6},
			wethAddr: {Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18},
		}),
	}
	p := newTestProcessor(backend)

	records := p.Process(context.Background(), []models.PoolKey{{
		Currency0: usdcAddr,
		Currency1: wethAddr,
		Hook:      tbaHook,
	}}, nil)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].AppType != models.AppTypeTBA {
		t.Errorf("AppType = %q, want %q", records[0].AppType, models.AppTypeTBA)
	}
	if records[0].TokenAddress != strings.ToLower(wethAddr.Hex()) {
		t.Errorf("TokenAddress = %q, want currency1", records[0].TokenAddress)
	}
}

func TestProcessDropsFailedPoolOnly(t *testing.T) {
	// One pool's state read fails permanently; its sibling in the same
	// batch still produces a record.
	badToken := common.HexToAddress("0x7777777777777777777777777777777777777777")
	badPoolID := chain.ComputePoolID(usdcAddr, badToken, 3000, 60, tbaHook)

	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			usdcAddr:  {Name: "USD Coin", Symbol: "USDC", Decimals: 6},
			tokenAddr: {Name: "Agent Token", Symbol: "AGNT", Decimals: 18},
			badToken:  {Name: "Broken", Symbol: "BRKN", Decimals: 18},
		}),
		poolState: func(_ context.Context, id common.Hash) (chain.PoolState, error) {
			if id == badPoolID {
				return chain.PoolState{}, errors.New("execution reverted")
			}
			return chain.PoolState{SqrtPriceX96: sqrtPriceFor(1), Liquidity: big.NewInt(1)}, nil
		},
	}
	p := newTestProcessor(backend)

	records := p.Process(context.Background(), []models.PoolKey{
		{Currency0: usdcAddr, Currency1: badToken, Fee: 3000, TickSpacing: 60, Hook: tbaHook},
		{Currency0: usdcAddr, Currency1: tokenAddr, Fee: 3000, TickSpacing: 60, Hook: tbaHook},
	}, nil)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].TokenAddress != strings.ToLower(tokenAddr.Hex()) {
		t.Errorf("surviving record = %q, want the healthy pool's token", records[0].TokenAddress)
	}
}

func TestProcessUnknownHookDropped(t *testing.T) {
	backend := &fakeBackend{
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			tokenAddr: {Name: "Creator Coin", Symbol: "CRTR", Decimals: 18},
		}),
	}
	p := newTestProcessor(backend)

	records := p.Process(context.Background(), []models.PoolKey{{
		Currency0: common.Address{},
		Currency1: tokenAddr,
		Hook:      common.HexToAddress("0x9999999999999999999999999999999999999999"),
	}}, nil)

	if len(records) != 0 {
		t.Fatalf("got %d records, want 0 for unknown hook", len(records))
	}
}
