package scanner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/tokenlive/discovery-engine/internal/batch"
	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/retry"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const (
	poolBatchSize = 3
	poolBatchGap  = 300 * time.Millisecond
)

// ClassifierConfig drives token classification. Hooks maps a pool's
// hook address to its coin type; BasePairings is the set of quote
// currencies that mark a pool as TBA.
type ClassifierConfig struct {
	Hooks        map[common.Address]string
	BasePairings map[common.Address]bool
}

func (c ClassifierConfig) KnownHook(hook common.Address) bool {
	_, ok := c.Hooks[hook]
	return ok
}

// Processor turns filtered pool keys into classified, priced token
// records. Pools are processed 3 at a time with 300ms between batches;
// a pool that fails anywhere is dropped without affecting its siblings.
type Processor struct {
	backend    chain.Backend
	resolver   *chain.Resolver
	classifier ClassifierConfig
	retryCfg   retry.Config
}

func NewProcessor(backend chain.Backend, resolver *chain.Resolver, classifier ClassifierConfig, retryCfg retry.Config) *Processor {
	return &Processor{
		backend:    backend,
		resolver:   resolver,
		classifier: classifier,
		retryCfg:   retryCfg,
	}
}

func (p *Processor) Process(ctx context.Context, keys []models.PoolKey, timestamps map[uint64]uint64) []models.TokenRecord {
	results := batch.Run(ctx, keys, poolBatchSize, poolBatchGap,
		func(ctx context.Context, key models.PoolKey) (*models.TokenRecord, error) {
			return p.processPool(ctx, key, timestamps)
		})

	records := make([]models.TokenRecord, 0, len(keys))
	for i, res := range results {
		if res.Err != nil {
			log.Printf("[Processor] Dropping pool (c0=%s c1=%s hook=%s): %v",
				keys[i].Currency0.Hex(), keys[i].Currency1.Hex(), keys[i].Hook.Hex(), res.Err)
			continue
		}
		if res.Value != nil {
			records = append(records, *res.Value)
		}
	}
	return records
}

func (p *Processor) processPool(ctx context.Context, key models.PoolKey, timestamps map[uint64]uint64) (*models.TokenRecord, error) {
	coinType, ok := p.classifier.Hooks[key.Hook]
	if !ok {
		// The scanner filters unknown hooks before calling Process.
		return nil, fmt.Errorf("hook %s not in classifier map", key.Hook.Hex())
	}

	var c0, c1 models.Currency
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		c0, err = p.resolver.Resolve(gctx, key.Currency0)
		return err
	})
	g.Go(func() error {
		var err error
		c1, err = p.resolver.Resolve(gctx, key.Currency1)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	poolID := chain.ComputePoolID(key.Currency0, key.Currency1, key.Fee, key.TickSpacing, key.Hook)

	state, err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) (chain.PoolState, error) {
		return p.backend.ReadPoolState(ctx, poolID)
	})
	if err != nil {
		return nil, fmt.Errorf("read pool state: %w", err)
	}

	priceC1InC0, priceC0InC1 := poolPrices(state.SqrtPriceX96, c0.Decimals, c1.Decimals)

	isBase0 := p.classifier.BasePairings[key.Currency0]
	isBase1 := p.classifier.BasePairings[key.Currency1]

	appType := models.AppTypeZora
	token := c0
	price := priceC0InC1
	switch {
	case isBase0:
		// Covers the double-base edge case too: currency1 is the token.
		appType = models.AppTypeTBA
		token = c1
		price = priceC1InC0
	case isBase1:
		appType = models.AppTypeTBA
		token = c0
		price = priceC0InC1
	}

	return &models.TokenRecord{
		PoolID:             poolID.Hex(),
		AppType:            appType,
		CoinType:           coinType,
		TokenAddress:       strings.ToLower(token.Address.Hex()),
		TokenName:          token.Name,
		TokenSymbol:        token.Symbol,
		TokenDecimals:      token.Decimals,
		CurrentTick:        state.Tick,
		SqrtPriceX96:       state.SqrtPriceX96.String(),
		HumanPrice:         formatPrice(price),
		DiscoveryBlock:     key.DiscoveryBlock,
		DiscoveryTimestamp: timestamps[key.DiscoveryBlock],
	}, nil
}
