package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenlive/discovery-engine/internal/retry"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

// Resolver maps an address to its semantic currency. The zero address
// is the chain's native currency; anything else is treated as an
// ERC-20 and its metadata is fetched on demand. No caching across
// calls: the pool processor shares resolved values within one pool.
type Resolver struct {
	backend      Backend
	chainID      uint64
	nativeName   string
	nativeSymbol string
	retryCfg     retry.Config
}

func NewResolver(backend Backend, chainID uint64, nativeName, nativeSymbol string, retryCfg retry.Config) *Resolver {
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	if nativeName == "" {
		nativeName = "Ether"
	}
	return &Resolver{
		backend:      backend,
		chainID:      chainID,
		nativeName:   nativeName,
		nativeSymbol: nativeSymbol,
		retryCfg:     retryCfg,
	}
}

func (r *Resolver) Resolve(ctx context.Context, addr common.Address) (models.Currency, error) {
	if addr == (common.Address{}) {
		return models.Currency{
			ChainID:  r.chainID,
			Native:   true,
			Name:     r.nativeName,
			Symbol:   r.nativeSymbol,
			Decimals: 18,
		}, nil
	}

	meta, err := retry.Do(ctx, r.retryCfg, func(ctx context.Context) (FungibleMeta, error) {
		return r.backend.ReadFungibleMeta(ctx, addr)
	})
	if err != nil {
		return models.Currency{}, fmt.Errorf("resolve %s: %w", addr.Hex(), err)
	}

	return models.Currency{
		ChainID:  r.chainID,
		Address:  addr,
		Name:     meta.Name,
		Symbol:   meta.Symbol,
		Decimals: meta.Decimals,
	}, nil
}
