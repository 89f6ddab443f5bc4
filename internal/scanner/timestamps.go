package scanner

import (
	"context"
	"log"
	"time"

	"github.com/tokenlive/discovery-engine/internal/batch"
	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/retry"
)

const (
	timestampBatchSize = 10
	timestampBatchGap  = 200 * time.Millisecond
)

// TimestampResolver turns discovery block numbers into header
// timestamps, batched so a burst of new pools does not hammer the RPC
// node. Scope is one scan cycle; there is no cross-cycle retention.
type TimestampResolver struct {
	backend  chain.Backend
	retryCfg retry.Config
}

func NewTimestampResolver(backend chain.Backend, retryCfg retry.Config) *TimestampResolver {
	return &TimestampResolver{backend: backend, retryCfg: retryCfg}
}

// Resolve collapses duplicates, reads headers 10 at a time with 200ms
// pacing, and returns one entry per unique resolvable block. Blocks
// whose header read fails are logged and omitted.
func (r *TimestampResolver) Resolve(ctx context.Context, blockNumbers []uint64) map[uint64]uint64 {
	seen := make(map[uint64]struct{}, len(blockNumbers))
	unique := make([]uint64, 0, len(blockNumbers))
	for _, bn := range blockNumbers {
		if _, dup := seen[bn]; dup {
			continue
		}
		seen[bn] = struct{}{}
		unique = append(unique, bn)
	}

	results := batch.Run(ctx, unique, timestampBatchSize, timestampBatchGap,
		func(ctx context.Context, bn uint64) (uint64, error) {
			return retry.Do(ctx, r.retryCfg, func(ctx context.Context) (uint64, error) {
				return r.backend.HeaderTimestamp(ctx, bn)
			})
		})

	out := make(map[uint64]uint64, len(unique))
	for i, res := range results {
		if res.Err != nil {
			log.Printf("[Scanner] Failed to resolve timestamp for block %d: %v", unique[i], res.Err)
			continue
		}
		out[unique[i]] = res.Value
	}
	return out
}
