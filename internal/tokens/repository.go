// Package tokens is the write-through repository for classified token
// records, partitioned by app type and cached in the KV store.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const DefaultTTL = 3600 * time.Second

var partitionKeys = map[string]string{
	models.AppTypeZora: cache.ZoraTokensKey,
	models.AppTypeTBA:  cache.TBATokensKey,
}

// Repository merges scan output into the two cached partitions.
// Merges are address-keyed and newest-wins; a record lives in exactly
// one partition. The mutex serializes the read-merge-write cycle so
// concurrent merges cannot drop each other's records.
type Repository struct {
	store cache.Store
	bus   *bus.Bus
	ttl   time.Duration
	mu    sync.Mutex
}

func NewRepository(store cache.Store, b *bus.Bus, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{store: store, bus: b, ttl: ttl}
}

// Merge folds records into their partitions. Returns the number of
// previously unseen addresses plus the per-partition record counts of
// this merge.
func (r *Repository) Merge(ctx context.Context, records []models.TokenRecord) (added, zora, tba int, err error) {
	if len(records) == 0 {
		return 0, 0, 0, nil
	}

	split := make(map[string][]models.TokenRecord)
	for _, rec := range records {
		split[rec.AppType] = append(split[rec.AppType], rec)
	}
	zora = len(split[models.AppTypeZora])
	tba = len(split[models.AppTypeTBA])

	r.mu.Lock()
	defer r.mu.Unlock()

	for appType, recs := range split {
		key, ok := partitionKeys[appType]
		if !ok {
			return 0, 0, 0, fmt.Errorf("unknown app type %q", appType)
		}

		var part models.TokenPartition
		if _, err := r.store.GetJSON(ctx, key, &part); err != nil {
			return 0, 0, 0, fmt.Errorf("load partition %s: %w", key, err)
		}
		part.Name = appType

		index := make(map[string]int, len(part.Records))
		for i, rec := range part.Records {
			index[rec.TokenAddress] = i
		}
		for _, rec := range recs {
			if i, seen := index[rec.TokenAddress]; seen {
				part.Records[i] = rec
				continue
			}
			part.Records = append(part.Records, rec)
			index[rec.TokenAddress] = len(part.Records) - 1
			added++
		}

		part.Meta = recomputeMeta(part.Records)

		if err := r.store.SetJSON(ctx, key, part, r.ttl); err != nil {
			return 0, 0, 0, fmt.Errorf("persist partition %s: %w", key, err)
		}
	}

	if r.bus != nil {
		r.bus.Emit(bus.TopicTokensUpdated, bus.Event{
			Payload: map[string]int{"added": added, "zora": zora, "tba": tba},
		})
	}
	return added, zora, tba, nil
}

// Partition returns one partition, or nil when it has never been
// written (or its TTL lapsed).
func (r *Repository) Partition(ctx context.Context, appType string) (*models.TokenPartition, error) {
	key, ok := partitionKeys[appType]
	if !ok {
		return nil, fmt.Errorf("unknown app type %q", appType)
	}
	var part models.TokenPartition
	found, err := r.store.GetJSON(ctx, key, &part)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &part, nil
}

// All returns both partitions keyed by app type, omitting absent ones.
func (r *Repository) All(ctx context.Context) (map[string]*models.TokenPartition, error) {
	out := make(map[string]*models.TokenPartition)
	for appType := range partitionKeys {
		part, err := r.Partition(ctx, appType)
		if err != nil {
			return nil, err
		}
		if part != nil {
			out[appType] = part
		}
	}
	return out, nil
}

// Meta returns just the partition metadata, for the lightweight
// metadata endpoint.
func (r *Repository) Meta(ctx context.Context) (map[string]models.PartitionMeta, error) {
	parts, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.PartitionMeta, len(parts))
	for appType, part := range parts {
		out[appType] = part.Meta
	}
	return out, nil
}

func recomputeMeta(records []models.TokenRecord) models.PartitionMeta {
	byCoinType := make(map[string]int)
	for _, rec := range records {
		byCoinType[rec.CoinType]++
	}
	return models.PartitionMeta{
		LastUpdatedAt: time.Now(),
		TotalTokens:   len(records),
		ByCoinType:    byCoinType,
	}
}
