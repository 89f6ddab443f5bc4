package social

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const (
	watchlistMaxBatch    = 50
	watchlistDefaultPage = 20
	watchlistMaxPage     = 100
)

// WatchlistPage is one page of a user's watchlist.
type WatchlistPage struct {
	Data       []models.WatchlistEntry `json:"data"`
	Pagination models.Pagination       `json:"pagination"`
}

// WatchlistEngine manages per-wallet token watchlists. The database is
// the source of truth; the wallet-indexed KV set is an advisory cache
// updated only after the database write succeeds.
type WatchlistEngine struct {
	users   UserStore
	entries WatchlistStore
	store   cache.Store
	bus     *bus.Bus
}

func NewWatchlistEngine(users UserStore, entries WatchlistStore, store cache.Store, b *bus.Bus) *WatchlistEngine {
	return &WatchlistEngine{users: users, entries: entries, store: store, bus: b}
}

// Add watches the given tokens for the wallet, creating the user on
// first contact. Already-watched tokens are skipped; the returned count
// covers only newly added ones.
func (e *WatchlistEngine) Add(ctx context.Context, walletAddress string, tokenAddresses []string) (int, error) {
	wallet, tokens, err := normalizeWatchlistInput(walletAddress, tokenAddresses)
	if err != nil {
		return 0, err
	}

	user, err := e.users.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("resolve user: %w", err)
	}

	existing, err := e.entries.ExistingWatchlistTokens(ctx, user.ID, tokens)
	if err != nil {
		return 0, fmt.Errorf("load existing entries: %w", err)
	}
	fresh := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if !existing[token] {
			fresh = append(fresh, token)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := e.entries.AddWatchlistEntries(ctx, user.ID, fresh); err != nil {
		return 0, fmt.Errorf("insert entries: %w", err)
	}

	// Cache update follows the DB write so a failed insert can never
	// leave phantom members behind.
	pipe := e.store.TxPipeline()
	pipe.SAdd(cache.WatchlistKey(wallet), fresh...)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[WatchlistEngine] Cache update failed for %s: %v", wallet, err)
	}

	e.bus.Emit(bus.TopicWatchlistTokenAdded, bus.Event{
		AggregateID: wallet,
		Payload:     map[string]any{"walletAddress": wallet, "tokenAddresses": fresh},
	})
	return len(fresh), nil
}

// Remove unwatches the given tokens. A wallet that never interacted
// gets ErrNotFound.
func (e *WatchlistEngine) Remove(ctx context.Context, walletAddress string, tokenAddresses []string) (int64, error) {
	wallet, tokens, err := normalizeWatchlistInput(walletAddress, tokenAddresses)
	if err != nil {
		return 0, err
	}

	user, err := e.users.GetUserByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("user %s: %w", wallet, ErrNotFound)
		}
		return 0, fmt.Errorf("resolve user: %w", err)
	}

	count, err := e.entries.RemoveWatchlistEntries(ctx, user.ID, tokens)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}

	pipe := e.store.TxPipeline()
	pipe.SRem(cache.WatchlistKey(wallet), tokens...)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[WatchlistEngine] Cache update failed for %s: %v", wallet, err)
	}

	e.bus.Emit(bus.TopicWatchlistTokenRemoved, bus.Event{
		AggregateID: wallet,
		Payload:     map[string]any{"walletAddress": wallet, "tokenAddresses": tokens},
	})
	return count, nil
}

// List returns one page of the wallet's watchlist, newest first.
func (e *WatchlistEngine) List(ctx context.Context, walletAddress string, page, limit int) (WatchlistPage, error) {
	if !walletRe.MatchString(walletAddress) {
		return WatchlistPage{}, validationError([]string{"walletAddress must be a 0x-prefixed 40-hex-digit address"})
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = watchlistDefaultPage
	} else if limit > watchlistMaxPage {
		limit = watchlistMaxPage
	}
	wallet := strings.ToLower(walletAddress)

	user, err := e.users.GetUserByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return WatchlistPage{}, fmt.Errorf("user %s: %w", wallet, ErrNotFound)
		}
		return WatchlistPage{}, fmt.Errorf("resolve user: %w", err)
	}

	offset := (page - 1) * limit
	entries, total, err := e.entries.ListWatchlist(ctx, user.ID, limit, offset)
	if err != nil {
		return WatchlistPage{}, fmt.Errorf("list entries: %w", err)
	}

	e.repairCache(ctx, wallet, entries, total)

	totalPages := total / int64(limit)
	if total%int64(limit) != 0 {
		totalPages++
	}
	return WatchlistPage{
		Data: entries,
		Pagination: models.Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages,
			Skip:       offset,
		},
	}, nil
}

// repairCache re-seeds the advisory membership set when it is empty
// while the database has rows (TTL lapse or KV restart).
func (e *WatchlistEngine) repairCache(ctx context.Context, wallet string, entries []models.WatchlistEntry, total int64) {
	if total == 0 || len(entries) == 0 {
		return
	}
	members, err := e.store.SMembers(ctx, cache.WatchlistKey(wallet))
	if err != nil || len(members) > 0 {
		return
	}
	tokens := make([]string, 0, len(entries))
	for _, entry := range entries {
		tokens = append(tokens, entry.TokenAddress)
	}
	if err := e.store.SAdd(ctx, cache.WatchlistKey(wallet), tokens...); err != nil {
		log.Printf("[WatchlistEngine] Cache repair failed for %s: %v", wallet, err)
	}
}

// Contains reports whether the wallet watches the token. Unknown
// wallets read as false.
func (e *WatchlistEngine) Contains(ctx context.Context, walletAddress, tokenAddress string) (bool, error) {
	user, err := e.users.GetUserByWallet(ctx, strings.ToLower(walletAddress))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.entries.HasWatchlistToken(ctx, user.ID, strings.ToLower(tokenAddress))
}

// Count returns the watchlist size; unknown wallets read as zero.
func (e *WatchlistEngine) Count(ctx context.Context, walletAddress string) (int64, error) {
	user, err := e.users.GetUserByWallet(ctx, strings.ToLower(walletAddress))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return e.entries.CountWatchlist(ctx, user.ID)
}

func normalizeWatchlistInput(walletAddress string, tokenAddresses []string) (string, []string, error) {
	var problems []string
	if !walletRe.MatchString(walletAddress) {
		problems = append(problems, "walletAddress must be a 0x-prefixed 40-hex-digit address")
	}
	if len(tokenAddresses) == 0 {
		problems = append(problems, "tokenAddresses must not be empty")
	}
	if len(tokenAddresses) > watchlistMaxBatch {
		problems = append(problems, fmt.Sprintf("tokenAddresses must not exceed %d entries", watchlistMaxBatch))
	}
	if len(problems) > 0 {
		return "", nil, validationError(problems)
	}

	seen := make(map[string]struct{}, len(tokenAddresses))
	tokens := make([]string, 0, len(tokenAddresses))
	for _, addr := range tokenAddresses {
		token := strings.ToLower(strings.TrimSpace(addr))
		if token == "" {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	if len(tokens) == 0 {
		return "", nil, validationError([]string{"tokenAddresses must contain at least one non-empty address"})
	}
	return strings.ToLower(walletAddress), tokens, nil
}
