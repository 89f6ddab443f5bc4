package social

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tokenlive/discovery-engine/pkg/models"
)

// waitFor polls cond until it holds or the deadline passes. The
// background handlers run on bus goroutines, so flow tests observe
// their effects asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeUsers struct {
	mu       sync.Mutex
	nextID   int64
	byWallet map[string]models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byWallet: make(map[string]models.User)}
}

func (f *fakeUsers) GetOrCreateUser(_ context.Context, wallet string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byWallet[wallet]; ok {
		return u, nil
	}
	f.nextID++
	u := models.User{ID: f.nextID, WalletAddress: wallet, CreatedAt: time.Now()}
	f.byWallet[wallet] = u
	return u, nil
}

func (f *fakeUsers) GetUserByWallet(_ context.Context, wallet string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byWallet[wallet]; ok {
		return u, nil
	}
	return models.User{}, ErrNotFound
}

type fakeComments struct {
	mu   sync.Mutex
	rows []models.Comment
}

func (f *fakeComments) InsertComment(_ context.Context, c models.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.ID == c.ID {
			return nil
		}
	}
	f.rows = append(f.rows, c)
	return nil
}

func (f *fakeComments) LatestComments(_ context.Context, token string, limit int) ([]models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]models.Comment, 0)
	for _, c := range f.rows {
		if c.TokenAddress == token {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeComments) PruneComments(_ context.Context, token string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]models.Comment, 0)
	rest := make([]models.Comment, 0)
	for _, c := range f.rows {
		if c.TokenAddress == token {
			matched = append(matched, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > keep {
		matched = matched[:keep]
	}
	f.rows = append(rest, matched...)
	return nil
}

func (f *fakeComments) count(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.rows {
		if c.TokenAddress == token {
			n++
		}
	}
	return n
}

type fakeWatchlist struct {
	mu     sync.Mutex
	nextID int64
	rows   []models.WatchlistEntry
}

func (f *fakeWatchlist) AddWatchlistEntries(_ context.Context, userID int64, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, token := range tokens {
		if f.hasLocked(userID, token) {
			continue
		}
		f.nextID++
		f.rows = append(f.rows, models.WatchlistEntry{
			ID: f.nextID, UserID: userID, TokenAddress: token, CreatedAt: time.Now(),
		})
	}
	return nil
}

func (f *fakeWatchlist) hasLocked(userID int64, token string) bool {
	for _, e := range f.rows {
		if e.UserID == userID && e.TokenAddress == token {
			return true
		}
	}
	return false
}

func (f *fakeWatchlist) ExistingWatchlistTokens(_ context.Context, userID int64, tokens []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]bool)
	for _, token := range tokens {
		if f.hasLocked(userID, token) {
			existing[token] = true
		}
	}
	return existing, nil
}

func (f *fakeWatchlist) RemoveWatchlistEntries(_ context.Context, userID int64, tokens []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		drop[token] = true
	}
	kept := f.rows[:0]
	var removed int64
	for _, e := range f.rows {
		if e.UserID == userID && drop[e.TokenAddress] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakeWatchlist) ListWatchlist(_ context.Context, userID int64, limit, offset int) ([]models.WatchlistEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]models.WatchlistEntry, 0)
	for _, e := range f.rows {
		if e.UserID == userID {
			matched = append(matched, e)
		}
	}
	// Newest first; insertion ids are monotonic.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := int64(len(matched))
	if offset >= len(matched) {
		return []models.WatchlistEntry{}, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (f *fakeWatchlist) HasWatchlistToken(_ context.Context, userID int64, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasLocked(userID, token), nil
}

func (f *fakeWatchlist) CountWatchlist(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.rows {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}
