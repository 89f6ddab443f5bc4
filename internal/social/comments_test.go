package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const testWallet = "0xAbCd000000000000000000000000000000000001"
const testToken = "0xT0KEN"

func newCommentFixture(t *testing.T) (*CommentEngine, *fakeComments, *cache.MemoryStore, *bus.Bus) {
	t.Helper()
	store := cache.NewMemoryStore()
	b := bus.New()
	t.Cleanup(b.Close)
	comments := &fakeComments{}
	engine, err := NewCommentEngine(newFakeUsers(), comments, store, b)
	if err != nil {
		t.Fatalf("NewCommentEngine: %v", err)
	}
	return engine, comments, store, b
}

func TestCreateCommentValidation(t *testing.T) {
	engine, _, _, _ := newCommentFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		wallet  string
		content string
	}{
		{"bad wallet", "not-an-address", "hello"},
		{"short wallet", "0x1234", "hello"},
		{"empty content", testWallet, ""},
		{"oversized content", testWallet, strings.Repeat("x", 501)},
	}
	for _, tc := range cases {
		_, err := engine.Create(ctx, testToken, tc.wallet, tc.content)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestCreateCommentFlow(t *testing.T) {
	// The caller gets a Processing stub immediately; the handler then
	// persists the comment, caches it, and publishes the live update.
	engine, comments, store, _ := newCommentFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var published []string
	unsub, err := store.Subscribe(ctx, cache.CommentChannel(testToken), func(msg string) {
		mu.Lock()
		published = append(published, msg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	stub, err := engine.Create(ctx, testToken, testWallet, "first!")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stub.Status != models.CommentStatusProcessing {
		t.Errorf("stub status = %q, want %q", stub.Status, models.CommentStatusProcessing)
	}
	if !strings.HasPrefix(stub.ID, "comment_") {
		t.Errorf("stub id = %q, want comment_ prefix", stub.ID)
	}
	if stub.WalletAddress != strings.ToLower(testWallet) {
		t.Errorf("stub wallet = %q, want lowercased input", stub.WalletAddress)
	}

	waitFor(t, "comment persisted", func() bool { return comments.count(strings.ToLower(testToken)) == 1 })
	waitFor(t, "live update published", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	})

	cached, err := store.LRange(ctx, cache.CommentListKey(testToken), 0, -1)
	if err != nil || len(cached) != 1 {
		t.Fatalf("cached list = %v (err %v), want one entry", cached, err)
	}
	var fromCache models.Comment
	if err := json.Unmarshal([]byte(cached[0]), &fromCache); err != nil {
		t.Fatalf("unmarshal cached comment: %v", err)
	}
	if fromCache.ID != stub.ID || fromCache.Status != models.CommentStatusPersisted {
		t.Errorf("cached comment = %+v, want id %s with persisted status", fromCache, stub.ID)
	}
}

func TestCommentCacheNeverExceedsCap(t *testing.T) {
	engine, comments, store, _ := newCommentFixture(t)
	ctx := context.Background()

	const total = 55
	for i := 0; i < total; i++ {
		if _, err := engine.Create(ctx, testToken, testWallet, "comment body"); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}

	waitFor(t, "all comments handled", func() bool {
		n, _ := store.LLen(ctx, cache.CommentListKey(testToken))
		return n == commentCacheCap && comments.count(strings.ToLower(testToken)) <= total
	})

	n, _ := store.LLen(ctx, cache.CommentListKey(testToken))
	if n > commentCacheCap {
		t.Errorf("cached list length = %d, want <= %d", n, commentCacheCap)
	}
}

func TestLatestFallsBackToDBAndWarmsCache(t *testing.T) {
	engine, comments, store, _ := newCommentFixture(t)
	ctx := context.Background()
	token := strings.ToLower(testToken)

	// Seed the database directly; the cache starts cold.
	for i := 0; i < 3; i++ {
		stub, err := engine.Create(ctx, testToken, testWallet, "seeded")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		waitFor(t, "seed persisted", func() bool { return comments.count(token) > 0 })
		_ = stub
	}
	waitFor(t, "seeds persisted", func() bool { return comments.count(token) == 3 })
	if err := store.Del(ctx, cache.CommentListKey(testToken)); err != nil {
		t.Fatalf("Del: %v", err)
	}

	got, err := engine.Latest(ctx, testToken, 10)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Latest returned %d comments, want 3", len(got))
	}

	// The fallback warmed the cache: a second read hits it.
	n, _ := store.LLen(ctx, cache.CommentListKey(testToken))
	if n != 3 {
		t.Errorf("warmed cache length = %d, want 3", n)
	}
}

func TestLatestClampsLimit(t *testing.T) {
	// A limit below 1 falls back to the default of 50; an over-range
	// limit is clamped to 100, not reset to the default.
	engine, _, store, _ := newCommentFixture(t)
	ctx := context.Background()

	const seeded = 60
	values := make([]string, 0, seeded)
	for i := 0; i < seeded; i++ {
		payload, err := json.Marshal(models.Comment{
			ID:           fmt.Sprintf("comment_%02d", i),
			TokenAddress: strings.ToLower(testToken),
			Content:      "seeded",
			Status:       models.CommentStatusPersisted,
		})
		if err != nil {
			t.Fatalf("marshal seed: %v", err)
		}
		values = append(values, string(payload))
	}
	if err := store.LPush(ctx, cache.CommentListKey(testToken), values...); err != nil {
		t.Fatalf("LPush: %v", err)
	}

	got, err := engine.Latest(ctx, testToken, 150)
	if err != nil {
		t.Fatalf("Latest(limit=150): %v", err)
	}
	if len(got) != seeded {
		t.Errorf("Latest(limit=150) returned %d comments, want all %d", len(got), seeded)
	}

	for _, limit := range []int{0, -5} {
		got, err := engine.Latest(ctx, testToken, limit)
		if err != nil {
			t.Fatalf("Latest(limit=%d): %v", limit, err)
		}
		if len(got) != 50 {
			t.Errorf("Latest(limit=%d) returned %d comments, want the default 50", limit, len(got))
		}
	}
}
