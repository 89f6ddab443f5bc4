package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const (
	commentCacheCap   = 50
	commentMaxContent = 500
	commentMaxLimit   = 100
)

// CommentEngine accepts comments synchronously and persists them
// through the event bus. The cached per-token list holds at most the
// newest 50 entries; the database is pruned to the same bound.
type CommentEngine struct {
	users    UserStore
	comments CommentStore
	store    cache.Store
	bus      *bus.Bus
}

func NewCommentEngine(users UserStore, comments CommentStore, store cache.Store, b *bus.Bus) (*CommentEngine, error) {
	e := &CommentEngine{users: users, comments: comments, store: store, bus: b}
	if err := b.On(bus.TopicCommentCreated, e.handleCreated); err != nil {
		return nil, err
	}
	return e, nil
}

// Create validates the input, assigns an id, publishes the creation
// event, and returns the stub immediately with status Processing. The
// durable write happens in handleCreated.
func (e *CommentEngine) Create(ctx context.Context, tokenAddress, walletAddress, content string) (models.Comment, error) {
	var problems []string
	if !walletRe.MatchString(walletAddress) {
		problems = append(problems, "walletAddress must be a 0x-prefixed 40-hex-digit address")
	}
	if len(content) < 1 || len(content) > commentMaxContent {
		problems = append(problems, fmt.Sprintf("content length must be between 1 and %d", commentMaxContent))
	}
	if tokenAddress == "" {
		problems = append(problems, "tokenAddress is required")
	}
	if len(problems) > 0 {
		return models.Comment{}, validationError(problems)
	}

	wallet := strings.ToLower(walletAddress)
	user, err := e.users.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return models.Comment{}, fmt.Errorf("resolve user: %w", err)
	}

	comment := models.Comment{
		ID:            newCommentID(),
		TokenAddress:  strings.ToLower(tokenAddress),
		UserID:        user.ID,
		WalletAddress: wallet,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
		Status:        models.CommentStatusProcessing,
	}
	e.bus.Emit(bus.TopicCommentCreated, bus.Event{AggregateID: comment.ID, Payload: comment})
	return comment, nil
}

// Latest returns up to limit comments newest-first. The cached list is
// consulted first; on a miss the database answers and the cache is
// warmed for the next reader.
func (e *CommentEngine) Latest(ctx context.Context, tokenAddress string, limit int) ([]models.Comment, error) {
	if limit < 1 {
		limit = 50
	} else if limit > commentMaxLimit {
		limit = commentMaxLimit
	}
	key := cache.CommentListKey(tokenAddress)

	raw, err := e.store.LRange(ctx, key, 0, int64(limit)-1)
	if err != nil {
		log.Printf("[CommentEngine] Cache read failed for %s, falling back to DB: %v", key, err)
	}
	if len(raw) > 0 {
		comments := make([]models.Comment, 0, len(raw))
		for _, entry := range raw {
			var c models.Comment
			if err := json.Unmarshal([]byte(entry), &c); err != nil {
				log.Printf("[CommentEngine] Skipping undecodable cached comment on %s: %v", key, err)
				continue
			}
			comments = append(comments, c)
		}
		return comments, nil
	}

	comments, err := e.comments.LatestComments(ctx, strings.ToLower(tokenAddress), limit)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	if len(comments) > 0 {
		e.warmCache(ctx, key, comments)
	}
	return comments, nil
}

// warmCache seeds the list oldest-first so the head ends up newest.
func (e *CommentEngine) warmCache(ctx context.Context, key string, newestFirst []models.Comment) {
	values := make([]string, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		payload, err := json.Marshal(newestFirst[i])
		if err != nil {
			continue
		}
		values = append(values, string(payload))
	}
	if len(values) == 0 {
		return
	}
	pipe := e.store.TxPipeline()
	pipe.LPush(key, values...)
	pipe.LTrim(key, 0, commentCacheCap-1)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[CommentEngine] Cache warm failed for %s: %v", key, err)
	}
}

func (e *CommentEngine) handleCreated(ev bus.Event) {
	comment, ok := ev.Payload.(models.Comment)
	if !ok {
		log.Printf("[CommentEngine] Ignoring %s event with payload %T", ev.Topic, ev.Payload)
		return
	}
	ctx, cancel := handlerContext()
	defer cancel()

	comment.Status = models.CommentStatusPersisted
	if err := e.comments.InsertComment(ctx, comment); err != nil {
		log.Printf("[CommentEngine] Failed to persist comment %s: %v", comment.ID, err)
		return
	}

	payload, err := json.Marshal(comment)
	if err != nil {
		log.Printf("[CommentEngine] Failed to encode comment %s: %v", comment.ID, err)
		return
	}

	key := cache.CommentListKey(comment.TokenAddress)
	pipe := e.store.TxPipeline()
	pipe.LPush(key, string(payload))
	pipe.LTrim(key, 0, commentCacheCap-1)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[CommentEngine] Cache update failed for %s: %v", key, err)
	}

	if err := e.store.Publish(ctx, cache.CommentChannel(comment.TokenAddress), string(payload)); err != nil {
		log.Printf("[CommentEngine] Publish failed for comment %s: %v", comment.ID, err)
	}

	// Prune runs outside the insert; leftover rows are removed by the
	// next prune.
	if err := e.comments.PruneComments(ctx, comment.TokenAddress, commentCacheCap); err != nil {
		log.Printf("[CommentEngine] Prune failed for %s: %v", comment.TokenAddress, err)
	}
}

func newCommentID() string {
	return fmt.Sprintf("comment_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
