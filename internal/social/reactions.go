package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

var reactionKinds = map[string]bool{
	"like": true, "love": true, "laugh": true, "wow": true, "sad": true,
}

// ReactionAck is the synchronous response to a reaction; the counter
// update happens in the background handler.
type ReactionAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type reactionRequest struct {
	TokenAddress string
	Kind         string
	Increment    int64
}

// ReactionEngine maintains the per-token emoji counter hash. The
// read-increment-readback triple runs as one pipelined transaction so
// concurrent reactions on the same token stay linearizable.
type ReactionEngine struct {
	store cache.Store
	bus   *bus.Bus
}

func NewReactionEngine(store cache.Store, b *bus.Bus) (*ReactionEngine, error) {
	e := &ReactionEngine{store: store, bus: b}
	if err := b.On(bus.TopicEmojiReacted, e.handleReacted); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ReactionEngine) React(ctx context.Context, tokenAddress, kind string, increment int64) (ReactionAck, error) {
	var problems []string
	if tokenAddress == "" {
		problems = append(problems, "tokenAddress is required")
	}
	if !reactionKinds[kind] {
		problems = append(problems, fmt.Sprintf("emoji must be one of like, love, laugh, wow, sad; got %q", kind))
	}
	if increment < 1 || increment > 3 {
		problems = append(problems, "increment must be between 1 and 3")
	}
	if len(problems) > 0 {
		return ReactionAck{}, validationError(problems)
	}

	ack := ReactionAck{ID: "reaction_" + uuid.NewString(), Status: models.CommentStatusProcessing}
	e.bus.Emit(bus.TopicEmojiReacted, bus.Event{
		AggregateID: ack.ID,
		Payload: reactionRequest{
			TokenAddress: strings.ToLower(tokenAddress),
			Kind:         kind,
			Increment:    increment,
		},
	})
	return ack, nil
}

// Counts returns the counter hash with zero defaults for absent fields.
func (e *ReactionEngine) Counts(ctx context.Context, tokenAddress string) (models.ReactionCounters, error) {
	fields, err := e.store.HGetAll(ctx, cache.EmojiKey(tokenAddress))
	if err != nil {
		return models.ReactionCounters{}, err
	}
	return normalizeCounters(fields), nil
}

func (e *ReactionEngine) handleReacted(ev bus.Event) {
	req, ok := ev.Payload.(reactionRequest)
	if !ok {
		log.Printf("[ReactionEngine] Ignoring %s event with payload %T", ev.Topic, ev.Payload)
		return
	}
	ctx, cancel := handlerContext()
	defer cancel()

	key := cache.EmojiKey(req.TokenAddress)
	pipe := e.store.TxPipeline()
	prevRes := pipe.HGet(key, req.Kind)
	newRes := pipe.HIncrBy(key, req.Kind, req.Increment)
	allRes := pipe.HGetAll(key)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[ReactionEngine] Pipeline failed for %s: %v", key, err)
		return
	}

	var prev int64
	if raw, ok := prevRes.Val(); ok {
		prev, _ = strconv.ParseInt(raw, 10, 64)
	}
	next := newRes.Val()

	if next < prev {
		// Counter regression. Restore the previous value and drop the
		// update; the revert itself is best-effort.
		log.Printf("[ReactionEngine] Counter regression on %s/%s: %d -> %d, reverting", key, req.Kind, prev, next)
		if _, err := e.store.HSet(ctx, key, req.Kind, strconv.FormatInt(prev, 10)); err != nil {
			log.Printf("[ReactionEngine] Revert failed for %s/%s: %v", key, req.Kind, err)
		}
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":          "emojiCountUpdate",
		"counts":        normalizeCounters(allRes.Val()),
		"emoji":         req.Kind,
		"previousCount": prev,
		"newCount":      next,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[ReactionEngine] Failed to encode update for %s: %v", key, err)
		return
	}
	if err := e.store.Publish(ctx, cache.EmojiChannel(req.TokenAddress), string(payload)); err != nil {
		log.Printf("[ReactionEngine] Publish failed for %s: %v", key, err)
	}
}

func normalizeCounters(fields map[string]string) models.ReactionCounters {
	get := func(kind string) int64 {
		v, _ := strconv.ParseInt(fields[kind], 10, 64)
		return v
	}
	return models.ReactionCounters{
		Like:  get("like"),
		Love:  get("love"),
		Laugh: get("laugh"),
		Wow:   get("wow"),
		Sad:   get("sad"),
	}
}
