// Package launchpad ingests the upstream launchpad token feed over a
// websocket, filters it against the configured network/protocol
// allow-lists, and republishes accepted tokens through the event bus
// and the KV store for the REST and SSE surfaces.
package launchpad

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

const (
	feedTTL      = 86400 * time.Second
	feedListCap  = 200
	maxBackoff   = 30 * time.Second
	initialDelay = time.Second

	listMaxLimit     = 100
	listDefaultLimit = 50
)

type Config struct {
	URL        string
	APIKey     string
	Protocols  []string
	NetworkIDs []int64
}

// feedConn is the slice of *websocket.Conn the ingestor reads.
type feedConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (feedConn, error)

// feedFrame is one upstream message: a typed batch of token items.
type feedFrame struct {
	Type string                  `json:"type"`
	Data []models.LaunchpadToken `json:"data"`
}

// TokenPage is one page of the cached launchpad list.
type TokenPage struct {
	Data       []models.LaunchpadToken `json:"data"`
	Pagination models.Pagination       `json:"pagination"`
}

// Ingestor holds the upstream connection and the handler that folds
// accepted tokens into the KV store.
type Ingestor struct {
	cfg       Config
	store     cache.Store
	bus       *bus.Bus
	protocols map[string]bool
	networks  map[int64]bool
	dial      dialFunc
}

func NewIngestor(cfg Config, store cache.Store, b *bus.Bus) (*Ingestor, error) {
	ing := &Ingestor{
		cfg:       cfg,
		store:     store,
		bus:       b,
		protocols: make(map[string]bool, len(cfg.Protocols)),
		networks:  make(map[int64]bool, len(cfg.NetworkIDs)),
		dial: func(ctx context.Context, url string, header http.Header) (feedConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		},
	}
	for _, p := range cfg.Protocols {
		ing.protocols[strings.ToLower(p)] = true
	}
	for _, id := range cfg.NetworkIDs {
		ing.networks[id] = true
	}
	if err := b.On(bus.TopicNewTokenCreated, ing.handleNewToken); err != nil {
		return nil, err
	}
	return ing, nil
}

// Run keeps the upstream connection alive until ctx is cancelled,
// backing off exponentially between reconnects. Feed state is fully
// recoverable from the next batch, so a dropped connection loses
// nothing durable.
func (i *Ingestor) Run(ctx context.Context) {
	log.Printf("[Launchpad] Starting feed ingestor (%s)", i.cfg.URL)
	delay := initialDelay
	for {
		if ctx.Err() != nil {
			log.Println("[Launchpad] Stopping feed ingestor...")
			return
		}

		if err := i.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Launchpad] Connection lost, reconnecting in %s: %v", delay, err)
		}

		select {
		case <-ctx.Done():
			log.Println("[Launchpad] Stopping feed ingestor...")
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

func (i *Ingestor) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if i.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	}
	conn, err := i.dial(ctx, i.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	log.Println("[Launchpad] Connected to upstream feed")

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		i.handleFrame(payload)
	}
}

func (i *Ingestor) handleFrame(payload []byte) {
	var frame feedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("[Launchpad] Skipping undecodable frame: %v", err)
		return
	}
	for _, token := range frame.Data {
		if !i.accepts(token) {
			continue
		}
		token.Address = strings.ToLower(token.Address)
		if token.Timestamp == 0 {
			token.Timestamp = time.Now().UnixMilli()
		}
		i.bus.Emit(bus.TopicNewTokenCreated, bus.Event{AggregateID: token.Address, Payload: token})
	}
}

// accepts applies the (networkId, protocol) allow-lists. An empty list
// allows everything for that dimension.
func (i *Ingestor) accepts(token models.LaunchpadToken) bool {
	if token.Address == "" {
		return false
	}
	if len(i.networks) > 0 && !i.networks[token.NetworkID] {
		return false
	}
	if len(i.protocols) > 0 && !i.protocols[strings.ToLower(token.Protocol)] {
		return false
	}
	return true
}

func (i *Ingestor) handleNewToken(ev bus.Event) {
	token, ok := ev.Payload.(models.LaunchpadToken)
	if !ok {
		log.Printf("[Launchpad] Ignoring %s event with payload %T", ev.Topic, ev.Payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := i.store.HSet(ctx, cache.NewTokensEvents, token.Address, "1")
	if err != nil {
		log.Printf("[Launchpad] Dedup check failed for %s: %v", token.Address, err)
		return
	}
	if !created {
		return
	}
	if err := i.store.Expire(ctx, cache.NewTokensEvents, feedTTL); err != nil {
		log.Printf("[Launchpad] Failed to refresh dedup TTL: %v", err)
	}

	payload, err := json.Marshal(token)
	if err != nil {
		log.Printf("[Launchpad] Failed to encode token %s: %v", token.Address, err)
		return
	}

	pipe := i.store.TxPipeline()
	pipe.LPush(cache.NewTokensList, string(payload))
	pipe.LTrim(cache.NewTokensList, 0, feedListCap-1)
	pipe.Expire(cache.NewTokensList, feedTTL)
	if err := pipe.Exec(ctx); err != nil {
		log.Printf("[Launchpad] Cache update failed for %s: %v", token.Address, err)
		return
	}

	if err := i.store.Publish(ctx, cache.NewTokensChannel, string(payload)); err != nil {
		log.Printf("[Launchpad] Publish failed for %s: %v", token.Address, err)
	}
}

// ListTokens pages through the cached feed list, newest first. A
// non-negative offset overrides page-based addressing.
func (i *Ingestor) ListTokens(ctx context.Context, page, limit, offset int) (TokenPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = listDefaultLimit
	} else if limit > listMaxLimit {
		limit = listMaxLimit
	}
	skip := (page - 1) * limit
	if offset >= 0 {
		skip = offset
	}

	total, err := i.store.LLen(ctx, cache.NewTokensList)
	if err != nil {
		return TokenPage{}, err
	}

	raw, err := i.store.LRange(ctx, cache.NewTokensList, int64(skip), int64(skip+limit-1))
	if err != nil {
		return TokenPage{}, err
	}
	tokens := make([]models.LaunchpadToken, 0, len(raw))
	for _, entry := range raw {
		var token models.LaunchpadToken
		if err := json.Unmarshal([]byte(entry), &token); err != nil {
			log.Printf("[Launchpad] Skipping undecodable cached token: %v", err)
			continue
		}
		tokens = append(tokens, token)
	}

	totalPages := total / int64(limit)
	if total%int64(limit) != 0 {
		totalPages++
	}
	return TokenPage{
		Data: tokens,
		Pagination: models.Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages,
			Skip:       skip,
		},
	}, nil
}

// Snapshot returns up to limit newest cached tokens for SSE snapshots.
func (i *Ingestor) Snapshot(ctx context.Context, limit int) ([]models.LaunchpadToken, error) {
	if limit < 1 || limit > listMaxLimit {
		limit = listMaxLimit
	}
	page, err := i.ListTokens(ctx, 1, limit, 0)
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}
