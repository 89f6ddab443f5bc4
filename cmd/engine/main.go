package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenlive/discovery-engine/internal/api"
	"github.com/tokenlive/discovery-engine/internal/bus"
	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/db"
	"github.com/tokenlive/discovery-engine/internal/launchpad"
	"github.com/tokenlive/discovery-engine/internal/retry"
	"github.com/tokenlive/discovery-engine/internal/scanner"
	"github.com/tokenlive/discovery-engine/internal/social"
	"github.com/tokenlive/discovery-engine/internal/tokens"
)

func main() {
	log.Println("Starting Token Discovery Engine...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	redisURL := requireEnv("REDIS_URL")
	dbURL := requireEnv("DATABASE_URL")

	store := connectKV(ctx, redisURL)
	defer store.Close()

	dbConn := connectDB(dbURL)
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Fatalf("FATAL: DB schema init failed: %v", err)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	commentEngine, err := social.NewCommentEngine(dbConn, dbConn, store, eventBus)
	if err != nil {
		log.Fatalf("FATAL: comment engine: %v", err)
	}
	reactionEngine, err := social.NewReactionEngine(store, eventBus)
	if err != nil {
		log.Fatalf("FATAL: reaction engine: %v", err)
	}
	watchlistEngine := social.NewWatchlistEngine(dbConn, dbConn, store, eventBus)

	tokenTTL := time.Duration(envInt("TOKEN_CACHE_TTL_SECONDS", 3600)) * time.Second
	repo := tokens.NewRepository(store, eventBus, tokenTTL)

	feed, err := launchpad.NewIngestor(launchpad.Config{
		URL:        getEnvOrDefault("LAUNCHPAD_FEED_URL", ""),
		APIKey:     getEnvOrDefault("LAUNCHPAD_API_KEY", ""),
		Protocols:  splitCSV(getEnvOrDefault("LAUNCHPAD_PROTOCOLS", "")),
		NetworkIDs: parseInt64List(getEnvOrDefault("LAUNCHPAD_NETWORK_IDS", "")),
	}, store, eventBus)
	if err != nil {
		log.Fatalf("FATAL: launchpad ingestor: %v", err)
	}
	if os.Getenv("LAUNCHPAD_FEED_URL") != "" {
		go feed.Run(ctx)
	} else {
		log.Println("Warning: LAUNCHPAD_FEED_URL not set, launchpad feed disabled")
	}

	// The scanner is optional: an unreachable RPC node degrades the
	// service to its social/launchpad surfaces instead of killing it.
	tokenScanner, backend := buildScanner(ctx, repo)
	if tokenScanner != nil {
		go tokenScanner.Run(ctx)
	}

	limiter := api.NewRateLimiter(envInt("RATE_LIMIT_PER_MIN", 300), envInt("RATE_LIMIT_BURST", 50))
	handler := api.NewAPIHandler(watchlistEngine, commentEngine, reactionEngine, repo, tokenScanner, feed, store, dbConn, backend)
	r := api.SetupRouter(handler, getEnvOrDefault("ALLOWED_ORIGINS", "*"), limiter)

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectKV dials the KV store with a short bounded retry. The cache
// and pub/sub layers are load-bearing, so failure here is fatal.
func connectKV(ctx context.Context, url string) *cache.RedisStore {
	var store *cache.RedisStore
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		store, err = cache.NewRedisStore(ctx, url)
		if err == nil {
			return store
		}
		log.Printf("Warning: Redis connect attempt %d failed: %v", attempt, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	log.Fatalf("FATAL: Failed to connect to Redis: %v", err)
	return nil
}

func connectDB(url string) *db.PostgresStore {
	var conn *db.PostgresStore
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err = db.Connect(url)
		if err == nil {
			return conn
		}
		log.Printf("Warning: PostgreSQL connect attempt %d failed: %v", attempt, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
	return nil
}

// buildScanner wires the chain gateway and discovery pipeline. Returns
// nils when the RPC endpoint is not configured or unreachable.
func buildScanner(ctx context.Context, repo *tokens.Repository) (*scanner.Scanner, chain.Backend) {
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		log.Println("Warning: RPC_URL not set, token scanner disabled")
		return nil, nil
	}

	chainID := uint64(envInt("CHAIN_ID", 8453))
	client, err := chain.NewClient(ctx, chain.Config{
		RPCURL:      rpcURL,
		ChainID:     chainID,
		PoolManager: common.HexToAddress(requireEnv("POOL_MANAGER_ADDRESS")),
		StateView:   common.HexToAddress(requireEnv("STATE_VIEW_ADDRESS")),
	})
	if err != nil {
		log.Printf("Warning: Failed to connect to chain RPC, token scanner disabled: %v", err)
		return nil, nil
	}

	retryCfg := retry.DefaultConfig()
	resolver := chain.NewResolver(client, chainID,
		getEnvOrDefault("NATIVE_CURRENCY_NAME", "Ether"),
		getEnvOrDefault("NATIVE_CURRENCY_SYMBOL", "ETH"),
		retryCfg)

	classifier := scanner.ClassifierConfig{
		Hooks:        parseHookMap(requireEnv("HOOK_COIN_TYPES")),
		BasePairings: parseAddressSet(requireEnv("BASE_PAIRINGS")),
	}
	processor := scanner.NewProcessor(client, resolver, classifier, retryCfg)
	timestamps := scanner.NewTimestampResolver(client, retryCfg)

	cfg := scanner.Config{
		StartBlock: uint64(envInt("SCANNER_START_BLOCK", 0)),
		BlockRange: uint64(envInt("SCANNER_BLOCK_RANGE", 10)),
		Interval:   time.Duration(envInt("SCANNER_INTERVAL_SECONDS", 2)) * time.Second,
		Window:     scanner.WindowMode(requireEnv("SCANNER_WINDOW")),
	}
	s, err := scanner.New(cfg, client, processor, timestamps, repo, retryCfg)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	return s, client
}

// parseHookMap parses "0xabc..=CREATOR_COIN,0xdef..=AGENT_COIN".
func parseHookMap(raw string) map[common.Address]string {
	out := make(map[common.Address]string)
	for _, pair := range splitCSV(raw) {
		addr, coinType, ok := strings.Cut(pair, "=")
		if !ok {
			log.Fatalf("FATAL: HOOK_COIN_TYPES entry %q must be address=COIN_TYPE", pair)
		}
		out[common.HexToAddress(strings.TrimSpace(addr))] = strings.TrimSpace(coinType)
	}
	if len(out) == 0 {
		log.Fatal("FATAL: HOOK_COIN_TYPES must name at least one hook")
	}
	return out
}

func parseAddressSet(raw string) map[common.Address]bool {
	out := make(map[common.Address]bool)
	for _, addr := range splitCSV(raw) {
		out[common.HexToAddress(addr)] = true
	}
	return out
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range splitCSV(raw) {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Fatalf("FATAL: invalid network id %q: %v", part, err)
		}
		out = append(out, n)
	}
	return out
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q", key, raw)
	}
	return n
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
