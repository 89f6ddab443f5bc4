package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenlive/discovery-engine/internal/cache"
	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/db"
	"github.com/tokenlive/discovery-engine/internal/launchpad"
	"github.com/tokenlive/discovery-engine/internal/scanner"
	"github.com/tokenlive/discovery-engine/internal/social"
	"github.com/tokenlive/discovery-engine/internal/tokens"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

type APIHandler struct {
	watchlist   *social.WatchlistEngine
	comments    *social.CommentEngine
	reactions   *social.ReactionEngine
	repo        *tokens.Repository
	tokenScan   *scanner.Scanner
	feed        *launchpad.Ingestor
	store       cache.Store
	dbStore     *db.PostgresStore
	chainRPC    chain.Backend
	broadcaster *Broadcaster
}

// NewAPIHandler wires the HTTP surface. tokenScan, dbStore, and
// chainRPC may be nil when the corresponding backend is unavailable;
// the affected endpoints degrade instead of panicking.
func NewAPIHandler(
	watchlist *social.WatchlistEngine,
	comments *social.CommentEngine,
	reactions *social.ReactionEngine,
	repo *tokens.Repository,
	tokenScan *scanner.Scanner,
	feed *launchpad.Ingestor,
	store cache.Store,
	dbStore *db.PostgresStore,
	chainRPC chain.Backend,
) *APIHandler {
	return &APIHandler{
		watchlist:   watchlist,
		comments:    comments,
		reactions:   reactions,
		repo:        repo,
		tokenScan:   tokenScan,
		feed:        feed,
		store:       store,
		dbStore:     dbStore,
		chainRPC:    chainRPC,
		broadcaster: NewBroadcaster(store),
	}
}

func SetupRouter(handler *APIHandler, allowedOrigins string, limiter *RateLimiter) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS; empty or "*" allows all.
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	if limiter != nil {
		r.Use(limiter.Middleware())
	}

	api := r.Group("/api/v1")
	{
		api.POST("/watchlist/add", handler.handleWatchlistAdd)
		api.DELETE("/watchlist/remove", handler.handleWatchlistRemove)
		api.GET("/watchlist/get", handler.handleWatchlistGet)
		api.GET("/watchlist/check/:wallet/:token", handler.handleWatchlistCheck)
		api.GET("/watchlist/count/:wallet", handler.handleWatchlistCount)

		api.POST("/comments", handler.handleCommentCreate)
		api.GET("/comments/stream/:tokenAddress", handler.handleCommentStream)
		api.GET("/comments/:tokenAddress", handler.handleCommentList)

		api.POST("/emoji/react", handler.handleEmojiReact)
		api.GET("/emoji/stream/:tokenAddress", handler.handleEmojiStream)
		api.GET("/emoji/:tokenAddress", handler.handleEmojiCounts)

		api.GET("/new-tokens/tokens", handler.handleNewTokensList)
		api.GET("/new-tokens/tokens/stream", handler.handleNewTokensStream)

		api.GET("/tokens", handler.handleTokensAll)
		api.GET("/tokens/zora", handler.handleTokensPartition(models.AppTypeZora))
		api.GET("/tokens/tba", handler.handleTokensPartition(models.AppTypeTBA))
		api.GET("/tokens/metadata", handler.handleTokensMetadata)
		api.POST("/tokens/scan", handler.handleTokensScan)

		api.GET("/health", handler.handleHealth)
		api.GET("/health/detailed", handler.handleHealthDetailed)
	}

	return r
}

type watchlistRequest struct {
	WalletAddress  string   `json:"walletAddress"`
	TokenAddresses []string `json:"tokenAddresses"`
}

func (h *APIHandler) handleWatchlistAdd(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	added, err := h.watchlist.Add(c.Request.Context(), req.WalletAddress, req.TokenAddresses)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusCreated, "", gin.H{"addedCount": added})
}

func (h *APIHandler) handleWatchlistRemove(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	removed, err := h.watchlist.Remove(c.Request.Context(), req.WalletAddress, req.TokenAddresses)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{"removedCount": removed})
}

func (h *APIHandler) handleWatchlistGet(c *gin.Context) {
	wallet := c.Query("walletAddress")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.watchlist.List(c.Request.Context(), wallet, page, limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", result)
}

func (h *APIHandler) handleWatchlistCheck(c *gin.Context) {
	ok, err := h.watchlist.Contains(c.Request.Context(), c.Param("wallet"), c.Param("token"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{"isInWatchlist": ok})
}

func (h *APIHandler) handleWatchlistCount(c *gin.Context) {
	count, err := h.watchlist.Count(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{"count": count})
}

type commentRequest struct {
	TokenAddress  string `json:"tokenAddress"`
	WalletAddress string `json:"walletAddress"`
	Content       string `json:"content"`
}

func (h *APIHandler) handleCommentCreate(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	stub, err := h.comments.Create(c.Request.Context(), req.TokenAddress, req.WalletAddress, req.Content)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusCreated, "comment accepted", stub)
}

func (h *APIHandler) handleCommentList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	comments, err := h.comments.Latest(c.Request.Context(), c.Param("tokenAddress"), limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", comments)
}

func (h *APIHandler) handleCommentStream(c *gin.Context) {
	token := c.Param("tokenAddress")
	initial, _ := strconv.Atoi(c.DefaultQuery("initial", "50"))
	if initial < 1 {
		initial = 50
	} else if initial > 100 {
		initial = 100
	}

	comments, err := h.comments.Latest(c.Request.Context(), token, initial)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load initial comments")
		return
	}
	snapshot, err := jsonBytes(comments)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to encode initial comments")
		return
	}

	h.serveSSE(c, sseStream{
		channel:       cache.CommentChannel(token),
		snapshotEvent: "initialComments",
		snapshot:      snapshot,
		deltaEvent:    "newComment",
	})
}

type reactRequest struct {
	TokenAddress string `json:"tokenAddress"`
	Emoji        string `json:"emoji"`
	Increment    int64  `json:"increment"`
}

func (h *APIHandler) handleEmojiReact(c *gin.Context) {
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	ack, err := h.reactions.React(c.Request.Context(), req.TokenAddress, req.Emoji, req.Increment)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusCreated, "reaction accepted", ack)
}

func (h *APIHandler) handleEmojiCounts(c *gin.Context) {
	counts, err := h.reactions.Counts(c.Request.Context(), c.Param("tokenAddress"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "", counts)
}

func (h *APIHandler) handleEmojiStream(c *gin.Context) {
	token := c.Param("tokenAddress")
	counts, err := h.reactions.Counts(c.Request.Context(), token)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load counters")
		return
	}
	snapshot, err := jsonBytes(counts)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to encode counters")
		return
	}

	h.serveSSE(c, sseStream{
		channel:       cache.EmojiChannel(token),
		snapshotEvent: "initialEmojiCounts",
		snapshot:      snapshot,
		deltaEvent:    "emojiCountUpdate",
	})
}

func (h *APIHandler) handleNewTokensList(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "-1"))
	if err != nil {
		offset = -1
	}

	result, listErr := h.feed.ListTokens(c.Request.Context(), page, limit, offset)
	if listErr != nil {
		respondError(c, http.StatusInternalServerError, "failed to load launchpad tokens")
		return
	}
	respond(c, http.StatusOK, "", result)
}

func (h *APIHandler) handleNewTokensStream(c *gin.Context) {
	initial, _ := strconv.Atoi(c.DefaultQuery("initial", "100"))
	if initial < 1 || initial > 100 {
		initial = 100
	}
	snapshotTokens, err := h.feed.Snapshot(c.Request.Context(), initial)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	snapshot, err := jsonBytes(snapshotTokens)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to encode snapshot")
		return
	}

	// Deltas on this stream are anonymous events: data lines only.
	h.serveSSE(c, sseStream{
		channel:       cache.NewTokensChannel,
		snapshotEvent: "snapshot",
		snapshot:      snapshot,
		deltaEvent:    "",
	})
}

func (h *APIHandler) handleTokensAll(c *gin.Context) {
	parts, err := h.repo.All(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load tokens")
		return
	}
	if len(parts) == 0 {
		respondError(c, http.StatusNotFound, "no tokens discovered yet")
		return
	}
	respond(c, http.StatusOK, "", parts)
}

func (h *APIHandler) handleTokensPartition(appType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		part, err := h.repo.Partition(c.Request.Context(), appType)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "failed to load tokens")
			return
		}
		if part == nil {
			respondError(c, http.StatusNotFound, "no tokens discovered yet")
			return
		}
		respond(c, http.StatusOK, "", part)
	}
}

func (h *APIHandler) handleTokensMetadata(c *gin.Context) {
	meta, err := h.repo.Meta(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	if len(meta) == 0 {
		respondError(c, http.StatusNotFound, "no tokens discovered yet")
		return
	}
	respond(c, http.StatusOK, "", meta)
}

func (h *APIHandler) handleTokensScan(c *gin.Context) {
	if h.tokenScan == nil {
		respondError(c, http.StatusServiceUnavailable, "scanner not available")
		return
	}
	result, err := h.tokenScan.ScanOnce(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respond(c, http.StatusOK, "scan complete", result)
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, "", gin.H{
		"status":    "operational",
		"service":   "token-discovery-engine",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *APIHandler) handleHealthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["kv"] = gin.H{"connected": false, "error": err.Error()}
		healthy = false
	} else {
		checks["kv"] = gin.H{"connected": true}
	}

	if h.dbStore == nil {
		checks["database"] = gin.H{"connected": false}
		healthy = false
	} else if err := h.dbStore.GetPool().Ping(ctx); err != nil {
		checks["database"] = gin.H{"connected": false, "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = gin.H{"connected": true}
	}

	if h.chainRPC == nil {
		checks["rpc"] = gin.H{"connected": false}
	} else if head, err := h.chainRPC.LatestBlockNumber(ctx); err != nil {
		checks["rpc"] = gin.H{"connected": false, "error": err.Error()}
	} else {
		checks["rpc"] = gin.H{"connected": true, "latestBlock": head}
	}

	status := "operational"
	if !healthy {
		status = "degraded"
	}
	body := gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.tokenScan != nil {
		body["scanner"] = h.tokenScan.Progress()
	}
	respond(c, http.StatusOK, "", body)
}

func jsonBytes(v any) ([]byte, error) {
	return json.Marshal(v)
}
