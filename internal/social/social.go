// Package social holds the comment, reaction, and watchlist engines.
// Writes follow the same shape everywhere: validate synchronously,
// publish an event, return immediately; a background handler does the
// durable work and pushes the live update. Postgres is the source of
// truth, the KV store is the read accelerator.
package social

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tokenlive/discovery-engine/internal/db"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

// Sentinel errors the HTTP layer translates to status codes.
// ErrNotFound is shared with the db package so store implementations
// and engines agree on one sentinel.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = db.ErrNotFound
)

// handlerTimeout bounds the background event handlers, which run
// detached from any request context.
const handlerTimeout = 10 * time.Second

var walletRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func validationError(problems []string) error {
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
}

func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// UserStore is the persistent user surface the engines need.
// GetUserByWallet reports an absent wallet via an error matching
// ErrNotFound.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, walletAddress string) (models.User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (models.User, error)
}

// CommentStore is the persistent comment surface.
type CommentStore interface {
	InsertComment(ctx context.Context, c models.Comment) error
	LatestComments(ctx context.Context, tokenAddress string, limit int) ([]models.Comment, error)
	PruneComments(ctx context.Context, tokenAddress string, keep int) error
}

// WatchlistStore is the persistent watchlist surface.
type WatchlistStore interface {
	AddWatchlistEntries(ctx context.Context, userID int64, tokenAddresses []string) error
	ExistingWatchlistTokens(ctx context.Context, userID int64, tokenAddresses []string) (map[string]bool, error)
	RemoveWatchlistEntries(ctx context.Context, userID int64, tokenAddresses []string) (int64, error)
	ListWatchlist(ctx context.Context, userID int64, limit, offset int) ([]models.WatchlistEntry, int64, error)
	HasWatchlistToken(ctx context.Context, userID int64, tokenAddress string) (bool, error)
	CountWatchlist(ctx context.Context, userID int64) (int64, error)
}
