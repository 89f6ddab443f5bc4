package models

import "time"

// User is a wallet-identified account. Identity is the wallet address
// asserted by the caller; there is no authentication layer.
type User struct {
	ID            int64     `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Comment status values. A comment is returned to the caller as
// Processing and flips to Persisted once the background handler has
// written it to the database.
const (
	CommentStatusProcessing = "processing"
	CommentStatusPersisted  = "persisted"
)

type Comment struct {
	ID            string    `json:"id"`
	TokenAddress  string    `json:"tokenAddress"`
	UserID        int64     `json:"userId"`
	WalletAddress string    `json:"walletAddress"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	Status        string    `json:"status"`
}

// ReactionCounters holds the per-token emoji counters. Absent fields
// read as zero.
type ReactionCounters struct {
	Like  int64 `json:"like"`
	Love  int64 `json:"love"`
	Laugh int64 `json:"laugh"`
	Wow   int64 `json:"wow"`
	Sad   int64 `json:"sad"`
}

type WatchlistEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	TokenAddress string    `json:"tokenAddress"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Pagination is the page envelope returned by list endpoints.
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int64 `json:"totalPages"`
	Skip       int   `json:"skip"`
}
