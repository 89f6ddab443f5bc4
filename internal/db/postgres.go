package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[DB] Successfully connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("[DB] Schema initialized")
	return nil
}

// GetOrCreateUser upserts a user keyed by wallet address. Addresses
// are stored lowercased; callers normalize before reaching here.
func (s *PostgresStore) GetOrCreateUser(ctx context.Context, walletAddress string) (models.User, error) {
	sql := `
		INSERT INTO users (wallet_address)
		VALUES ($1)
		ON CONFLICT (wallet_address) DO UPDATE SET updated_at = NOW()
		RETURNING id, wallet_address, created_at, updated_at;
	`
	var u models.User
	err := s.pool.QueryRow(ctx, sql, walletAddress).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetUserByWallet looks up a user without creating one. Returns
// ErrNotFound when the wallet has never interacted.
func (s *PostgresStore) GetUserByWallet(ctx context.Context, walletAddress string) (models.User, error) {
	sql := `SELECT id, wallet_address, created_at, updated_at FROM users WHERE wallet_address = $1`
	var u models.User
	err := s.pool.QueryRow(ctx, sql, walletAddress).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// InsertComment persists one comment row.
func (s *PostgresStore) InsertComment(ctx context.Context, c models.Comment) error {
	sql := `
		INSERT INTO comments (id, token_address, user_id, wallet_address, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		c.ID, c.TokenAddress, c.UserID, c.WalletAddress, c.Content, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// LatestComments returns up to limit comments for a token, newest first.
func (s *PostgresStore) LatestComments(ctx context.Context, tokenAddress string, limit int) ([]models.Comment, error) {
	sql := `
		SELECT id, token_address, user_id, wallet_address, content, status, created_at
		FROM comments
		WHERE token_address = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, tokenAddress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]models.Comment, 0)
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.TokenAddress, &c.UserID, &c.WalletAddress,
			&c.Content, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// PruneComments deletes everything but the newest keep comments for a
// token. Runs outside the insert transaction; a failed prune leaves
// extra rows that the next prune removes.
func (s *PostgresStore) PruneComments(ctx context.Context, tokenAddress string, keep int) error {
	sql := `
		DELETE FROM comments
		WHERE token_address = $1
		  AND id NOT IN (
			SELECT id FROM comments
			WHERE token_address = $1
			ORDER BY created_at DESC
			LIMIT $2
		  );
	`
	_, err := s.pool.Exec(ctx, sql, tokenAddress, keep)
	return err
}

// AddWatchlistEntries inserts the given tokens for a user, skipping
// duplicates, all in one transaction.
func (s *PostgresStore) AddWatchlistEntries(ctx context.Context, userID int64, tokenAddresses []string) error {
	if len(tokenAddresses) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sql := `
		INSERT INTO watchlist_entries (user_id, token_address)
		VALUES ($1, $2)
		ON CONFLICT (user_id, token_address) DO NOTHING;
	`
	for _, addr := range tokenAddresses {
		if _, err := tx.Exec(ctx, sql, userID, addr); err != nil {
			return fmt.Errorf("insert watchlist entry %s: %w", addr, err)
		}
	}
	return tx.Commit(ctx)
}

// ExistingWatchlistTokens returns which of the candidate tokens the
// user already watches.
func (s *PostgresStore) ExistingWatchlistTokens(ctx context.Context, userID int64, tokenAddresses []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(tokenAddresses))
	if len(tokenAddresses) == 0 {
		return existing, nil
	}
	sql := `
		SELECT token_address FROM watchlist_entries
		WHERE user_id = $1 AND token_address = ANY($2);
	`
	rows, err := s.pool.Query(ctx, sql, userID, tokenAddresses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		existing[addr] = true
	}
	return existing, rows.Err()
}

// RemoveWatchlistEntries deletes the given tokens from a user's
// watchlist and reports how many rows actually went away.
func (s *PostgresStore) RemoveWatchlistEntries(ctx context.Context, userID int64, tokenAddresses []string) (int64, error) {
	if len(tokenAddresses) == 0 {
		return 0, nil
	}
	sql := `DELETE FROM watchlist_entries WHERE user_id = $1 AND token_address = ANY($2);`
	result, err := s.pool.Exec(ctx, sql, userID, tokenAddresses)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ListWatchlist returns one page of a user's watchlist, newest first,
// plus the total row count for pagination.
func (s *PostgresStore) ListWatchlist(ctx context.Context, userID int64, limit, offset int) ([]models.WatchlistEntry, int64, error) {
	var total int64
	countSQL := `SELECT COUNT(*) FROM watchlist_entries WHERE user_id = $1`
	if err := s.pool.QueryRow(ctx, countSQL, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT id, user_id, token_address, created_at, updated_at
		FROM watchlist_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, dataSQL, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]models.WatchlistEntry, 0)
	for rows.Next() {
		var e models.WatchlistEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TokenAddress, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// HasWatchlistToken reports whether the user watches the token.
func (s *PostgresStore) HasWatchlistToken(ctx context.Context, userID int64, tokenAddress string) (bool, error) {
	sql := `SELECT EXISTS(SELECT 1 FROM watchlist_entries WHERE user_id = $1 AND token_address = $2)`
	var exists bool
	err := s.pool.QueryRow(ctx, sql, userID, tokenAddress).Scan(&exists)
	return exists, err
}

// CountWatchlist returns the size of a user's watchlist.
func (s *PostgresStore) CountWatchlist(ctx context.Context, userID int64) (int64, error) {
	sql := `SELECT COUNT(*) FROM watchlist_entries WHERE user_id = $1`
	var count int64
	err := s.pool.QueryRow(ctx, sql, userID).Scan(&count)
	return count, err
}

// GetPool exposes the connection pool for health checks.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
