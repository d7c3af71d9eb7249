package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenRepository handles OAuth credential storage. One row per user.
type TokenRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves a user's tokens.
func (r *TokenRepository) Get(ctx context.Context, userID string) (*Token, error) {
	query := `
		SELECT user_id, access_token, refresh_token, token_expiry, updated_at
		FROM tokens
		WHERE user_id = $1
	`
	var token Token
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&token.UserID,
		&token.AccessToken,
		&token.RefreshToken,
		&token.Expiry,
		&token.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return &token, nil
}

// Save creates or replaces a user's tokens. Callers must persist refreshed
// credentials through here before retrying a fetch with them.
func (r *TokenRepository) Save(ctx context.Context, token *Token) error {
	query := `
		INSERT INTO tokens (user_id, access_token, refresh_token, token_expiry, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		token.UserID,
		token.AccessToken,
		token.RefreshToken,
		token.Expiry,
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// Delete removes a user's tokens.
func (r *TokenRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM tokens WHERE user_id = $1`
	_, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}
