package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WrappedRepository records built monthly wrapped playlists.
type WrappedRepository struct {
	pool *pgxpool.Pool
}

// Create inserts a wrapped playlist record.
func (r *WrappedRepository) Create(ctx context.Context, wp *WrappedPlaylist) error {
	query := `
		INSERT INTO wrapped_playlists (id, user_id, month, playlist_id, track_count, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query,
		wp.ID,
		wp.UserID,
		wp.Month,
		wp.PlaylistID,
		wp.TrackCount,
	).Scan(&wp.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting wrapped playlist: %w", err)
	}
	return nil
}

// ListForUser retrieves a user's wrapped playlists, newest first.
func (r *WrappedRepository) ListForUser(ctx context.Context, userID string) ([]WrappedPlaylist, error) {
	query := `
		SELECT id, user_id, month, playlist_id, track_count, created_at
		FROM wrapped_playlists
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying wrapped playlists: %w", err)
	}
	defer rows.Close()

	var playlists []WrappedPlaylist
	for rows.Next() {
		var wp WrappedPlaylist
		if err := rows.Scan(
			&wp.ID,
			&wp.UserID,
			&wp.Month,
			&wp.PlaylistID,
			&wp.TrackCount,
			&wp.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning wrapped playlist: %w", err)
		}
		playlists = append(playlists, wp)
	}
	return playlists, rows.Err()
}
