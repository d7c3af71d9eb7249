package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arashn/go-monthly-wrapped/internal/listens"
)

// LedgerRepository handles the per-user listen ledger.
//
// Writes go through Merge, a conditional upsert keyed on last_listen: a row
// only changes when the incoming listen is strictly newer than the stored
// one. Concurrent polls for the same user therefore cannot double-count; a
// merge that loses the race is simply dropped.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// Load reads a user's full ledger as a snapshot for planning a merge.
func (r *LedgerRepository) Load(ctx context.Context, userID string) (listens.Ledger, error) {
	query := `
		SELECT track_id, title, artists, album, album_art_url,
		       length_seconds, last_listen, listen_count, time_listened_seconds
		FROM listen_ledger
		WHERE user_id = $1
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	ledger := make(listens.Ledger)
	for rows.Next() {
		var agg listens.TrackAggregate
		if err := rows.Scan(
			&agg.TrackID,
			&agg.Title,
			&agg.Artists,
			&agg.Album,
			&agg.AlbumArtURL,
			&agg.LengthSeconds,
			&agg.LastListen,
			&agg.ListenCount,
			&agg.TimeListenedSeconds,
		); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		ledger[agg.TrackID] = agg
	}
	return ledger, rows.Err()
}

// Merge applies one listen mutation conditionally. It returns false when the
// stored last_listen is already at or past the mutation's timestamp, meaning
// another writer recorded an equal or newer state and this write was dropped.
func (r *LedgerRepository) Merge(ctx context.Context, userID string, m listens.Mutation) (bool, error) {
	query := `
		INSERT INTO listen_ledger (
			user_id, track_id, title, artists, album, album_art_url,
			length_seconds, last_listen, listen_count, time_listened_seconds, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, NOW())
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			title = EXCLUDED.title,
			artists = EXCLUDED.artists,
			album = EXCLUDED.album,
			album_art_url = EXCLUDED.album_art_url,
			length_seconds = EXCLUDED.length_seconds,
			last_listen = EXCLUDED.last_listen,
			listen_count = listen_ledger.listen_count + 1,
			time_listened_seconds = listen_ledger.time_listened_seconds + EXCLUDED.time_listened_seconds,
			updated_at = NOW()
		WHERE EXCLUDED.last_listen > listen_ledger.last_listen
	`
	result, err := r.pool.Exec(ctx, query,
		userID,
		m.TrackID,
		m.Title,
		m.Artists,
		m.Album,
		m.AlbumArtURL,
		m.LengthSeconds,
		m.PlayedAt,
		m.AttributedSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("merging listen: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// TopTracks returns a user's top tracks ordered by total listen time.
func (r *LedgerRepository) TopTracks(ctx context.Context, userID string, n int) ([]listens.TrackAggregate, error) {
	query := `
		SELECT track_id, title, artists, album, album_art_url,
		       length_seconds, last_listen, listen_count, time_listened_seconds
		FROM listen_ledger
		WHERE user_id = $1
		ORDER BY time_listened_seconds DESC, listen_count DESC, track_id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, n)
	if err != nil {
		return nil, fmt.Errorf("querying top tracks: %w", err)
	}
	defer rows.Close()

	var tracks []listens.TrackAggregate
	for rows.Next() {
		var agg listens.TrackAggregate
		if err := rows.Scan(
			&agg.TrackID,
			&agg.Title,
			&agg.Artists,
			&agg.Album,
			&agg.AlbumArtURL,
			&agg.LengthSeconds,
			&agg.LastListen,
			&agg.ListenCount,
			&agg.TimeListenedSeconds,
		); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		tracks = append(tracks, agg)
	}
	return tracks, rows.Err()
}

// Totals holds ledger-wide listen statistics for one user.
type Totals struct {
	Tracks              int64
	Listens             int64
	TimeListenedSeconds int64
}

// Totals returns a user's overall listen statistics.
func (r *LedgerRepository) Totals(ctx context.Context, userID string) (*Totals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(listen_count), 0), COALESCE(SUM(time_listened_seconds), 0)
		FROM listen_ledger
		WHERE user_id = $1
	`
	var t Totals
	err := r.pool.QueryRow(ctx, query, userID).Scan(&t.Tracks, &t.Listens, &t.TimeListenedSeconds)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	return &t, nil
}

// Clear removes all listen data for a user. This is the only operation that
// shrinks a ledger.
func (r *LedgerRepository) Clear(ctx context.Context, userID string) (int64, error) {
	query := `DELETE FROM listen_ledger WHERE user_id = $1`
	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("clearing ledger: %w", err)
	}
	return result.RowsAffected(), nil
}
