package db

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	email         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_poll_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS tokens (
	user_id       TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	token_expiry  TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS listen_ledger (
	user_id               TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	track_id              TEXT NOT NULL,
	title                 TEXT NOT NULL,
	artists               TEXT[] NOT NULL,
	album                 TEXT NOT NULL,
	album_art_url         TEXT NOT NULL,
	length_seconds        BIGINT NOT NULL CHECK (length_seconds > 0),
	last_listen           BIGINT NOT NULL,
	listen_count          BIGINT NOT NULL CHECK (listen_count >= 0),
	time_listened_seconds BIGINT NOT NULL CHECK (time_listened_seconds >= 0),
	updated_at            TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, track_id)
);

CREATE INDEX IF NOT EXISTS listen_ledger_time_listened_idx
	ON listen_ledger (user_id, time_listened_seconds DESC);

CREATE TABLE IF NOT EXISTS wrapped_playlists (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	month       TEXT NOT NULL,
	playlist_id TEXT NOT NULL,
	track_count INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
