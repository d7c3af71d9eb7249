package db

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered Spotify user.
type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastPollAt  *time.Time // nullable
}

// Token holds a user's Spotify OAuth credentials.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// WrappedPlaylist records a built monthly wrapped playlist.
type WrappedPlaylist struct {
	ID         uuid.UUID
	UserID     string
	Month      string // e.g. "2026-08"
	PlaylistID string // Spotify playlist ID
	TrackCount int
	CreatedAt  time.Time
}
