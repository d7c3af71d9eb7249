// Package auth provides Spotify OAuth2 setup and refresh-token exchange.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/arashn/go-monthly-wrapped/internal/db"
)

// ErrAuthFailurePersistent is returned when exchanging the refresh token
// fails or a retried fetch is still unauthorized. The poll is terminal for
// this user; re-authentication through the web flow is required.
var ErrAuthFailurePersistent = errors.New("persistent authorization failure")

const refreshTimeout = 10 * time.Second

// NewAuthenticator builds the spotifyauth authenticator used by the web
// login flow.
func NewAuthenticator(clientID, clientSecret, redirectURL string) *spotifyauth.Authenticator {
	return spotifyauth.New(
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(clientSecret),
		spotifyauth.WithRedirectURL(redirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopeUserReadPrivate,
			spotifyauth.ScopeUserReadEmail,
			spotifyauth.ScopePlaylistModifyPublic,
			spotifyauth.ScopePlaylistModifyPrivate,
		),
	)
}

// TokenStore persists refreshed credentials.
type TokenStore interface {
	Save(ctx context.Context, token *db.Token) error
}

// Refresher exchanges refresh tokens for new access tokens and persists them.
type Refresher struct {
	conf  *oauth2.Config
	store TokenStore
}

// NewRefresher creates a Refresher for the given Spotify app credentials.
func NewRefresher(clientID, clientSecret string, store TokenStore) *Refresher {
	return &Refresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyauth.AuthURL,
				TokenURL: spotifyauth.TokenURL,
			},
		},
		store: store,
	}
}

// Refresh exchanges the refresh token for a new access token and persists
// the credentials before returning, so a retried fetch never runs ahead of
// storage. Spotify rotates the refresh token only sometimes; the old one is
// kept when no replacement is returned. Any failure maps to
// ErrAuthFailurePersistent.
func (r *Refresher) Refresh(ctx context.Context, userID, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	src := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging refresh token: %v", ErrAuthFailurePersistent, err)
	}

	newRefresh := refreshToken
	if token.RefreshToken != "" {
		newRefresh = token.RefreshToken
	}

	if err := r.store.Save(ctx, &db.Token{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: newRefresh,
		Expiry:       token.Expiry,
	}); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}

	token.RefreshToken = newRefresh
	return token, nil
}
