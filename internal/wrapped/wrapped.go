// Package wrapped builds the monthly wrapped playlist from a user's listen
// ledger.
package wrapped

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/listens"
)

// ErrNoListenData is returned when a user's ledger is empty.
var ErrNoListenData = errors.New("no listen data recorded")

// LedgerStore provides the bulk ledger reads and the reset.
type LedgerStore interface {
	TopTracks(ctx context.Context, userID string, n int) ([]listens.TrackAggregate, error)
	Clear(ctx context.Context, userID string) (int64, error)
}

// Recorder persists the record of a built playlist.
type Recorder interface {
	Create(ctx context.Context, wp *db.WrappedPlaylist) error
}

// PlaylistCreator performs the stateless playlist API calls.
type PlaylistCreator interface {
	CreatePlaylist(ctx context.Context, name, description string, public bool) (string, error)
	AddTracksToPlaylist(ctx context.Context, playlistID string, trackIDs []string) error
}

// Service builds wrapped playlists.
type Service struct {
	ledger      LedgerStore
	recorder    Recorder
	log         zerolog.Logger
	topN        int
	resetLedger bool
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTopN sets the number of tracks in a wrapped playlist.
func WithTopN(n int) Option {
	return func(s *Service) { s.topN = n }
}

// WithLedgerReset clears the user's listen data after a successful build,
// so the next month starts from zero.
func WithLedgerReset(reset bool) Option {
	return func(s *Service) { s.resetLedger = reset }
}

// New creates a wrapped service.
func New(ledger LedgerStore, recorder Recorder, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		recorder: recorder,
		log:      log,
		topN:     30,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result describes a built wrapped playlist.
type Result struct {
	PlaylistID string
	Name       string
	TrackCount int
}

// Build creates a playlist of the user's top tracks by listen time, appends
// the tracks, and records the build. The playlist calls run against the
// caller's authenticated client since they need the user's own token.
func (s *Service) Build(ctx context.Context, userID string, client PlaylistCreator) (*Result, error) {
	top, err := s.ledger.TopTracks(ctx, userID, s.topN)
	if err != nil {
		return nil, fmt.Errorf("loading top tracks: %w", err)
	}
	if len(top) == 0 {
		return nil, ErrNoListenData
	}

	now := s.now()
	name := "Monthly Wrapped " + now.Format("January 2006")
	description := fmt.Sprintf("Your top %d tracks, built %s", len(top), now.Format("Jan 2, 2006"))

	playlistID, err := client.CreatePlaylist(ctx, name, description, false)
	if err != nil {
		return nil, fmt.Errorf("creating playlist: %w", err)
	}

	trackIDs := make([]string, len(top))
	for i, agg := range top {
		trackIDs[i] = agg.TrackID
	}
	if err := client.AddTracksToPlaylist(ctx, playlistID, trackIDs); err != nil {
		return nil, fmt.Errorf("appending tracks: %w", err)
	}

	if err := s.recorder.Create(ctx, &db.WrappedPlaylist{
		ID:         uuid.New(),
		UserID:     userID,
		Month:      now.Format("2006-01"),
		PlaylistID: playlistID,
		TrackCount: len(trackIDs),
	}); err != nil {
		return nil, fmt.Errorf("recording wrapped playlist: %w", err)
	}

	if s.resetLedger {
		removed, err := s.ledger.Clear(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("resetting ledger: %w", err)
		}
		s.log.Info().Str("user", userID).Int64("tracks", removed).Msg("ledger reset after wrapped build")
	}

	return &Result{
		PlaylistID: playlistID,
		Name:       name,
		TrackCount: len(trackIDs),
	}, nil
}
