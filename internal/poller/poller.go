// Package poller orchestrates the fetch-and-merge cycle for each user.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/arashn/go-monthly-wrapped/internal/auth"
	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/feed"
	"github.com/arashn/go-monthly-wrapped/internal/listens"
	"github.com/arashn/go-monthly-wrapped/internal/metrics"
	"github.com/arashn/go-monthly-wrapped/internal/spotify"
)

// ErrPollInFlight is returned when a poll for the user is already running.
// At most one poll per user may be in flight at a time.
var ErrPollInFlight = errors.New("poll already in flight for user")

// FeedSource fetches the recently-played feed.
type FeedSource interface {
	RecentlyPlayed(ctx context.Context, accessToken string, beforeMS int64, limit int) ([]feed.RawItem, error)
}

// CredentialRefresher exchanges and persists refreshed credentials.
type CredentialRefresher interface {
	Refresh(ctx context.Context, userID, refreshToken string) (*oauth2.Token, error)
}

// TokenStore reads stored credentials.
type TokenStore interface {
	Get(ctx context.Context, userID string) (*db.Token, error)
}

// LedgerStore reads ledger snapshots and applies conditional merges.
type LedgerStore interface {
	Load(ctx context.Context, userID string) (listens.Ledger, error)
	Merge(ctx context.Context, userID string, m listens.Mutation) (bool, error)
}

// UserStore lists users for the scheduled sweep.
type UserStore interface {
	List(ctx context.Context) ([]db.User, error)
	UpdateLastPoll(ctx context.Context, id string, pollTime time.Time) error
}

// Service runs polls. All collaborators are injected; the service owns no
// connections itself.
type Service struct {
	users       UserStore
	tokens      TokenStore
	ledger      LedgerStore
	source      FeedSource
	refresher   CredentialRefresher
	metrics     *metrics.Metrics
	log         zerolog.Logger
	limit       int
	concurrency int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLimit sets the number of feed items requested per poll.
func WithLimit(n int) Option {
	return func(s *Service) { s.limit = n }
}

// WithConcurrency bounds how many users PollAll works on at once.
func WithConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// New creates a poll service.
func New(users UserStore, tokens TokenStore, ledger LedgerStore, source FeedSource, refresher CredentialRefresher, m *metrics.Metrics, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		users:       users,
		tokens:      tokens,
		ledger:      ledger,
		source:      source,
		refresher:   refresher,
		metrics:     m,
		log:         log,
		limit:       spotify.MaxFeedLimit,
		concurrency: 4,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarizes one user poll.
type Result struct {
	Events    int // normalized play events in the batch
	Merged    int // mutations applied
	Conflicts int // mutations dropped by the conditional update
}

// PollUser runs one fetch-and-merge cycle for a user.
//
// Feed invariant violations (malformed timestamps, non-monotonic ordering)
// abort the poll before any ledger mutation and are surfaced; the scheduler
// retries on the next cycle, never within this one. An expired access token
// triggers exactly one refresh and one retried fetch.
func (s *Service) PollUser(ctx context.Context, userID string) (*Result, error) {
	if !s.acquire(userID) {
		return nil, fmt.Errorf("%w: %s", ErrPollInFlight, userID)
	}
	defer s.release(userID)

	start := time.Now()
	result, err := s.poll(ctx, userID)
	s.metrics.PollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.PollsTotal.WithLabelValues(metrics.ResultError).Inc()
		s.observeViolation(err)
		s.log.Error().Err(err).Str("user", userID).Msg("poll failed")
		return nil, err
	}

	s.metrics.PollsTotal.WithLabelValues(metrics.ResultOK).Inc()
	s.log.Info().
		Str("user", userID).
		Int("events", result.Events).
		Int("merged", result.Merged).
		Int("conflicts", result.Conflicts).
		Msg("poll complete")
	return result, nil
}

func (s *Service) poll(ctx context.Context, userID string) (*Result, error) {
	token, err := s.tokens.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	items, err := s.fetch(ctx, userID, token)
	if err != nil {
		return nil, err
	}

	events, err := feed.Normalize(items)
	if err != nil {
		return nil, fmt.Errorf("normalizing feed: %w", err)
	}

	snapshot, err := s.ledger.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}

	mutations, err := listens.Plan(events, snapshot)
	if err != nil {
		return nil, fmt.Errorf("planning merge: %w", err)
	}

	result := &Result{Events: len(events)}
	for _, m := range mutations {
		applied, err := s.ledger.Merge(ctx, userID, m)
		if err != nil {
			return nil, fmt.Errorf("merging track %s: %w", m.TrackID, err)
		}
		if applied {
			result.Merged++
			s.metrics.EventsMerged.Inc()
		} else {
			// Another writer recorded an equal or newer state; dropping
			// the write is the correct outcome.
			result.Conflicts++
			s.metrics.MergeConflicts.Inc()
		}
	}

	if err := s.users.UpdateLastPoll(ctx, userID, time.Now()); err != nil {
		return nil, fmt.Errorf("recording poll time: %w", err)
	}

	return result, nil
}

// fetch retrieves the feed, refreshing credentials at most once. The
// refresher persists new credentials before the retried fetch runs.
func (s *Service) fetch(ctx context.Context, userID string, token *db.Token) ([]feed.RawItem, error) {
	before := time.Now().UnixMilli()

	items, err := s.source.RecentlyPlayed(ctx, token.AccessToken, before, s.limit)
	if !errors.Is(err, spotify.ErrAuthExpired) {
		return items, err
	}

	refreshed, err := s.refresher.Refresh(ctx, userID, token.RefreshToken)
	if err != nil {
		return nil, err
	}
	s.metrics.TokenRefreshes.Inc()

	items, err = s.source.RecentlyPlayed(ctx, refreshed.AccessToken, before, s.limit)
	if errors.Is(err, spotify.ErrAuthExpired) {
		return nil, fmt.Errorf("fetch unauthorized after refresh: %w", auth.ErrAuthFailurePersistent)
	}
	return items, err
}

// acquire marks a user's poll as in flight. Returns false if one already is.
func (s *Service) acquire(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[userID]; ok {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *Service) release(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

func (s *Service) observeViolation(err error) {
	switch {
	case errors.Is(err, feed.ErrMalformedTimestamp):
		s.metrics.FeedViolations.WithLabelValues(metrics.ViolationMalformedTimestamp).Inc()
	case errors.Is(err, listens.ErrNonMonotonicFeed):
		s.metrics.FeedViolations.WithLabelValues(metrics.ViolationNonMonotonic).Inc()
	}
}

// PollAll polls every registered user with bounded concurrency. One user's
// failure never aborts the sweep; errors are logged per user and the count
// of failed polls is returned.
func (s *Service) PollAll(ctx context.Context) (failed int, err error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing users: %w", err)
	}

	sem := make(chan struct{}, s.concurrency)
	var (
		wg       sync.WaitGroup
		failures sync.Map
	)

	for _, user := range users {
		select {
		case <-ctx.Done():
			wg.Wait()
			return failed, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := s.PollUser(ctx, id); err != nil && !errors.Is(err, ErrPollInFlight) {
				failures.Store(id, struct{}{})
			}
		}(user.ID)
	}

	wg.Wait()
	failures.Range(func(_, _ any) bool {
		failed++
		return true
	})
	return failed, nil
}

// Run polls all users on the given interval until ctx is canceled. It fires
// once immediately on start.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if failed, err := s.PollAll(ctx); err != nil {
			s.log.Error().Err(err).Msg("poll sweep aborted")
		} else if failed > 0 {
			s.log.Warn().Int("failed", failed).Msg("poll sweep finished with failures")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
