package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/arashn/go-monthly-wrapped/internal/auth"
	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/feed"
	"github.com/arashn/go-monthly-wrapped/internal/listens"
	"github.com/arashn/go-monthly-wrapped/internal/metrics"
	"github.com/arashn/go-monthly-wrapped/internal/spotify"
)

// fakeStore backs every poller collaborator with in-memory state.
type fakeStore struct {
	mu      sync.Mutex
	users   []db.User
	tokens  map[string]*db.Token
	ledgers map[string]listens.Ledger
	merges  int
}

func newFakeStore(userIDs ...string) *fakeStore {
	s := &fakeStore{
		tokens:  make(map[string]*db.Token),
		ledgers: make(map[string]listens.Ledger),
	}
	for _, id := range userIDs {
		s.users = append(s.users, db.User{ID: id})
		s.tokens[id] = &db.Token{UserID: id, AccessToken: "access-" + id, RefreshToken: "refresh-" + id}
		s.ledgers[id] = make(listens.Ledger)
	}
	return s
}

func (s *fakeStore) List(_ context.Context) ([]db.User, error) { return s.users, nil }

func (s *fakeStore) UpdateLastPoll(_ context.Context, _ string, _ time.Time) error { return nil }

func (s *fakeStore) Get(_ context.Context, userID string) (*db.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return token, nil
}

func (s *fakeStore) Save(_ context.Context, token *db.Token) error {
	s.mu.Lock()
	s.tokens[token.UserID] = token
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Load(_ context.Context, userID string) (listens.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(listens.Ledger, len(s.ledgers[userID]))
	for id, agg := range s.ledgers[userID] {
		snapshot[id] = agg
	}
	return snapshot, nil
}

func (s *fakeStore) Merge(_ context.Context, userID string, m listens.Mutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges++
	return listens.Apply(s.ledgers[userID], m), nil
}

// fakeFeed serves canned items and can simulate expired tokens.
type fakeFeed struct {
	mu           sync.Mutex
	items        []feed.RawItem
	expiredUntil string // tokens other than this value get ErrAuthExpired
	calls        int
}

func (f *fakeFeed) RecentlyPlayed(_ context.Context, accessToken string, _ int64, _ int) ([]feed.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.expiredUntil != "" && accessToken != f.expiredUntil {
		return nil, spotify.ErrAuthExpired
	}
	return f.items, nil
}

// fakeRefresher hands out a fixed new token and persists it via the store.
type fakeRefresher struct {
	store *fakeStore
	fail  bool
	calls int
}

func (r *fakeRefresher) Refresh(ctx context.Context, userID, _ string) (*oauth2.Token, error) {
	r.calls++
	if r.fail {
		return nil, auth.ErrAuthFailurePersistent
	}
	token := &oauth2.Token{AccessToken: "fresh-" + userID, RefreshToken: "refresh-" + userID}
	if err := r.store.Save(ctx, &db.Token{UserID: userID, AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}); err != nil {
		return nil, err
	}
	return token, nil
}

func newTestService(store *fakeStore, source FeedSource, refresher CredentialRefresher, opts ...Option) *Service {
	m := metrics.New(prometheus.NewRegistry())
	return New(store, store, store, source, refresher, m, zerolog.Nop(), opts...)
}

func rawItems() []feed.RawItem {
	return []feed.RawItem{
		{TrackID: "x", Title: "X", DurationMS: 200000, PlayedAt: "2023-02-12T17:23:20.000Z"},
		{TrackID: "x", Title: "X", DurationMS: 200000, PlayedAt: "2023-02-12T17:19:10.000Z"},
		{TrackID: "x", Title: "X", DurationMS: 200000, PlayedAt: "2023-02-12T17:16:40.000Z"},
	}
}

func TestPollUserMergesFeed(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: rawItems()}
	svc := newTestService(store, source, &fakeRefresher{store: store})

	result, err := svc.PollUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("PollUser() error = %v", err)
	}
	if result.Events != 3 || result.Merged != 3 || result.Conflicts != 0 {
		t.Errorf("result = %+v, want 3 events, 3 merged, 0 conflicts", result)
	}

	agg := store.ledgers["alice"]["x"]
	if agg.ListenCount != 3 {
		t.Errorf("ListenCount = %d, want 3", agg.ListenCount)
	}
	// Gaps: boundary 0, then 150, then clamp(250, 200) = 200.
	if agg.TimeListenedSeconds != 350 {
		t.Errorf("TimeListenedSeconds = %d, want 350", agg.TimeListenedSeconds)
	}
}

func TestPollUserIdempotentAcrossPolls(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: rawItems()}
	svc := newTestService(store, source, &fakeRefresher{store: store})

	if _, err := svc.PollUser(context.Background(), "alice"); err != nil {
		t.Fatalf("first PollUser() error = %v", err)
	}
	first := store.ledgers["alice"]["x"]

	result, err := svc.PollUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("second PollUser() error = %v", err)
	}
	if result.Merged != 0 {
		t.Errorf("second poll merged %d mutations, want 0", result.Merged)
	}

	second := store.ledgers["alice"]["x"]
	if second.ListenCount != first.ListenCount || second.TimeListenedSeconds != first.TimeListenedSeconds {
		t.Errorf("ledger changed on replay: %+v -> %+v", first, second)
	}
}

func TestPollUserRefreshesTokenOnce(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: rawItems(), expiredUntil: "fresh-alice"}
	refresher := &fakeRefresher{store: store}
	svc := newTestService(store, source, refresher)

	result, err := svc.PollUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("PollUser() error = %v", err)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
	if source.calls != 2 {
		t.Errorf("feed fetched %d times, want 2 (original + retry)", source.calls)
	}
	if result.Merged != 3 {
		t.Errorf("merged %d, want 3", result.Merged)
	}

	// Refreshed credentials must have been persisted.
	if token := store.tokens["alice"]; token.AccessToken != "fresh-alice" {
		t.Errorf("persisted access token = %q, want %q", token.AccessToken, "fresh-alice")
	}
}

func TestPollUserPersistentAuthFailure(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: rawItems(), expiredUntil: "never-valid"}
	refresher := &fakeRefresher{store: store, fail: true}
	svc := newTestService(store, source, refresher)

	_, err := svc.PollUser(context.Background(), "alice")
	if !errors.Is(err, auth.ErrAuthFailurePersistent) {
		t.Fatalf("PollUser() error = %v, want ErrAuthFailurePersistent", err)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want exactly 1", refresher.calls)
	}
	if store.merges != 0 {
		t.Errorf("ledger mutated on failed poll: %d merges", store.merges)
	}
}

func TestPollUserRetryStillUnauthorized(t *testing.T) {
	store := newFakeStore("alice")
	// Refresher succeeds but the feed rejects every token.
	source := &fakeFeed{items: rawItems(), expiredUntil: "never-valid"}
	refresher := &fakeRefresher{store: store}
	svc := newTestService(store, source, refresher)

	_, err := svc.PollUser(context.Background(), "alice")
	if !errors.Is(err, auth.ErrAuthFailurePersistent) {
		t.Fatalf("PollUser() error = %v, want ErrAuthFailurePersistent", err)
	}
	if source.calls != 2 {
		t.Errorf("feed fetched %d times, want exactly 2", source.calls)
	}
}

func TestPollUserMalformedFeedAbortsBeforeMerge(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: []feed.RawItem{
		{TrackID: "x", DurationMS: 200000, PlayedAt: "2023-02-12T17:16:40.000Z"},
		{TrackID: "x", DurationMS: 200000, PlayedAt: "bogus"},
	}}
	svc := newTestService(store, source, &fakeRefresher{store: store})

	_, err := svc.PollUser(context.Background(), "alice")
	if !errors.Is(err, feed.ErrMalformedTimestamp) {
		t.Fatalf("PollUser() error = %v, want ErrMalformedTimestamp", err)
	}
	if store.merges != 0 {
		t.Errorf("ledger mutated on aborted poll: %d merges", store.merges)
	}
}

func TestPollUserInFlightGuard(t *testing.T) {
	store := newFakeStore("alice")
	source := &fakeFeed{items: rawItems()}
	svc := newTestService(store, source, &fakeRefresher{store: store})

	// Simulate a poll already holding the user's slot.
	if !svc.acquire("alice") {
		t.Fatal("acquire() failed on idle user")
	}
	defer svc.release("alice")

	_, err := svc.PollUser(context.Background(), "alice")
	if !errors.Is(err, ErrPollInFlight) {
		t.Fatalf("PollUser() error = %v, want ErrPollInFlight", err)
	}
}

func TestPollAllIsolatesFailures(t *testing.T) {
	store := newFakeStore("alice", "bob")
	// bob has no stored token, so his poll fails; alice's must still land.
	delete(store.tokens, "bob")
	source := &fakeFeed{items: rawItems()}
	svc := newTestService(store, source, &fakeRefresher{store: store}, WithConcurrency(2))

	failed, err := svc.PollAll(context.Background())
	if err != nil {
		t.Fatalf("PollAll() error = %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if agg := store.ledgers["alice"]["x"]; agg.ListenCount != 3 {
		t.Errorf("alice's ledger not updated: %+v", agg)
	}
}
