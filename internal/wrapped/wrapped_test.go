package wrapped

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/listens"
)

type fakeLedger struct {
	top     []listens.TrackAggregate
	cleared bool
}

func (f *fakeLedger) TopTracks(_ context.Context, _ string, n int) ([]listens.TrackAggregate, error) {
	if n < len(f.top) {
		return f.top[:n], nil
	}
	return f.top, nil
}

func (f *fakeLedger) Clear(_ context.Context, _ string) (int64, error) {
	f.cleared = true
	return int64(len(f.top)), nil
}

type fakeRecorder struct {
	record *db.WrappedPlaylist
}

func (f *fakeRecorder) Create(_ context.Context, wp *db.WrappedPlaylist) error {
	f.record = wp
	return nil
}

type fakePlaylists struct {
	createdName string
	added       []string
	failCreate  bool
}

func (f *fakePlaylists) CreatePlaylist(_ context.Context, name, _ string, _ bool) (string, error) {
	if f.failCreate {
		return "", errors.New("api unavailable")
	}
	f.createdName = name
	return "playlist-123", nil
}

func (f *fakePlaylists) AddTracksToPlaylist(_ context.Context, _ string, trackIDs []string) error {
	f.added = trackIDs
	return nil
}

func topTracks(ids ...string) []listens.TrackAggregate {
	tracks := make([]listens.TrackAggregate, len(ids))
	for i, id := range ids {
		tracks[i] = listens.TrackAggregate{TrackID: id, TimeListenedSeconds: int64(1000 - i)}
	}
	return tracks
}

func newTestService(ledger *fakeLedger, recorder *fakeRecorder, opts ...Option) *Service {
	s := New(ledger, recorder, zerolog.Nop(), opts...)
	s.now = func() time.Time {
		return time.Date(2026, time.August, 29, 12, 0, 0, 0, time.UTC)
	}
	return s
}

func TestBuild(t *testing.T) {
	ledger := &fakeLedger{top: topTracks("t1", "t2", "t3")}
	recorder := &fakeRecorder{}
	playlists := &fakePlaylists{}
	svc := newTestService(ledger, recorder, WithTopN(10))

	result, err := svc.Build(t.Context(), "alice", playlists)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if result.PlaylistID != "playlist-123" {
		t.Errorf("PlaylistID = %q", result.PlaylistID)
	}
	if result.Name != "Monthly Wrapped August 2026" {
		t.Errorf("Name = %q", result.Name)
	}
	if result.TrackCount != 3 {
		t.Errorf("TrackCount = %d, want 3", result.TrackCount)
	}

	if playlists.createdName != result.Name {
		t.Errorf("created playlist name = %q", playlists.createdName)
	}
	if len(playlists.added) != 3 || playlists.added[0] != "t1" {
		t.Errorf("added tracks = %v", playlists.added)
	}

	if recorder.record == nil {
		t.Fatal("wrapped playlist was not recorded")
	}
	if recorder.record.Month != "2026-08" {
		t.Errorf("recorded month = %q, want 2026-08", recorder.record.Month)
	}
	if recorder.record.PlaylistID != "playlist-123" || recorder.record.TrackCount != 3 {
		t.Errorf("record = %+v", recorder.record)
	}

	if ledger.cleared {
		t.Error("ledger cleared without WithLedgerReset")
	}
}

func TestBuildRespectsTopN(t *testing.T) {
	ledger := &fakeLedger{top: topTracks("t1", "t2", "t3", "t4", "t5")}
	svc := newTestService(ledger, &fakeRecorder{}, WithTopN(2))

	result, err := svc.Build(t.Context(), "alice", &fakePlaylists{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if result.TrackCount != 2 {
		t.Errorf("TrackCount = %d, want 2", result.TrackCount)
	}
}

func TestBuildNoListenData(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeRecorder{})

	_, err := svc.Build(t.Context(), "alice", &fakePlaylists{})
	if !errors.Is(err, ErrNoListenData) {
		t.Fatalf("Build() error = %v, want ErrNoListenData", err)
	}
}

func TestBuildResetsLedgerWhenConfigured(t *testing.T) {
	ledger := &fakeLedger{top: topTracks("t1")}
	svc := newTestService(ledger, &fakeRecorder{}, WithLedgerReset(true))

	if _, err := svc.Build(t.Context(), "alice", &fakePlaylists{}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !ledger.cleared {
		t.Error("ledger was not cleared")
	}
}

func TestBuildPlaylistFailureKeepsLedger(t *testing.T) {
	ledger := &fakeLedger{top: topTracks("t1")}
	svc := newTestService(ledger, &fakeRecorder{}, WithLedgerReset(true))

	_, err := svc.Build(t.Context(), "alice", &fakePlaylists{failCreate: true})
	if err == nil {
		t.Fatal("Build() succeeded despite playlist failure")
	}
	if ledger.cleared {
		t.Error("ledger cleared after failed build")
	}
}
