// Package listens reconstructs per-track listen statistics from ordered play
// events and computes idempotent ledger merges.
//
// The feed reports only when playback of each item ended, never how long a
// track was actually listened to. The engine attributes a duration to each
// event from the gap to the previous event, clamped to the track's length,
// and merges the result into the user's ledger keyed on the last-seen
// timestamp so overlapping polls never double-count.
package listens

import (
	"errors"
	"fmt"

	"github.com/arashn/go-monthly-wrapped/internal/feed"
)

// ErrNonMonotonicFeed is returned when event timestamps decrease after the
// feed has been reordered to chronological order. This is an upstream
// contract breach and is surfaced rather than clamped away.
var ErrNonMonotonicFeed = errors.New("non-monotonic feed")

// NeverListened is the LastListen value of a track that has no recorded
// listen yet.
const NeverListened = -1

// TrackAggregate is the persistent per-track listen record of one user's
// ledger.
type TrackAggregate struct {
	TrackID             string
	Title               string
	Artists             []string
	Album               string
	AlbumArtURL         string
	LengthSeconds       int64
	LastListen          int64 // unix seconds, NeverListened if none recorded
	ListenCount         int64
	TimeListenedSeconds int64
}

// Ledger maps track IDs to aggregates. During a merge it is treated as a
// read-only snapshot.
type Ledger map[string]TrackAggregate

// Mutation is one ledger write: record the listen of TrackID that ended at
// PlayedAt, contributing AttributedSeconds of listen time. Applying a
// mutation is conditional on PlayedAt being newer than the stored
// last_listen, so re-applying is always safe.
type Mutation struct {
	TrackID           string
	Title             string
	Artists           []string
	Album             string
	AlbumArtURL       string
	LengthSeconds     int64
	PlayedAt          int64
	AttributedSeconds int64
}

// Plan computes the ledger mutations for one poll's chronological event
// sequence against a snapshot of the user's current ledger.
//
// The first event of the batch is a boundary marker: there is no preceding
// event establishing its start, so it is recorded for presence with zero
// attributed duration. Every later event is attributed the gap to the
// previous event, clamped to the track length; the clamp absorbs pauses and
// session breaks, which must not be credited to the track. A negative gap
// fails with ErrNonMonotonicFeed and produces no mutations.
//
// Events whose timestamp does not advance past the snapshot's (or an earlier
// in-batch) last listen for the same track were already recorded by a prior
// poll and are dropped, which makes replanning the same batch a no-op.
func Plan(events []feed.PlayEvent, snapshot Ledger) ([]Mutation, error) {
	if len(events) == 0 {
		return nil, nil
	}

	// Last recorded listen per track, advanced as mutations are planned so
	// repeats within the batch merge in order.
	lastListen := make(map[string]int64, len(snapshot))
	for id, agg := range snapshot {
		lastListen[id] = agg.LastListen
	}

	var (
		mutations []Mutation
		prev      int64
	)
	for i, ev := range events {
		var attributed int64
		if i > 0 {
			gap := ev.PlayedAt - prev
			if gap < 0 {
				return nil, fmt.Errorf("%w: event %d at %d precedes %d", ErrNonMonotonicFeed, i, ev.PlayedAt, prev)
			}
			attributed = min(gap, ev.LengthSeconds)
		}
		prev = ev.PlayedAt

		if last, ok := lastListen[ev.TrackID]; ok && ev.PlayedAt <= last {
			// Already recorded by a prior poll (overlap window).
			continue
		}
		lastListen[ev.TrackID] = ev.PlayedAt

		mutations = append(mutations, Mutation{
			TrackID:           ev.TrackID,
			Title:             ev.Title,
			Artists:           ev.Artists,
			Album:             ev.Album,
			AlbumArtURL:       ev.AlbumArtURL,
			LengthSeconds:     ev.LengthSeconds,
			PlayedAt:          ev.PlayedAt,
			AttributedSeconds: attributed,
		})
	}

	return mutations, nil
}

// Apply merges a mutation into an in-memory ledger, following the same
// conditional rule the persistence layer enforces. It is used for replaying
// plans onto snapshots and as the reference semantics for LedgerRepository.Merge.
func Apply(ledger Ledger, m Mutation) bool {
	agg, ok := ledger[m.TrackID]
	if !ok {
		ledger[m.TrackID] = TrackAggregate{
			TrackID:             m.TrackID,
			Title:               m.Title,
			Artists:             m.Artists,
			Album:               m.Album,
			AlbumArtURL:         m.AlbumArtURL,
			LengthSeconds:       m.LengthSeconds,
			LastListen:          m.PlayedAt,
			ListenCount:         1,
			TimeListenedSeconds: m.AttributedSeconds,
		}
		return true
	}

	if m.PlayedAt <= agg.LastListen {
		return false
	}

	agg.Title = m.Title
	agg.Artists = m.Artists
	agg.Album = m.Album
	agg.AlbumArtURL = m.AlbumArtURL
	agg.LengthSeconds = m.LengthSeconds
	agg.LastListen = m.PlayedAt
	agg.ListenCount++
	agg.TimeListenedSeconds += m.AttributedSeconds
	ledger[m.TrackID] = agg
	return true
}
