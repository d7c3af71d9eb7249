// Package feed normalizes the Spotify recently-played feed into
// chronologically ordered play events.
package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedTimestamp is returned when a played_at value does not match
// the feed's timestamp format.
var ErrMalformedTimestamp = errors.New("malformed played_at timestamp")

// RawItem is one entry of the recently-played feed as returned by the API,
// most recent first. PlayedAt is the raw timestamp string, e.g.
// "2023-02-12T17:18:28.679Z".
type RawItem struct {
	TrackID     string
	Title       string
	Artists     []string
	Album       string
	AlbumArtURL string
	DurationMS  int64
	PlayedAt    string
}

// PlayEvent is a validated play record. PlayedAt is the unix time in seconds
// at which playback of this track ended (second resolution, matching the
// feed). LengthSeconds is the track's full length.
type PlayEvent struct {
	TrackID       string
	Title         string
	Artists       []string
	Album         string
	AlbumArtURL   string
	LengthSeconds int64
	PlayedAt      int64
}

// Normalize converts a raw feed batch into play events ordered oldest first.
//
// The input order is reversed (the feed returns the last played track first)
// and every timestamp is parsed strictly; a timestamp that does not match the
// feed format fails with ErrMalformedTimestamp rather than defaulting.
// Repeated track IDs are kept as-is: repeats are separate listens, and only
// the aggregation step decides whether a given timestamp was already
// recorded. An empty batch produces an empty result and no error.
func Normalize(items []RawItem) ([]PlayEvent, error) {
	if len(items) == 0 {
		return nil, nil
	}

	events := make([]PlayEvent, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]

		playedAt, err := parsePlayedAt(item.PlayedAt)
		if err != nil {
			return nil, err
		}

		length := item.DurationMS / 1000
		if length <= 0 {
			return nil, fmt.Errorf("track %s: non-positive length %dms", item.TrackID, item.DurationMS)
		}

		events = append(events, PlayEvent{
			TrackID:       item.TrackID,
			Title:         item.Title,
			Artists:       item.Artists,
			Album:         item.Album,
			AlbumArtURL:   item.AlbumArtURL,
			LengthSeconds: length,
			PlayedAt:      playedAt,
		})
	}

	return events, nil
}

// parsePlayedAt parses a feed timestamp of the form
// "2006-01-02T15:04:05.999Z": UTC, fractional seconds required, trailing Z
// required. RFC3339Nano alone would also admit offset forms and
// fraction-less timestamps the feed never produces, so the shape is checked
// explicitly first.
func parsePlayedAt(s string) (int64, error) {
	if !strings.HasSuffix(s, "Z") || !strings.Contains(s, ".") {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}

	return t.Unix(), nil
}
