package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arashn/go-monthly-wrapped/internal/feed"
)

const recentlyPlayedURL = "https://api.spotify.com/v1/me/player/recently-played"

// Feed limits imposed by the API.
const (
	MinFeedLimit = 1
	MaxFeedLimit = 50
)

// ErrAuthExpired is returned when the access token is no longer accepted by
// the feed endpoint. It is expected and recoverable: the caller refreshes the
// credentials once and retries once.
var ErrAuthExpired = errors.New("access token expired")

// FeedClient fetches the recently-played feed over plain HTTP.
//
// The zmb3 client parses played_at into a time.Time before we ever see it;
// this client keeps the raw timestamp strings so the normalizer owns their
// validation.
type FeedClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewFeedClient creates a feed client with a bounded request timeout.
func NewFeedClient() *FeedClient {
	return &FeedClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: recentlyPlayedURL,
	}
}

// recentlyPlayedResponse mirrors the feed endpoint's JSON.
type recentlyPlayedResponse struct {
	Items []struct {
		Track struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			DurationMS int64  `json:"duration_ms"`
			Artists    []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Album struct {
				Name   string `json:"name"`
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"album"`
		} `json:"track"`
		PlayedAt string `json:"played_at"`
	} `json:"items"`
}

// RecentlyPlayed fetches up to limit play events older than beforeMS
// (milliseconds since epoch), most recent first. A 401 response maps to
// ErrAuthExpired; the limit is clamped to the API's 1-50 range.
func (c *FeedClient) RecentlyPlayed(ctx context.Context, accessToken string, beforeMS int64, limit int) ([]feed.RawItem, error) {
	if limit < MinFeedLimit {
		limit = MinFeedLimit
	}
	if limit > MaxFeedLimit {
		limit = MaxFeedLimit
	}

	params := url.Values{
		"before": {strconv.FormatInt(beforeMS, 10)},
		"limit":  {strconv.Itoa(limit)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recently played: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed recentlyPlayedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing recently played response: %w", err)
	}

	items := make([]feed.RawItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		artists := make([]string, len(item.Track.Artists))
		for i, a := range item.Track.Artists {
			artists[i] = a.Name
		}

		var artURL string
		if len(item.Track.Album.Images) > 0 {
			artURL = item.Track.Album.Images[0].URL
		}

		items = append(items, feed.RawItem{
			TrackID:     item.Track.ID,
			Title:       item.Track.Name,
			Artists:     artists,
			Album:       item.Track.Album.Name,
			AlbumArtURL: artURL,
			DurationMS:  item.Track.DurationMS,
			PlayedAt:    item.PlayedAt,
		})
	}

	return items, nil
}
