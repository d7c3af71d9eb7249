package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/poller"
	"github.com/arashn/go-monthly-wrapped/internal/spotify"
	"github.com/arashn/go-monthly-wrapped/internal/wrapped"
)

// Handlers contains the HTTP handlers.
type Handlers struct {
	auth     *spotifyauth.Authenticator
	sessions *SessionStore
	database *db.DB
	poller   *poller.Service
	wrapped  *wrapped.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(auth *spotifyauth.Authenticator, sessions *SessionStore, database *db.DB, pollSvc *poller.Service, wrappedSvc *wrapped.Service) *Handlers {
	return &Handlers{
		auth:     auth,
		sessions: sessions,
		database: database,
		poller:   pollSvc,
		wrapped:  wrappedSvc,
	}
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireSession resolves the request's session or writes a 401.
func (h *Handlers) requireSession(w http.ResponseWriter, r *http.Request) *Session {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return nil
	}
	return session
}

// Login initiates the Spotify OAuth flow (GET /auth/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateOAuthState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}

	// Store state in cookie for validation on callback
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, h.auth.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback). It
// exchanges the code, registers the user, and persists the credentials so
// the background poller can start tracking them.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing state cookie")
		return
	}

	state := r.URL.Query().Get("state")
	if state != stateCookie.Value {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("spotify auth error: %s", errMsg))
		return
	}

	token, err := h.auth.Token(r.Context(), state, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get token")
		return
	}

	client := spotifyapi.New(h.auth.Client(r.Context(), token))
	user, err := client.CurrentUser(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user info")
		return
	}

	dbUser := &db.User{
		ID:          string(user.ID),
		DisplayName: user.DisplayName,
		Email:       user.Email,
	}
	if err := h.database.Users().Upsert(r.Context(), dbUser); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	if err := h.database.Tokens().Save(r.Context(), &db.Token{
		UserID:       dbUser.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}

	session, err := h.sessions.Create(token, dbUser.ID, user.DisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	h.sessions.SetCookie(w, session)

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Logout clears the session (POST /auth/logout).
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessions.GetFromRequest(r); session != nil {
		h.sessions.Delete(session.ID)
	}
	h.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Home reports login state (GET /).
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       session.UserID,
		"user_name":     session.UserName,
	})
}

// Poll triggers a manual poll for the logged-in user (POST /api/poll).
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	result, err := h.poller.PollUser(r.Context(), session.UserID)
	if errors.Is(err, poller.ErrPollInFlight) {
		writeError(w, http.StatusConflict, "poll already running")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "poll failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":    result.Events,
		"merged":    result.Merged,
		"conflicts": result.Conflicts,
	})
}

// topTrackResponse is the JSON shape of one ledger entry.
type topTrackResponse struct {
	TrackID             string   `json:"track_id"`
	Title               string   `json:"title"`
	Artists             []string `json:"artists"`
	Album               string   `json:"album"`
	AlbumArtURL         string   `json:"album_art_url"`
	LengthSeconds       int64    `json:"length_seconds"`
	LastListen          int64    `json:"last_listen"`
	ListenCount         int64    `json:"listen_count"`
	TimeListenedSeconds int64    `json:"time_listened_seconds"`
}

// TopTracks returns the user's top tracks by listen time (GET /api/stats/top?n=).
func (h *Handlers) TopTracks(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "n must be between 1 and 100")
			return
		}
		n = parsed
	}

	top, err := h.database.Ledger().TopTracks(r.Context(), session.UserID, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load top tracks")
		return
	}

	resp := make([]topTrackResponse, len(top))
	for i, agg := range top {
		resp[i] = topTrackResponse{
			TrackID:             agg.TrackID,
			Title:               agg.Title,
			Artists:             agg.Artists,
			Album:               agg.Album,
			AlbumArtURL:         agg.AlbumArtURL,
			LengthSeconds:       agg.LengthSeconds,
			LastListen:          agg.LastListen,
			ListenCount:         agg.ListenCount,
			TimeListenedSeconds: agg.TimeListenedSeconds,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Totals returns the user's overall listen statistics (GET /api/stats/totals).
func (h *Handlers) Totals(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	totals, err := h.database.Ledger().Totals(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load totals")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"tracks":                totals.Tracks,
		"listens":               totals.Listens,
		"time_listened_seconds": totals.TimeListenedSeconds,
	})
}

// BuildWrapped builds the monthly wrapped playlist (POST /api/wrapped).
func (h *Handlers) BuildWrapped(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	client := spotify.New(spotifyapi.New(h.auth.Client(r.Context(), session.Token)))
	result, err := h.wrapped.Build(r.Context(), session.UserID, client)
	if errors.Is(err, wrapped.ErrNoListenData) {
		writeError(w, http.StatusConflict, "no listen data recorded yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to build wrapped playlist")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"playlist_id": result.PlaylistID,
		"name":        result.Name,
		"track_count": result.TrackCount,
	})
}

// ClearListens resets the user's listen ledger (DELETE /api/listens).
func (h *Handlers) ClearListens(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	removed, err := h.database.Ledger().Clear(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear listen data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tracks_removed": removed})
}

// Healthz reports liveness (GET /healthz).
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateOAuthState creates a random state string for OAuth.
func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
