package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestSessionStoreLifecycle(t *testing.T) {
	store := NewSessionStore()
	token := &oauth2.Token{AccessToken: "access"}

	session, err := store.Create(token, "user1", "User One")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("session ID is empty")
	}

	got := store.Get(session.ID)
	if got == nil {
		t.Fatal("Get() returned nil for live session")
	}
	if got.UserID != "user1" || got.UserName != "User One" {
		t.Errorf("session = %+v", got)
	}

	store.Delete(session.ID)
	if store.Get(session.ID) != nil {
		t.Error("Get() returned deleted session")
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store := NewSessionStore()
	session, err := store.Create(&oauth2.Token{}, "user1", "User One")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Age the session past its TTL.
	store.mu.Lock()
	store.sessions[session.ID].CreatedAt = time.Now().Add(-sessionTTL - time.Minute)
	store.mu.Unlock()

	if store.Get(session.ID) != nil {
		t.Error("Get() returned expired session")
	}
}

func TestSessionStoreUniqueIDs(t *testing.T) {
	store := NewSessionStore()
	seen := make(map[string]bool)

	for range 100 {
		session, err := store.Create(&oauth2.Token{}, "u", "n")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if seen[session.ID] {
			t.Fatalf("duplicate session ID %q", session.ID)
		}
		seen[session.ID] = true
	}
}

func TestGetFromRequest(t *testing.T) {
	store := NewSessionStore()
	session, err := store.Create(&oauth2.Token{}, "user1", "User One")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session.ID})

	if got := store.GetFromRequest(r); got == nil || got.ID != session.ID {
		t.Errorf("GetFromRequest() = %v", got)
	}

	// No cookie.
	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	if store.GetFromRequest(bare) != nil {
		t.Error("GetFromRequest() returned session for cookieless request")
	}
}
