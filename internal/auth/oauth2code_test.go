package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mcp-funnel/core/internal/tokenstore"
)

func TestAuthCode_AuthorizeURLAndCallbackRoundTrip(t *testing.T) {
	var gotCodeVerifier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotCodeVerifier = r.Form.Get("code_verifier")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at", "refresh_token": "rt", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	ac, err := NewAuthCode("srv1", "client-id", "client-secret",
		"https://idp.example.com/authorize", srv.URL, "https://callback.example.com/cb", "read write",
		store, nil, false, nil)
	if err != nil {
		t.Fatalf("NewAuthCode: %v", err)
	}
	defer ac.Close()

	authURL, err := ac.AuthorizeURL(context.Background())
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	q := parsed.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge method, got %q", q.Get("code_challenge_method"))
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("expected non-empty state")
	}

	if err := ac.HandleCallback(context.Background(), state, "auth-code-xyz"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if gotCodeVerifier == "" {
		t.Fatal("expected code_verifier to be forwarded to token endpoint")
	}

	tok, err := store.Retrieve(context.Background(), "srv1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if tok.AccessToken != "at" {
		t.Fatalf("got access token %q", tok.AccessToken)
	}
}

func TestAuthCode_RefreshForcesNewAccessToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "forced-fresh", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	store.Store(context.Background(), "srv1", tokenstore.TokenData{
		AccessToken: "still-valid", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	})

	ac, err := NewAuthCode("srv1", "client-id", "", "https://idp/authorize", srv.URL, "https://cb", "", store, nil, false, nil)
	if err != nil {
		t.Fatalf("NewAuthCode: %v", err)
	}
	defer ac.Close()

	if err := ac.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 refresh call despite token not yet expiring, got %d", calls)
	}

	tok, err := store.Retrieve(context.Background(), "srv1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if tok.AccessToken != "forced-fresh" {
		t.Fatalf("expected forced refresh to replace the stored token, got %q", tok.AccessToken)
	}
}

func TestAuthCode_HandleCallbackRejectsUnknownState(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	ac, err := NewAuthCode("srv1", "client-id", "", "https://idp/authorize", "https://idp/token", "https://cb", "", store, nil, false, nil)
	if err != nil {
		t.Fatalf("NewAuthCode: %v", err)
	}
	defer ac.Close()

	if err := ac.HandleCallback(context.Background(), "bogus-state", "code"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestAuthCode_HeadersRefreshesExpiringToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	store.Store(context.Background(), "srv1", tokenstore.TokenData{
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(10 * time.Second),
	})

	ac, err := NewAuthCode("srv1", "client-id", "", "https://idp/authorize", srv.URL, "https://cb", "", store, nil, false, nil)
	if err != nil {
		t.Fatalf("NewAuthCode: %v", err)
	}
	defer ac.Close()

	h, err := ac.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h.Get("Authorization") != "Bearer fresh" {
		t.Fatalf("expected refreshed token, got %q", h.Get("Authorization"))
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", calls)
	}
}
