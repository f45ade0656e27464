package tokenstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_StoreRetrieve(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tok := TokenData{AccessToken: "abc", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.Store(ctx, "srv1", tok); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Retrieve(ctx, "srv1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.AccessToken != "abc" {
		t.Fatalf("got access token %q", got.AccessToken)
	}
}

func TestMemoryStore_RetrieveMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Retrieve(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Store(ctx, "srv1", TokenData{AccessToken: "abc"})
	if err := s.Clear(ctx, "srv1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Retrieve(ctx, "srv1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestTokenData_IsExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		tok  TokenData
		want bool
	}{
		{"zero expiry never expires", TokenData{}, false},
		{"future expiry not expired", TokenData{ExpiresAt: now.Add(time.Hour)}, false},
		{"past expiry is expired", TokenData{ExpiresAt: now.Add(-time.Hour)}, true},
	}
	for _, c := range cases {
		if got := c.tok.IsExpired(now); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTokenData_ExpiresWithin(t *testing.T) {
	now := time.Now()
	tok := TokenData{ExpiresAt: now.Add(2 * time.Minute)}
	if !tok.ExpiresWithin(now, 5*time.Minute) {
		t.Fatal("expected true: expiry is within 5 minutes")
	}
	if tok.ExpiresWithin(now, time.Minute) {
		t.Fatal("expected false: expiry is not within 1 minute")
	}
}
