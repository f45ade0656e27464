package auth

import (
	"context"
	"testing"
)

func TestNewBearer_EmptyTokenFails(t *testing.T) {
	if _, err := NewBearer("  ", nil); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestBearer_HeadersSetsAuthorization(t *testing.T) {
	b, err := NewBearer("abc123", nil)
	if err != nil {
		t.Fatalf("NewBearer: %v", err)
	}
	h, err := b.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer abc123" {
		t.Fatalf("got Authorization header %q", got)
	}
}

func TestNoAuth_ReturnsEmptyHeaders(t *testing.T) {
	h, err := NoAuth{}.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(h) != 0 {
		t.Fatalf("expected no headers, got %v", h)
	}
}
