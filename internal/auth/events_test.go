package auth

import (
	"testing"

	"github.com/mcp-funnel/core/internal/eventlog"
)

func TestNewBearer_EmitsProviderCreatedOnSuccess(t *testing.T) {
	bus := eventlog.NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	logger := eventlog.NewLogger(bus)

	if _, err := NewBearer("abc123", logger); err != nil {
		t.Fatalf("NewBearer: %v", err)
	}

	ev := <-ch
	if ev.Name != EventProviderCreated {
		t.Fatalf("got event %q, want %q", ev.Name, EventProviderCreated)
	}
}

func TestNewBearer_EmptyTokenDoesNotEmitProviderCreated(t *testing.T) {
	bus := eventlog.NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	logger := eventlog.NewLogger(bus)

	if _, err := NewBearer("   ", logger); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no event on construction failure, got %q", ev.Name)
	default:
	}
}

func TestNewAuthCode_RejectsPlaintextEndpointOffLocalhost(t *testing.T) {
	_, err := NewAuthCode("srv1", "client-id", "", "http://idp.example.com/authorize",
		"https://idp.example.com/token", "https://cb", "", nil, nil, true, nil)
	if err == nil {
		t.Fatal("expected a config error for a plaintext authorization endpoint off localhost")
	}
}

func TestNewAuthCode_AllowsPlaintextLocalhostEndpoint(t *testing.T) {
	ac, err := NewAuthCode("srv1", "client-id", "", "http://localhost:9999/authorize",
		"https://idp.example.com/token", "https://cb", "", nil, nil, true, nil)
	if err != nil {
		t.Fatalf("expected localhost plaintext endpoint to be accepted, got %v", err)
	}
	defer ac.Close()
}
