package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticHeaders struct{ h http.Header }

func (s staticHeaders) Headers(ctx context.Context) (http.Header, error) { return s.h.Clone(), nil }

func TestStreamableHTTP_CallRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{"ok": true},
		})
	}))
	defer srv.Close()

	h := staticHeaders{h: http.Header{"Authorization": []string{"Bearer tok"}}}
	tr, err := NewStreamableHTTP(srv.URL, h, 0, false)
	if err != nil {
		t.Fatalf("NewStreamableHTTP: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("got result %s", result)
	}
}

func TestStreamableHTTP_SessionIDContinuity(t *testing.T) {
	var gotSessionID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "initialize" {
			w.Header().Set("Mcp-Session-Id", "session-abc")
		} else {
			gotSessionID = r.Header.Get("Mcp-Session-Id")
		}
		w.Header().Set("Content-Type", "application/json")
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{}})
	}))
	defer srv.Close()

	tr, err := NewStreamableHTTP(srv.URL, nil, 0, false)
	if err != nil {
		t.Fatalf("NewStreamableHTTP: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := tr.Call(context.Background(), "tools/list", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotSessionID != "session-abc" {
		t.Fatalf("expected session id to be echoed on subsequent calls, got %q", gotSessionID)
	}
}

func TestStreamableHTTP_401ReturnsErrAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := NewStreamableHTTP(srv.URL, nil, 0, false)
	if err != nil {
		t.Fatalf("NewStreamableHTTP: %v", err)
	}
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
}
