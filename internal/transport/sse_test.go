package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewSSE_RejectsPlaintextOffLocalhostInProduction(t *testing.T) {
	_, err := NewSSE("http://api.example.com/e", staticHeaders{h: http.Header{}}, 0, true)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ErrInvalidURL {
		t.Fatalf("expected TransportError{ErrInvalidURL}, got %v", err)
	}
}

// sseTestServer wires a minimal event-stream + post-endpoint pair: every
// POSTed JSON-RPC request carrying an id gets an immediate `{"ok":true}`
// result pushed back over the SSE stream, matching the real protocol's
// request/response-over-separate-channels shape.
func sseTestServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var gotAuth atomic.Value
	events := make(chan string, 16)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: endpoint\ndata: /post\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		for {
			select {
			case ev := <-events:
				fmt.Fprintf(w, "data: %s\n\n", ev)
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusAccepted)
		if len(req.ID) > 0 {
			resp, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{"ok": true},
			})
			events <- string(resp)
		}
	})
	return httptest.NewServer(mux), &gotAuth
}

func TestSSE_CallRoundTripCarriesAuthHeaderNoQueryParams(t *testing.T) {
	srv, gotAuth := sseTestServer(t)
	defer srv.Close()

	h := staticHeaders{h: http.Header{"Authorization": []string{"Bearer tok"}}}
	tr, err := NewSSE(srv.URL+"/events", h, time.Second, false)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result, err := tr.Call(ctx, "tools/list", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("got result %s", result)
	}
	if v, _ := gotAuth.Load().(string); v != "Bearer tok" {
		t.Fatalf("got Authorization header %q", v)
	}
}

func TestSSE_401ReturnsAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := NewSSE(srv.URL, nil, time.Second, false)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}
	defer tr.Close()

	if err := tr.Start(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}
