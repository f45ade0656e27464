package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAuthRequired indicates the upstream server returned 401 and the
// caller should re-run its auth flow (e.g. re-prompt an OAuth2
// authorization-code grant).
var ErrAuthRequired = errors.New("transport: upstream requires authentication")

// HeaderSource supplies the outbound auth headers for each request.
// Implemented by auth.Provider without transport depending on auth
// directly, keeping the auth/transport packages free of a cyclic import.
type HeaderSource interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StreamableHTTP does request/response JSON-RPC over HTTP POST,
// preserving Mcp-Session-Id continuity across calls. Grounded on
// downstream/http_instance.go's doRPC/readSSEResponse, generalized from
// that package's single-shot Call-per-request model into the shared
// transport.Conn interface with a HeaderSource instead of a fixed
// http.Header snapshot.
type StreamableHTTP struct {
	url     string
	headers HeaderSource
	client  *http.Client
	nextID  atomic.Int64

	mu         sync.Mutex
	sessionID  string
	sessionURL string

	onNotify NotificationHandler
	onClose  CloseHandler
}

// NewStreamableHTTP creates a StreamableHTTP transport. headers may be
// nil for unauthenticated upstreams. production governs the URL-safety
// check (plaintext http only against localhost).
func NewStreamableHTTP(rawURL string, headers HeaderSource, timeout time.Duration, production bool) (*StreamableHTTP, error) {
	if err := CheckURLSafety(rawURL, "https", "http", production); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &StreamableHTTP{
		url:     rawURL,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (h *StreamableHTTP) SetNotificationHandler(n NotificationHandler) { h.onNotify = n }
func (h *StreamableHTTP) SetCloseHandler(c CloseHandler)                { h.onClose = c }

func (h *StreamableHTTP) Start(ctx context.Context) error {
	if _, err := h.Call(ctx, "initialize", json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"capabilities": {},
		"clientInfo": {"name": "mcp-funnel", "version": "0.1.0"}
	}`)); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	// Best-effort: some servers reject the notification outright.
	_ = h.Notify(ctx, "notifications/initialized", nil)
	return nil
}

func (h *StreamableHTTP) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := h.nextID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	return h.doRPC(ctx, req)
}

func (h *StreamableHTTP) Notify(ctx context.Context, method string, params json.RawMessage) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	_, err := h.doRPC(ctx, req)
	return err
}

func (h *StreamableHTTP) doRPC(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	return h.doRPCWithRetry(ctx, req, true)
}

// doRPCWithRetry implements the 401 retry policy: a single refresh()
// on the auth provider followed by one retry; a second 401 surfaces as
// ErrAuthRequired instead of looping.
func (h *StreamableHTTP) doRPCWithRetry(ctx context.Context, req rpcRequest, allowRetry bool) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	h.mu.Lock()
	url := h.url
	if h.sessionURL != "" {
		url = h.sessionURL
	}
	sid := h.sessionID
	h.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}

	if h.headers != nil {
		authHeaders, err := h.headers.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve auth headers: %w", err)
		}
		for k, vals := range authHeaders {
			for _, v := range vals {
				httpReq.Header.Set(k, v)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Mcp-Session-Id"); v != "" {
		h.mu.Lock()
		h.sessionID = v
		h.mu.Unlock()
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if allowRetry && refreshAuth(ctx, h.headers) {
			return h.doRPCWithRetry(ctx, req, false)
		}
		return nil, ErrAuthRequired
	}

	if req.ID == nil {
		if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
			return nil, nil
		}
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("notification failed (%d): %s", resp.StatusCode, respBody)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return readSSERPCResponse(resp.Body)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcMessage
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error.asError()
	}
	return rpcResp.Result, nil
}

// readSSERPCResponse extracts the single JSON-RPC result carried by a
// text/event-stream response to a Streamable HTTP POST.
func readSSERPCResponse(body io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var rpcResp rpcMessage
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error.asError()
		}
		if rpcResp.Result != nil {
			return rpcResp.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse stream: %w", err)
	}
	return nil, fmt.Errorf("no result in sse stream")
}

// Close only invokes the close handler: StreamableHTTP has no persistent
// connection to tear down beyond its *http.Client, which needs no
// explicit close.
func (h *StreamableHTTP) Close() error {
	if h.onClose != nil {
		h.onClose(nil)
	}
	return nil
}
