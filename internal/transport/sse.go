package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-funnel/core/internal/correlator"
)

// ErrMethodNotAllowed is returned when the SSE endpoint rejects the
// initial GET handshake.
var ErrMethodNotAllowed = fmt.Errorf("transport/sse: method not allowed")

// SSE implements the legacy MCP SSE transport: a long-lived GET
// EventSource-style stream carries server→client messages, while each
// client→server message is POSTed to an "endpoint" URL the server
// announces over that same stream. Grounded on the
// upstream/proxy/sse.go SSETransport in the retrieval pack, rebuilt
// against our own correlator.Correlator for request matching instead of
// a bespoke pending-map, and against HeaderSource for auth instead of a
// fixed bearer getter.
type SSE struct {
	serverURL string
	headers   HeaderSource
	client    *http.Client

	corr   *correlator.Correlator
	nextID atomic.Int64

	mu            sync.RWMutex
	endpoint      *url.URL
	endpointReady chan struct{}
	endpointOnce  sync.Once

	onNotify NotificationHandler
	onClose  CloseHandler

	connCancel context.CancelFunc
	done       chan struct{}
	doneOnce   sync.Once
}

// NewSSE creates an SSE transport against serverURL. production governs
// the URL-safety check: plaintext http is rejected
// unless the host is localhost.
func NewSSE(serverURL string, headers HeaderSource, timeout time.Duration, production bool) (*SSE, error) {
	if err := CheckURLSafety(serverURL, "https", "http", production); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SSE{
		serverURL:     serverURL,
		headers:       headers,
		client:        &http.Client{Timeout: timeout},
		corr:          correlator.New(time.Second),
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

func (t *SSE) SetNotificationHandler(h NotificationHandler) { t.onNotify = h }
func (t *SSE) SetCloseHandler(h CloseHandler)                { t.onClose = h }

func (t *SSE) Start(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(context.Background())
	t.connCancel = cancel

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, t.serverURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if t.headers != nil {
		authHeaders, err := t.headers.Headers(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("resolve auth headers: %w", err)
		}
		for k, vals := range authHeaders {
			for _, v := range vals {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		cancel()
		return ErrAuthRequired
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		cancel()
		return ErrMethodNotAllowed
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	go t.readEvents(resp.Body)

	select {
	case <-t.endpointReady:
		return t.handshake(ctx)
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

func (t *SSE) handshake(ctx context.Context) error {
	if _, err := t.Call(ctx, "initialize", json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"capabilities": {},
		"clientInfo": {"name": "mcp-funnel", "version": "0.1.0"}
	}`)); err != nil {
		return err
	}
	return t.Notify(ctx, "notifications/initialized", nil)
}

func (t *SSE) readEvents(body io.ReadCloser) {
	defer body.Close()
	defer t.finish()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event strings.Builder

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			if event.Len() > 0 {
				t.processEvent(event.String())
				event.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		event.WriteString(line)
		event.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("transport/sse: stream read error", "err", err)
	}
}

func (t *SSE) processEvent(raw string) {
	var eventType, data string
	for _, line := range strings.Split(raw, "\n") {
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(after)
		} else if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(after)
		}
	}
	if data == "" {
		return
	}

	if eventType == "endpoint" || (eventType == "" && looksLikeURL(data)) {
		t.setEndpoint(data)
		return
	}

	var msg rpcMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return
	}
	if len(msg.ID) > 0 && msg.Method == "" {
		if msg.Error != nil {
			t.corr.Reject(string(msg.ID), msg.Error.asError())
		} else {
			t.corr.Resolve(string(msg.ID), msg.Result)
		}
		return
	}
	if t.onNotify != nil && msg.Method != "" {
		t.onNotify(msg.Method, msg.Params)
	}
}

func looksLikeURL(s string) bool {
	return !strings.HasPrefix(s, "{") && (strings.HasPrefix(s, "/") || strings.HasPrefix(s, "http"))
}

func (t *SSE) setEndpoint(data string) {
	serverURL, err := url.Parse(t.serverURL)
	if err != nil {
		return
	}
	endpointURL, err := url.Parse(data)
	if err != nil {
		return
	}
	resolved := serverURL.ResolveReference(endpointURL)

	if resolved.Scheme != serverURL.Scheme || resolved.Host != serverURL.Host {
		slog.Error("transport/sse: endpoint origin mismatch, refusing",
			"server_origin", serverURL.Scheme+"://"+serverURL.Host,
			"endpoint_origin", resolved.Scheme+"://"+resolved.Host)
		return
	}

	t.mu.Lock()
	t.endpoint = resolved
	t.mu.Unlock()
	t.endpointOnce.Do(func() { close(t.endpointReady) })
}

func (t *SSE) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	idJSON := json.RawMessage(strconv.FormatInt(id, 10))

	ch, err := t.corr.Register(string(idJSON), 0)
	if err != nil {
		return nil, ErrClosed
	}

	if err := t.post(ctx, rpcRequest{JSONRPC: "2.0", ID: idJSON, Method: method, Params: params}); err != nil {
		t.corr.Reject(string(idJSON), err)
		return nil, err
	}
	return correlator.Wait(ctx, ch)
}

func (t *SSE) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return t.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *SSE) post(ctx context.Context, req rpcRequest) error {
	return t.postWithRetry(ctx, req, true)
}

// postWithRetry implements the 401 retry policy: a single refresh()
// on the auth provider followed by one retry; a second 401 surfaces as
// an auth error instead of looping.
func (t *SSE) postWithRetry(ctx context.Context, req rpcRequest, allowRetry bool) error {
	t.mu.RLock()
	endpoint := t.endpoint
	t.mu.RUnlock()
	if endpoint == nil {
		return &TransportError{Kind: ErrNotConnected, Msg: "no endpoint from server yet"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build post request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if t.headers != nil {
		authHeaders, err := t.headers.Headers(ctx)
		if err != nil {
			return fmt.Errorf("resolve auth headers: %w", err)
		}
		for k, vals := range authHeaders {
			for _, v := range vals {
				httpReq.Header.Set(k, v)
			}
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return &TransportError{Kind: ErrSendFailed, Msg: "post message", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		if allowRetry && refreshAuth(ctx, t.headers) {
			return t.postWithRetry(ctx, req, false)
		}
		return ErrAuthRequired
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &TransportError{Kind: ErrSendFailed, Msg: fmt.Sprintf("post failed (%d): %s", resp.StatusCode, respBody)}
	}
	return nil
}

func (t *SSE) finish() {
	t.doneOnce.Do(func() {
		close(t.done)
		t.corr.Close()
		if t.onClose != nil {
			t.onClose(nil)
		}
	})
}

func (t *SSE) Close() error {
	if t.connCancel != nil {
		t.connCancel()
	}
	t.finish()
	return nil
}
