package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/mcp-funnel/core/internal/correlator"
	"github.com/mcp-funnel/core/internal/reconnect"
)

// WebSocket opens a single bidirectional connection and frames one
// JSON-RPC message per WebSocket text frame. Grounded on the
// read-loop/ping-interval/write-timeout shape of
// host-agent/internal/heartbeat/websocket.go, rebuilt against
// nhooyr.io/websocket (the pack's gorilla/websocket example ping/pong
// loop doesn't map onto nhooyr's API 1:1, since nhooyr issues its own
// keepalive pings internally) and against our correlator for request
// matching instead of that file's type-switched message router.
type WebSocket struct {
	url          string
	headers      HeaderSource
	pingInterval time.Duration

	corr   *correlator.Correlator
	nextID atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn

	onNotify NotificationHandler
	onClose  CloseHandler
	done     chan struct{}
	doneOnce sync.Once
}

// NewWebSocket creates a WebSocket transport. pingInterval <= 0 disables
// the application-level keepalive ping (nhooyr still answers control
// pings on its own). production governs the URL-safety check
// (plaintext ws only against localhost).
func NewWebSocket(rawURL string, headers HeaderSource, pingInterval time.Duration, production bool) (*WebSocket, error) {
	if err := CheckURLSafety(rawURL, "wss", "ws", production); err != nil {
		return nil, err
	}
	return &WebSocket{
		url:          rawURL,
		headers:      headers,
		pingInterval: pingInterval,
		corr:         correlator.New(time.Second),
		done:         make(chan struct{}),
	}, nil
}

func (w *WebSocket) SetNotificationHandler(h NotificationHandler) { w.onNotify = h }
func (w *WebSocket) SetCloseHandler(h CloseHandler)                { w.onClose = h }

func (w *WebSocket) Start(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if w.headers != nil {
		authHeaders, err := w.headers.Headers(ctx)
		if err != nil {
			return fmt.Errorf("resolve auth headers: %w", err)
		}
		h := http.Header{}
		for k, vals := range authHeaders {
			for _, v := range vals {
				h.Set(k, v)
			}
		}
		opts.HTTPHeader = h
	}

	conn, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop()
	if w.pingInterval > 0 {
		go w.pingLoop()
	}

	if _, err := w.Call(ctx, "initialize", json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"capabilities": {},
		"clientInfo": {"name": "mcp-funnel", "version": "0.1.0"}
	}`)); err != nil {
		w.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	return w.Notify(ctx, "notifications/initialized", nil)
}

func (w *WebSocket) readLoop() {
	defer w.finish(nil)

	ctx := context.Background()
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			w.finish(classifyWSClose(err))
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("transport/websocket: malformed frame", "err", err)
			continue
		}

		if len(msg.ID) > 0 && msg.Method == "" {
			if msg.Error != nil {
				w.corr.Reject(string(msg.ID), msg.Error.asError())
			} else {
				w.corr.Resolve(string(msg.ID), msg.Result)
			}
			continue
		}
		if w.onNotify != nil && msg.Method != "" {
			w.onNotify(msg.Method, msg.Params)
		}
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := w.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := w.nextID.Add(1)
	idJSON := json.RawMessage(strconv.FormatInt(id, 10))

	ch, err := w.corr.Register(string(idJSON), 0)
	if err != nil {
		return nil, ErrClosed
	}

	req := rpcRequest{JSONRPC: "2.0", ID: idJSON, Method: method, Params: params}
	if err := w.writeJSON(ctx, req); err != nil {
		w.corr.Reject(string(idJSON), err)
		return nil, err
	}
	return correlator.Wait(ctx, ch)
}

func (w *WebSocket) Notify(ctx context.Context, method string, params json.RawMessage) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	return w.writeJSON(ctx, req)
}

func (w *WebSocket) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return &TransportError{Kind: ErrNotConnected, Msg: "not open"}
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return &TransportError{Kind: ErrSendFailed, Msg: "write frame", Err: err}
	}
	return nil
}

func (w *WebSocket) finish(err error) {
	w.doneOnce.Do(func() {
		close(w.done)
		w.corr.Close()
		if w.onClose != nil {
			w.onClose(err)
		}
	})
}

// classifyWSClose maps a WebSocket close code to a reconnect decision: code 1000 is
// a clean shutdown (no auto-reconnect, no error surfaced); code 1002 and
// any application-defined 4000-4999 code are terminal but surfaced
// verbatim as a TerminalError (no auto-reconnect; the application protocol
// violation is the caller's to diagnose); any other code, including 1006
// (no close frame at all, the common case for a dropped TCP connection),
// is left unwrapped so the reconnection manager retries it with backoff.
func classifyWSClose(err error) error {
	if err == nil {
		return nil
	}
	code := websocket.CloseStatus(err)
	switch {
	case code == int(websocket.StatusNormalClosure):
		return &reconnect.TerminalError{Err: err, Clean: true}
	case code == int(websocket.StatusProtocolError):
		return &reconnect.TerminalError{Err: err}
	case code >= 4000 && code <= 4999:
		return &reconnect.TerminalError{Err: err}
	default:
		return err
	}
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
	w.finish(nil)
	return nil
}
