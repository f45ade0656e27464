// Package transport implements the four upstream wire protocols a proxied
// MCP server may speak: stdio (subprocess), SSE, WebSocket, and
// StreamableHTTP. Grounded on the process-framing and JSON-RPC envelope
// code in downstream/instance.go and downstream/http_instance.go,
// generalized from that package's single-in-flight-request-per-scan
// loop to a continuously-reading connection that multiplexes an
// arbitrary number of concurrent requests through a correlator.Correlator.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
)

// ErrClosed is returned by Call/Notify once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Refresher is an optional capability a HeaderSource may implement to
// force a fresh credential fetch. auth.Provider implementations expose
// it; transports type-assert for it when a send comes back 401, triggering
// a single refresh() on the auth provider followed by one retry.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// refreshAuth best-effort refreshes src's credential, returning true
// only if src implements Refresher and the refresh succeeded.
func refreshAuth(ctx context.Context, src HeaderSource) bool {
	r, ok := src.(Refresher)
	if !ok {
		return false
	}
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("transport: auth refresh after 401 failed", "err", err)
		return false
	}
	return true
}

// rpcRequest is the outbound JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcMessage is the inbound envelope shape, covering responses
// (id+result/error) and server-initiated requests/notifications
// (method set, id optional).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) asError() error {
	if e == nil {
		return nil
	}
	return &CallError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// CallError is returned when an upstream server responds with a
// JSON-RPC error object.
type CallError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *CallError) Error() string {
	return "upstream error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// NotificationHandler receives server-initiated notifications and
// requests that aren't responses to an outstanding Call (e.g.
// notifications/tools/list_changed).
type NotificationHandler func(method string, params json.RawMessage)

// CloseHandler is invoked once, exactly when the connection has
// irrecoverably ended (process exit, socket close, stream EOF).
type CloseHandler func(err error)

// Conn is the capability every transport variant implements: start the
// connection, call a method and wait for its response, fire a
// notification with no response expected, and clean shutdown.
type Conn interface {
	// Start performs the transport's handshake (spawn+initialize for
	// stdio, connect for SSE/WebSocket/StreamableHTTP) and begins its
	// background read loop. Must be called once before Call/Notify.
	Start(ctx context.Context) error

	// Call sends method with params and blocks for its matched response.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notify sends method with params with no response expected.
	Notify(ctx context.Context, method string, params json.RawMessage) error

	// SetNotificationHandler registers the callback for server-initiated
	// messages. Must be called before Start.
	SetNotificationHandler(h NotificationHandler)

	// SetCloseHandler registers the callback invoked once the connection
	// has ended. Must be called before Start.
	SetCloseHandler(h CloseHandler)

	// Close ends the connection and releases its resources.
	Close() error
}
