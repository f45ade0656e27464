package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-funnel/core/internal/auth"
	"github.com/mcp-funnel/core/internal/config"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/reconnect"
	"github.com/mcp-funnel/core/internal/transport"
)

// Status is the status a ServerStatus snapshot reports, matching the
// proxy supervisor's Disconnected/Connecting/Connected/Reconnecting/
// Failed/Terminating state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusTerminating  Status = "terminating"
)

// ServerStatus is the synchronous snapshot returned by
// Supervisor.GetServerStatus.
type ServerStatus struct {
	Status      Status
	ConnectedAt *time.Time
	Err         error
}

// Connection owns one upstream server's transport, its auth provider,
// and the reconnect.Manager driving its lifecycle: one process/connection
// per configured server, generalized onto the four-transport-kind union
// instead of stdio-only, and wired to reconnect.Manager instead of an
// idle-timeout-only lifecycle.
type Connection struct {
	name         string
	instanceID   string
	server       config.UpstreamServer
	authProvider auth.Provider
	logger       *eventlog.Logger
	production   bool

	reconnMgr *reconnect.Manager

	mu          sync.Mutex
	conn        transport.Conn
	status      Status
	connectedAt *time.Time
	lastErr     error
	runCancel   context.CancelFunc
	running     bool
	runDone     chan struct{}
}

func newConnection(server config.UpstreamServer, provider auth.Provider, logger *eventlog.Logger, production bool) *Connection {
	c := &Connection{
		name:         server.Name,
		instanceID:   uuid.NewString(),
		server:       server,
		authProvider: provider,
		logger:       logger,
		production:   production,
		status:       StatusDisconnected,
	}
	c.reconnMgr = reconnect.New(server.Name, reconnectPolicyFor(server.Transport), c.dial,
		reconnect.WithStateCallback(c.onState))
	return c
}

// Run drives the connect/reconnect loop until ctx is cancelled. Intended
// to be called in its own goroutine by Supervisor.Initialize and by
// Supervisor.ReconnectServer.
func (c *Connection) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.runCancel = cancel
	c.running = true
	c.runDone = done
	c.mu.Unlock()

	err := c.reconnMgr.Run(runCtx)

	c.mu.Lock()
	c.running = false
	if err != nil && !errors.Is(err, reconnect.ErrMaxAttemptsExceeded) {
		c.lastErr = err
	}
	c.mu.Unlock()
	cancel()
	close(done)
}

// dial is the reconnect.Dial callback: it builds a fresh transport,
// performs its handshake, and blocks until the connection ends.
func (c *Connection) dial(ctx context.Context) error {
	conn, err := buildTransport(c.server.Transport, c.authProvider, c.production)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	closed := make(chan error, 1)
	conn.SetNotificationHandler(func(method string, params json.RawMessage) {
		c.logger.Emit(eventlog.LevelInfo, EventUpstreamNotification, map[string]any{
			"serverName": c.name, "method": method,
		})
	})
	conn.SetCloseHandler(func(err error) {
		select {
		case closed <- err:
		default:
		}
	})

	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.lastErr = nil
	c.mu.Unlock()
	c.reconnMgr.MarkConnected()

	select {
	case err := <-closed:
		c.clearConn()
		if err == nil {
			err = errors.New("upstream connection closed")
		}
		return err
	case <-ctx.Done():
		conn.Close()
		c.clearConn()
		return nil
	}
}

func (c *Connection) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// onState maps reconnect.State transitions onto Status, tracks
// connectedAt, and emits the event-bus records.
func (c *Connection) onState(s reconnect.State) {
	status := mapReconnectState(s)
	now := time.Now()

	c.mu.Lock()
	c.status = status
	if status == StatusConnected {
		c.connectedAt = &now
	} else if status != StatusReconnecting {
		c.connectedAt = nil
	}
	lastErr := c.lastErr
	attempt := c.reconnMgr.Attempt()
	c.mu.Unlock()

	data := map[string]any{
		"serverName": c.name,
		"instanceId": c.instanceID,
		"status":     string(status),
		"timestamp":  now.Format(time.RFC3339Nano),
	}
	if lastErr != nil {
		data["reason"] = lastErr.Error()
	}
	if attempt > 0 {
		data["retryAttempt"] = attempt
	}
	if status == StatusReconnecting {
		data["nextRetryDelayMs"] = c.reconnMgr.NextDelayMs()
	}

	switch status {
	case StatusConnected:
		c.logger.Emit(eventlog.LevelInfo, EventServerConnected, data)
	case StatusReconnecting:
		c.logger.Emit(eventlog.LevelWarn, EventServerReconnecting, data)
	case StatusDisconnected, StatusFailed:
		c.logger.Emit(eventlog.LevelWarn, EventServerDisconnected, data)
	}
}

func mapReconnectState(s reconnect.State) Status {
	switch s {
	case reconnect.StateConnecting:
		return StatusConnecting
	case reconnect.StateConnected:
		return StatusConnected
	case reconnect.StateReconnecting:
		return StatusReconnecting
	case reconnect.StateFailed:
		return StatusFailed
	default:
		return StatusDisconnected
	}
}

// markFailed records a startup failure (e.g. the auth provider could
// not be constructed) without ever having run the connect loop.
func (c *Connection) markFailed(err error) {
	c.mu.Lock()
	c.status = StatusFailed
	c.lastErr = err
	c.mu.Unlock()
}

// Status returns a synchronous snapshot of this connection's state.
func (c *Connection) Status() ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ServerStatus{Status: c.status, ConnectedAt: c.connectedAt, Err: c.lastErr}
}

// Call forwards a JSON-RPC call to this server's live transport. It
// fails fast with ErrUnavailable when the server isn't currently
// connected; there is no implicit request queuing.
func (c *Connection) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	conn, status := c.conn, c.status
	c.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return nil, ErrUnavailable
	}
	return conn.Call(ctx, method, params)
}

// Reconnect resets the attempt counter and (re)starts the connect loop
// in the background. Rejects if the server is already connected.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("proxy: reconnect already in progress for %q", c.name)
	}
	c.mu.Unlock()

	c.reconnMgr.Reset()
	go c.Run(ctx)
	return nil
}

// Disconnect idempotently tears down the connection: it cancels the
// run loop (preempting any pending backoff timer), closes the live
// transport if any (the stdio, SSE and WebSocket transports reject
// outstanding requests through their own correlator; StreamableHTTP has
// none, and its in-flight requests are left to their own contexts), and
// settles in Disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected || c.status == StatusTerminating {
		c.mu.Unlock()
		return
	}
	c.status = StatusTerminating
	cancel := c.runCancel
	conn := c.conn
	runDone := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if runDone != nil {
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
		}
	}

	c.mu.Lock()
	c.status = StatusDisconnected
	c.connectedAt = nil
	c.conn = nil
	c.mu.Unlock()

	c.logger.Emit(eventlog.LevelInfo, EventServerDisconnected, map[string]any{
		"serverName": c.name,
		"status":     string(StatusDisconnected),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
}

// Close releases the auth provider's background resources (refresh
// timers, pending-flow sweeps). Only called on final supervisor
// shutdown, never on an ordinary Disconnect, since a later Reconnect
// needs the same provider instance.
func (c *Connection) Close() {
	c.Disconnect()
	c.authProvider.Close()
}

func buildTransport(t config.TransportConfig, headers transport.HeaderSource, production bool) (transport.Conn, error) {
	switch t.Kind {
	case config.TransportStdio:
		if t.Stdio == nil {
			return nil, fmt.Errorf("stdio transport config missing")
		}
		return transport.NewStdio(t.Stdio.Command, t.Stdio.Args, t.Stdio.Env, t.Stdio.IdleTimeout), nil

	case config.TransportSSE:
		if t.SSE == nil {
			return nil, fmt.Errorf("sse transport config missing")
		}
		return transport.NewSSE(t.SSE.URL, headers, t.SSE.Timeout, production)

	case config.TransportWebSocket:
		if t.WebSocket == nil {
			return nil, fmt.Errorf("websocket transport config missing")
		}
		return transport.NewWebSocket(t.WebSocket.URL, headers, t.WebSocket.PingInterval, production)

	case config.TransportStreamableHTTP:
		if t.StreamableHTTP == nil {
			return nil, fmt.Errorf("streamable_http transport config missing")
		}
		return transport.NewStreamableHTTP(t.StreamableHTTP.URL, headers, t.StreamableHTTP.Timeout, production)

	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}

func reconnectPolicyFor(t config.TransportConfig) config.ReconnectPolicy {
	switch t.Kind {
	case config.TransportSSE:
		if t.SSE != nil {
			return t.SSE.Reconnect
		}
	case config.TransportWebSocket:
		if t.WebSocket != nil {
			return t.WebSocket.Reconnect
		}
	case config.TransportStreamableHTTP:
		if t.StreamableHTTP != nil {
			return t.StreamableHTTP.Reconnect
		}
	}
	// Stdio carries no explicit reconnect policy; fall back to the
	// package defaults (reconnect.New applies ReconnectPolicy.WithDefaults).
	return config.ReconnectPolicy{}
}
