// Package proxy implements the supervisor that owns every configured
// upstream MCP server's connection lifecycle: parallel
// startup, manual reconnect/disconnect, status snapshots, and fail-fast
// tool-call forwarding. Grounded on downstream/manager.go's Manager,
// generalized from that type's lazy per-auth-scope instance pool onto
// one long-lived reconnect.Manager-driven Connection per configured
// server.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mcp-funnel/core/internal/auth"
	"github.com/mcp-funnel/core/internal/config"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/tokenstore"
)

var (
	// ErrUnavailable is returned by Call when the target server isn't
	// currently connected. No implicit queuing is attempted.
	ErrUnavailable = errors.New("proxy: upstream not connected")
	// ErrUnknownServer is returned by any per-server operation naming a
	// server absent from the configured set.
	ErrUnknownServer = errors.New("proxy: unknown server")
	// ErrAlreadyConnected is returned by ReconnectServer when the named
	// server is already connected.
	ErrAlreadyConnected = errors.New("proxy: server already connected")
)

// Supervisor holds every configured upstream server's Connection and
// exposes the fleet-wide management operations.
type Supervisor struct {
	tokenStore tokenstore.ITokenStorage
	scheduler  *tokenstore.Scheduler
	logger     *eventlog.Logger
	production bool

	mu          sync.RWMutex
	connections map[string]*Connection
	runCtx      context.Context
	runCancel   context.CancelFunc
}

// NewSupervisor creates an empty Supervisor. store/scheduler back the
// OAuth2 providers constructed for each server's AuthConfig; logger may
// be constructed with a nil bus for tests. production enforces the
// URL-safety rule (plaintext transports only against localhost)
// across every network transport; pass false only for local dev/test
// against a non-TLS upstream that isn't localhost.
func NewSupervisor(store tokenstore.ITokenStorage, scheduler *tokenstore.Scheduler, logger *eventlog.Logger, production bool) *Supervisor {
	return &Supervisor{
		tokenStore:  store,
		scheduler:   scheduler,
		logger:      logger,
		production:  production,
		connections: make(map[string]*Connection),
	}
}

// Initialize builds a Connection for every configured server and starts
// its connect loop in parallel (errgroup, grounded on
// downstream/manager.go's ListToolsForServers fan-out). A server whose
// auth provider fails to construct is recorded as Failed rather than
// aborting the other servers' startup (failures
// do not abort the process").
func (s *Supervisor) Initialize(ctx context.Context, servers []config.UpstreamServer) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx, s.runCancel = runCtx, cancel
	s.mu.Unlock()

	conns := make(map[string]*Connection, len(servers))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(runCtx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			conn, err := s.buildConnection(srv)
			if err != nil {
				s.logger.Emit(eventlog.LevelError, EventServerDisconnected, map[string]any{
					"serverName": srv.Name,
					"status":     string(StatusFailed),
					"reason":     err.Error(),
				})
				conn = newConnection(srv, auth.NoAuth{}, s.logger, s.production)
				conn.markFailed(err)
			} else {
				go conn.Run(gCtx)
			}
			mu.Lock()
			conns[srv.Name] = conn
			mu.Unlock()
			return nil
		})
	}
	// Startup failures are recorded per-server above and never aborted
	// via g.Wait()'s error, so g.Wait() here only ever observes nil.
	_ = g.Wait()

	s.mu.Lock()
	s.connections = conns
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) buildConnection(srv config.UpstreamServer) (*Connection, error) {
	provider, err := auth.New(srv.Name, srv.Auth, s.tokenStore, s.scheduler, s.production, s.logger)
	if err != nil {
		return nil, fmt.Errorf("build auth provider: %w", err)
	}
	return newConnection(srv, provider, s.logger, s.production), nil
}

func (s *Supervisor) getConnection(name string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[name]
	return c, ok
}

// ReconnectServer rejects if name is unknown or already connected;
// otherwise resets the attempt counter and restarts the connect loop.
func (s *Supervisor) ReconnectServer(name string) error {
	conn, ok := s.getConnection(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("proxy: supervisor not initialized")
	}
	return conn.Reconnect(ctx)
}

// DisconnectServer idempotently tears down the named connection.
func (s *Supervisor) DisconnectServer(name string) error {
	conn, ok := s.getConnection(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	conn.Disconnect()
	return nil
}

// GetServerStatus returns a synchronous snapshot for the named server.
func (s *Supervisor) GetServerStatus(name string) (ServerStatus, error) {
	conn, ok := s.getConnection(name)
	if !ok {
		return ServerStatus{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return conn.Status(), nil
}

// ListServers returns the names of every configured server.
func (s *Supervisor) ListServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.connections))
	for name := range s.connections {
		names = append(names, name)
	}
	return names
}

// Call forwards a JSON-RPC request to the named upstream's live
// transport, preserving the response (or error) end-to-end. Fails fast
// with ErrUnavailable if the target isn't connected.
func (s *Supervisor) Call(ctx context.Context, serverName, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, ok := s.getConnection(serverName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}
	return conn.Call(ctx, method, params)
}

// Shutdown disconnects every server and releases their auth providers'
// background resources. Safe to call once, after which the Supervisor
// must not be reused.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
