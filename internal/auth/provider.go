// Package auth supplies outbound authentication for upstream MCP
// servers: a capability interface implemented by a no-op, a static
// bearer token, an OAuth2 client-credentials grant, and an OAuth2
// authorization-code+PKCE grant. Grounded on the orchestration shape of
// oauth.FlowManager, decoupled here from its database-backed
// store.AuthScope/store.OAuthProvider entities and built instead
// straight off config.AuthConfig and tokenstore.ITokenStorage.
package auth

import (
	"context"
	"net/http"

	"github.com/mcp-funnel/core/internal/eventlog"
)

// Audit event names emitted by this package, per the auth-provider
// observability contract: construction success, the operator-facing
// authorization-URL prompt, and pending-state expiry.
const (
	EventProviderCreated        = "auth:provider_created"
	EventOAuthAuthorizeRequired = "auth:oauth_authorization_required"
	EventOAuthStateExpired      = "auth:oauth_state_expired"
)

// Provider supplies the headers needed to authenticate outbound
// requests to one upstream server, refreshing its credential as needed.
type Provider interface {
	// Headers returns the headers to attach to an outbound request,
	// refreshing an expiring/expired credential first if required.
	Headers(ctx context.Context) (http.Header, error)
	// Refresh forces acquisition of a fresh credential, bypassing any
	// cached/not-yet-expired one. Transport callers invoke this after a
	// 401 before retrying once (the retry-after-refresh
	// policy); providers that cannot refresh a credential (NoAuth,
	// Bearer) treat it as a no-op.
	Refresh(ctx context.Context) error
	// Close releases any background resources (refresh timers, etc).
	Close()
}

// emitProviderCreated publishes the construction audit event for a
// successfully built provider. meta carries only safe, non-secret
// metadata (provider type, token/field lengths) — never a credential
// value. logger is nil-safe: tests and callers that don't wire an
// eventlog.Logger simply skip emission.
func emitProviderCreated(logger *eventlog.Logger, kind string, meta map[string]any) {
	if logger == nil {
		return
	}
	data := map[string]any{"providerType": kind}
	for k, v := range meta {
		data[k] = v
	}
	logger.Emit(eventlog.LevelInfo, EventProviderCreated, data)
}
