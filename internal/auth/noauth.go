package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mcp-funnel/core/internal/eventlog"
)

// NoAuth attaches no headers. Used for upstream servers with auth.kind
// "none".
type NoAuth struct{}

// NewNoAuth creates a NoAuth provider and emits its construction audit
// event. logger may be nil.
func NewNoAuth(logger *eventlog.Logger) NoAuth {
	emitProviderCreated(logger, "none", nil)
	return NoAuth{}
}

func (NoAuth) Headers(ctx context.Context) (http.Header, error) { return http.Header{}, nil }

// Refresh is a logged no-op: there is no credential to re-acquire.
func (NoAuth) Refresh(ctx context.Context) error {
	slog.Debug("auth: no-auth provider has no credential to refresh, ignoring")
	return nil
}
func (NoAuth) Close() {}
