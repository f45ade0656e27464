package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcp-funnel/core/internal/eventlog"
)

// Bearer attaches a static, pre-shared bearer token.
type Bearer struct {
	header http.Header
}

// NewBearer creates a Bearer provider. Returns ErrMissingToken if token
// is empty or all whitespace, in which case no auth:provider_created
// event is emitted. logger may be nil.
func NewBearer(token string, logger *eventlog.Logger) (*Bearer, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	emitProviderCreated(logger, "bearer", map[string]any{"tokenLength": len(token)})
	return &Bearer{header: h}, nil
}

func (b *Bearer) Headers(ctx context.Context) (http.Header, error) {
	return b.header.Clone(), nil
}

// Refresh is a logged no-op: a pre-shared bearer token has no
// acquisition flow to re-run.
func (b *Bearer) Refresh(ctx context.Context) error {
	slog.Debug("auth: bearer token cannot be refreshed, ignoring")
	return nil
}

func (b *Bearer) Close() {}
