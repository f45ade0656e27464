package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mcp-funnel/core/internal/cache"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/tokenstore"
)

// ClientCredentials authenticates via the OAuth2 client-credentials
// grant (golang.org/x/oauth2/clientcredentials), persisting the
// resulting token through tokenstore and giving concurrent Headers()
// callers a single in-flight token acquisition via cache.Cache's
// singleflight GetOrLoad, the same pattern the cache package documents
// for this exact use.
type ClientCredentials struct {
	key       string
	cfg       clientcredentials.Config
	store     tokenstore.ITokenStorage
	scheduler *tokenstore.Scheduler
	inflight  *cache.Cache[string, *oauth2.Token]
}

// NewClientCredentials creates a ClientCredentials provider keyed by
// key (typically the upstream server's name) in store, with background
// proactive refresh armed through scheduler.
func NewClientCredentials(
	key, clientID, clientSecret, tokenURL, scope, audience string,
	store tokenstore.ITokenStorage, scheduler *tokenstore.Scheduler, logger *eventlog.Logger,
) (*ClientCredentials, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, ErrMissingToken
	}

	var scopes []string
	if scope != "" {
		scopes = strings.Fields(scope)
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	if audience != "" {
		cfg.EndpointParams = map[string][]string{"audience": {audience}}
	}

	cc := &ClientCredentials{
		key:       key,
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		inflight:  cache.New[string, *oauth2.Token](1, 0),
	}
	emitProviderCreated(logger, "oauth2_client_credentials", map[string]any{
		"clientIdLength": len(clientID),
	})
	return cc, nil
}

func (c *ClientCredentials) Headers(ctx context.Context) (http.Header, error) {
	tok, err := c.validToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	return h, nil
}

func (c *ClientCredentials) validToken(ctx context.Context) (*oauth2.Token, error) {
	if stored, err := c.store.Retrieve(ctx, c.key); err == nil && !stored.ExpiresWithin(time.Now(), 60*time.Second) {
		return &oauth2.Token{AccessToken: stored.AccessToken, Expiry: stored.ExpiresAt}, nil
	}

	return c.inflight.GetOrLoad(c.key, func() (*oauth2.Token, error) {
		tok, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, mapClientCredentialsError(err)
		}
		td := tokenstore.TokenData{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresAt: tok.Expiry}
		if err := c.store.Store(ctx, c.key, td); err != nil {
			return nil, fmt.Errorf("store client_credentials token: %w", err)
		}
		if c.scheduler != nil {
			c.scheduler.Schedule(c.key, td, c.refresh)
		}
		return tok, nil
	})
}

func (c *ClientCredentials) refresh(ctx context.Context, current tokenstore.TokenData) (tokenstore.TokenData, error) {
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return tokenstore.TokenData{}, mapClientCredentialsError(err)
	}
	c.inflight.Invalidate(c.key)
	return tokenstore.TokenData{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresAt: tok.Expiry}, nil
}

// Refresh forces a fresh client_credentials acquisition, bypassing the
// token store's not-yet-expired check and any in-flight single-flight
// result a concurrent Headers() call might be sharing.
func (c *ClientCredentials) Refresh(ctx context.Context) error {
	c.inflight.Invalidate(c.key)
	_, err := c.inflight.GetOrLoad(c.key, func() (*oauth2.Token, error) {
		tok, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, mapClientCredentialsError(err)
		}
		td := tokenstore.TokenData{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresAt: tok.Expiry}
		if err := c.store.Store(ctx, c.key, td); err != nil {
			return nil, fmt.Errorf("store client_credentials token: %w", err)
		}
		return tok, nil
	})
	return err
}

func (c *ClientCredentials) Close() {
	if c.scheduler != nil {
		c.scheduler.Cancel(c.key)
	}
}

// mapClientCredentialsError classifies the error returned by
// clientcredentials.Config.Token into the RFC 6749 AuthError taxonomy
// when the token endpoint responded with a standard error body, and
// falls back to SERVER_ERROR/UNKNOWN_ERROR otherwise.
func mapClientCredentialsError(err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if code, ok := rfc6749ErrorCodes[retrieveErr.ErrorCode]; ok {
			return &AuthError{Code: code, Msg: retrieveErr.ErrorDescription, Err: err}
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return &AuthError{Code: ErrCodeServerError, Msg: "client_credentials token request failed", Err: err}
		}
		return &AuthError{Code: ErrCodeUnknown, Msg: "client_credentials token request failed", Err: err}
	}
	return &AuthError{Code: ErrCodeUnknown, Msg: "client_credentials token request failed", Err: err}
}
