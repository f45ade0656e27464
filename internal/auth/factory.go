package auth

import (
	"fmt"

	"github.com/mcp-funnel/core/internal/config"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/tokenstore"
)

// New builds the Provider named by cfg for one upstream server, keyed
// by serverName in store for token persistence and proactive refresh.
// production governs the auth-code flow's URL-safety check (plaintext
// endpoints only against localhost); logger receives the providers'
// audit events and may be nil.
func New(
	serverName string, cfg config.AuthConfig,
	store tokenstore.ITokenStorage, scheduler *tokenstore.Scheduler,
	production bool, logger *eventlog.Logger,
) (Provider, error) {
	switch cfg.Kind {
	case "", config.AuthNone:
		return NewNoAuth(logger), nil

	case config.AuthBearer:
		if cfg.Bearer == nil {
			return nil, fmt.Errorf("auth: bearer config missing for %q", serverName)
		}
		return NewBearer(cfg.Bearer.Token, logger)

	case config.AuthOAuth2ClientCredentials:
		c := cfg.OAuth2ClientCredentials
		if c == nil {
			return nil, fmt.Errorf("auth: oauth2_client_credentials config missing for %q", serverName)
		}
		return NewClientCredentials(serverName, c.ClientID, c.ClientSecret, c.TokenURL, c.Scope, c.Audience, store, scheduler, logger)

	case config.AuthOAuth2AuthCode:
		c := cfg.OAuth2AuthCode
		if c == nil {
			return nil, fmt.Errorf("auth: oauth2_auth_code config missing for %q", serverName)
		}
		return NewAuthCode(serverName, c.ClientID, c.ClientSecret, c.AuthorizationURL, c.TokenURL, c.RedirectURI, c.Scope, store, scheduler, production, logger)

	default:
		return nil, fmt.Errorf("auth: unknown auth kind %q for %q", cfg.Kind, serverName)
	}
}
