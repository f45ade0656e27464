// Package config holds the proxy's static configuration data model: the
// tagged-variant transport and auth configs for each upstream server,
// environment-variable interpolation, and a thin YAML loader for the
// "servers:" file structure. It stops at producing configuration values —
// a database-backed registry, seeding, and CLI config management remain
// out of scope.
package config

import "time"

// TransportKind selects which of the four transport variants a server uses.
type TransportKind string

const (
	TransportStdio           TransportKind = "stdio"
	TransportSSE              TransportKind = "sse"
	TransportWebSocket         TransportKind = "websocket"
	TransportStreamableHTTP    TransportKind = "streamable_http"
)

// ReconnectPolicy configures the reconnection manager's backoff schedule.
// Zero-value fields are filled in by WithDefaults.
type ReconnectPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"maxAttempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms" json:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"max_delay_ms" json:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	Jitter            float64 `yaml:"jitter" json:"jitter"`
}

// WithDefaults returns a copy with the standard defaults (10, 1000, 30000, 2,
// 0.25) applied to any zero field.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = 1000
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = 30000
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	if p.Jitter == 0 {
		p.Jitter = 0.25
	}
	return p
}

// StdioConfig spawns a child process and frames JSON-RPC over its stdio.
type StdioConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// IdleTimeout stops the child after this long without a request.
	// Zero disables idle shutdown.
	IdleTimeout time.Duration `yaml:"-" json:"-"`
}

// SSEConfig opens an EventSource-style stream for server→client messages
// and POSTs client→server messages to the same base URL.
type SSEConfig struct {
	URL       string          `yaml:"url" json:"url"`
	Timeout   time.Duration   `yaml:"-" json:"-"`
	Reconnect ReconnectPolicy `yaml:"reconnect" json:"reconnect"`
}

// WebSocketConfig opens a single bidirectional WS connection.
type WebSocketConfig struct {
	URL          string          `yaml:"url" json:"url"`
	Timeout      time.Duration   `yaml:"-" json:"-"`
	PingInterval time.Duration   `yaml:"-" json:"-"`
	Reconnect    ReconnectPolicy `yaml:"reconnect" json:"reconnect"`
}

// StreamableHTTPConfig does request/response HTTP with optional session
// continuity via Mcp-Session-Id.
type StreamableHTTPConfig struct {
	URL       string          `yaml:"url" json:"url"`
	Timeout   time.Duration   `yaml:"-" json:"-"`
	SessionID string          `yaml:"session_id,omitempty" json:"sessionId,omitempty"`
	Reconnect ReconnectPolicy `yaml:"reconnect" json:"reconnect"`
}

// TransportConfig is the tagged union over transport kinds. Exactly one of
// the typed fields is populated, selected by Kind.
type TransportConfig struct {
	Kind           TransportKind
	Stdio          *StdioConfig
	SSE            *SSEConfig
	WebSocket      *WebSocketConfig
	StreamableHTTP *StreamableHTTPConfig
}

// AuthKind selects which of the four auth provider variants a server uses.
type AuthKind string

const (
	AuthNone                  AuthKind = "none"
	AuthBearer                 AuthKind = "bearer"
	AuthOAuth2ClientCredentials AuthKind = "oauth2_client_credentials"
	AuthOAuth2AuthCode          AuthKind = "oauth2_auth_code"
)

// BearerConfig carries a static bearer token.
type BearerConfig struct {
	Token string `yaml:"token" json:"token"`
}

// OAuth2ClientCredentialsConfig configures the client-credentials grant.
type OAuth2ClientCredentialsConfig struct {
	ClientID     string `yaml:"client_id" json:"clientId"`
	ClientSecret string `yaml:"client_secret" json:"clientSecret"`
	TokenURL     string `yaml:"token_endpoint" json:"tokenEndpoint"`
	Scope        string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Audience     string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// OAuth2AuthCodeConfig configures the authorization-code + PKCE grant.
type OAuth2AuthCodeConfig struct {
	ClientID         string `yaml:"client_id" json:"clientId"`
	ClientSecret     string `yaml:"client_secret,omitempty" json:"clientSecret,omitempty"`
	AuthorizationURL string `yaml:"authorization_endpoint" json:"authorizationEndpoint"`
	TokenURL         string `yaml:"token_endpoint" json:"tokenEndpoint"`
	RedirectURI      string `yaml:"redirect_uri" json:"redirectUri"`
	Scope            string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Audience         string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// AuthConfig is the tagged union over auth provider kinds.
type AuthConfig struct {
	Kind                      AuthKind
	Bearer                    *BearerConfig
	OAuth2ClientCredentials   *OAuth2ClientCredentialsConfig
	OAuth2AuthCode            *OAuth2AuthCodeConfig
}

// UpstreamServer is one entry of the "servers:" map in a config file.
type UpstreamServer struct {
	Name      string
	Transport TransportConfig
	Auth      AuthConfig
}
