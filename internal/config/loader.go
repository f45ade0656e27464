package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the raw "servers:" YAML shape, before
// ${VAR} interpolation and before being lifted into the tagged-variant
// TransportConfig/AuthConfig data model.
type fileConfig struct {
	Servers map[string]fileServer `yaml:"servers"`
}

type fileServer struct {
	Transport fileTransport `yaml:"transport"`
	Auth      *fileAuth     `yaml:"auth,omitempty"`
}

type fileTransport struct {
	Type          string            `yaml:"type"`
	Command       string            `yaml:"command,omitempty"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	IdleTimeoutMs int               `yaml:"idle_timeout_ms,omitempty"`
	URL           string            `yaml:"url,omitempty"`
	TimeoutMs     int               `yaml:"timeout_ms,omitempty"`
	PingMs        int               `yaml:"ping_interval_ms,omitempty"`
	SessionID     string            `yaml:"session_id,omitempty"`
	Reconnect     *ReconnectPolicy  `yaml:"reconnect,omitempty"`
}

type fileAuth struct {
	Type                      string `yaml:"type"`
	Token                     string `yaml:"token,omitempty"`
	ClientID                  string `yaml:"client_id,omitempty"`
	ClientSecret              string `yaml:"client_secret,omitempty"`
	TokenEndpoint             string `yaml:"token_endpoint,omitempty"`
	AuthorizationEndpoint     string `yaml:"authorization_endpoint,omitempty"`
	RedirectURI               string `yaml:"redirect_uri,omitempty"`
	Scope                     string `yaml:"scope,omitempty"`
	Audience                  string `yaml:"audience,omitempty"`
}

// LoadFile reads and parses a YAML config file into validated
// UpstreamServer values. ${VAR} interpolation is applied to the stdio
// command, args and env values, to every transport url, to the bearer
// token, to the client-credentials client_id, client_secret and
// token_endpoint, and to the auth-code client_id. The remaining string
// fields (session_id, scope, audience, and the auth-code client_secret,
// endpoints and redirect_uri) are taken literally, without interpolation.
func LoadFile(path string) ([]UpstreamServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes into validated UpstreamServer values.
func Parse(data []byte) ([]UpstreamServer, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	servers := make([]UpstreamServer, 0, len(fc.Servers))
	for name, fs := range fc.Servers {
		us, err := buildServer(name, fs)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		servers = append(servers, us)
	}
	return servers, nil
}

func buildServer(name string, fs fileServer) (UpstreamServer, error) {
	transport, err := buildTransport(fs.Transport)
	if err != nil {
		return UpstreamServer{}, err
	}
	auth, err := buildAuth(fs.Auth)
	if err != nil {
		return UpstreamServer{}, err
	}
	return UpstreamServer{Name: name, Transport: transport, Auth: auth}, nil
}

func buildTransport(ft fileTransport) (TransportConfig, error) {
	policy := ReconnectPolicy{}
	if ft.Reconnect != nil {
		policy = *ft.Reconnect
	}
	policy = policy.WithDefaults()

	switch TransportKind(ft.Type) {
	case TransportStdio:
		env := make(map[string]string, len(ft.Env))
		for k, v := range ft.Env {
			resolved, err := interpolateRequired(v)
			if err != nil {
				return TransportConfig{}, err
			}
			env[k] = resolved
		}
		args := make([]string, len(ft.Args))
		for i, a := range ft.Args {
			resolved, err := interpolateRequired(a)
			if err != nil {
				return TransportConfig{}, err
			}
			args[i] = resolved
		}
		cmd, err := interpolateRequired(ft.Command)
		if err != nil {
			return TransportConfig{}, err
		}
		return TransportConfig{Kind: TransportStdio, Stdio: &StdioConfig{
			Command: cmd, Args: args, Env: env, IdleTimeout: millis(ft.IdleTimeoutMs),
		}}, nil

	case TransportSSE:
		url, err := interpolateRequired(ft.URL)
		if err != nil {
			return TransportConfig{}, err
		}
		return TransportConfig{Kind: TransportSSE, SSE: &SSEConfig{
			URL: url, Timeout: millis(ft.TimeoutMs), Reconnect: policy,
		}}, nil

	case TransportWebSocket:
		url, err := interpolateRequired(ft.URL)
		if err != nil {
			return TransportConfig{}, err
		}
		return TransportConfig{Kind: TransportWebSocket, WebSocket: &WebSocketConfig{
			URL: url, Timeout: millis(ft.TimeoutMs), PingInterval: millis(ft.PingMs), Reconnect: policy,
		}}, nil

	case TransportStreamableHTTP:
		url, err := interpolateRequired(ft.URL)
		if err != nil {
			return TransportConfig{}, err
		}
		return TransportConfig{Kind: TransportStreamableHTTP, StreamableHTTP: &StreamableHTTPConfig{
			URL: url, Timeout: millis(ft.TimeoutMs), SessionID: ft.SessionID, Reconnect: policy,
		}}, nil

	default:
		return TransportConfig{}, fmt.Errorf("unknown transport type %q", ft.Type)
	}
}

func buildAuth(fa *fileAuth) (AuthConfig, error) {
	if fa == nil {
		return AuthConfig{Kind: AuthNone}, nil
	}
	switch AuthKind(fa.Type) {
	case "", AuthNone:
		return AuthConfig{Kind: AuthNone}, nil
	case AuthBearer:
		token, err := interpolateRequired(fa.Token)
		if err != nil {
			return AuthConfig{}, err
		}
		return AuthConfig{Kind: AuthBearer, Bearer: &BearerConfig{Token: token}}, nil
	case AuthOAuth2ClientCredentials:
		clientID, err := interpolateRequired(fa.ClientID)
		if err != nil {
			return AuthConfig{}, err
		}
		clientSecret, err := interpolateRequired(fa.ClientSecret)
		if err != nil {
			return AuthConfig{}, err
		}
		tokenURL, err := interpolateRequired(fa.TokenEndpoint)
		if err != nil {
			return AuthConfig{}, err
		}
		return AuthConfig{Kind: AuthOAuth2ClientCredentials, OAuth2ClientCredentials: &OAuth2ClientCredentialsConfig{
			ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL,
			Scope: fa.Scope, Audience: fa.Audience,
		}}, nil
	case AuthOAuth2AuthCode:
		clientID, err := interpolateRequired(fa.ClientID)
		if err != nil {
			return AuthConfig{}, err
		}
		return AuthConfig{Kind: AuthOAuth2AuthCode, OAuth2AuthCode: &OAuth2AuthCodeConfig{
			ClientID: clientID, ClientSecret: fa.ClientSecret,
			AuthorizationURL: fa.AuthorizationEndpoint, TokenURL: fa.TokenEndpoint,
			RedirectURI: fa.RedirectURI, Scope: fa.Scope, Audience: fa.Audience,
		}}, nil
	default:
		return AuthConfig{}, fmt.Errorf("unknown auth type %q", fa.Type)
	}
}

func interpolateRequired(s string) (string, error) {
	if s == "" {
		return s, nil
	}
	return Interpolate(s, true)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
