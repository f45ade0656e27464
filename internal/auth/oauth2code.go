package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcp-funnel/core/internal/config"
	"github.com/mcp-funnel/core/internal/eventlog"
	"github.com/mcp-funnel/core/internal/tokenstore"
	"github.com/mcp-funnel/core/internal/transport"
)

// AuthCode authenticates via the OAuth2 authorization-code grant with
// PKCE, generalized from oauth.FlowManager off its store.Store/
// store.OAuthProvider entities and onto config.OAuth2AuthCodeConfig +
// tokenstore.ITokenStorage. Unlike ClientCredentials, it cannot acquire
// its first token unattended: AuthorizeURL/HandleCallback must be
// driven by whatever embeds this proxy.
type AuthCode struct {
	key          string
	clientID     string
	clientSecret string
	authURL      string
	tokenURL     string
	redirectURI  string
	scope        string

	store     tokenstore.ITokenStorage
	scheduler *tokenstore.Scheduler
	states    *stateStore
	client    *http.Client
	logger    *eventlog.Logger
}

// NewAuthCode creates an AuthCode provider. authURL and tokenURL must
// parse as https:// URLs; a plaintext http:// endpoint is only accepted
// against localhost, the same URL-safety rule the network transports
// enforce, since this flow prompts an operator to open these URLs in a
// browser and exchanges credentials with them directly. production
// enforces that rule off-localhost; logger may be nil.
func NewAuthCode(
	key, clientID, clientSecret, authURL, tokenURL, redirectURI, scope string,
	store tokenstore.ITokenStorage, scheduler *tokenstore.Scheduler,
	production bool, logger *eventlog.Logger,
) (*AuthCode, error) {
	if clientID == "" || authURL == "" || tokenURL == "" || redirectURI == "" {
		return nil, &config.ConfigError{Msg: "oauth2_auth_code requires client_id, authorization_endpoint, token_endpoint, redirect_uri"}
	}
	if err := checkEndpointURL(authURL, production); err != nil {
		return nil, err
	}
	if err := checkEndpointURL(tokenURL, production); err != nil {
		return nil, err
	}
	ac := &AuthCode{
		key: key, clientID: clientID, clientSecret: clientSecret,
		authURL: authURL, tokenURL: tokenURL, redirectURI: redirectURI, scope: scope,
		store: store, scheduler: scheduler,
		states: newStateStore(0, key, logger),
		client: http.DefaultClient,
		logger: logger,
	}
	emitProviderCreated(logger, "oauth2_auth_code", map[string]any{"clientIdLength": len(clientID)})
	return ac, nil
}

// checkEndpointURL mirrors transport.CheckURLSafety's scheme/localhost
// policy for the authorization and token endpoints: they carry
// credentials just as surely as a network transport URL does, so the
// same plaintext-only-against-localhost rule applies. Reports a
// config.ConfigError rather than a transport.TransportError since this
// is caught at construction time, not at connect time.
func checkEndpointURL(rawURL string, production bool) error {
	if err := transport.CheckURLSafety(rawURL, "https", "http", production); err != nil {
		return &config.ConfigError{Msg: fmt.Sprintf("invalid endpoint url %q", rawURL), Err: err}
	}
	return nil
}

// AuthorizeURL builds the authorization request URL and returns it. The
// state token the caller must round-trip to HandleCallback is carried in
// the URL's "state" query parameter.
func (a *AuthCode) AuthorizeURL(ctx context.Context) (string, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}

	state, err := a.states.Create(a.key, verifier)
	if err != nil {
		return "", fmt.Errorf("create oauth state: %w", err)
	}

	u, err := url.Parse(a.authURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", a.clientID)
	q.Set("redirect_uri", a.redirectURI)
	q.Set("state", state)
	q.Set("code_challenge", CodeChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	if a.scope != "" {
		q.Set("scope", a.scope)
	}
	u.RawQuery = q.Encode()
	authorizeURL := u.String()

	if a.logger != nil {
		a.logger.Emit(eventlog.LevelInfo, EventOAuthAuthorizeRequired, map[string]any{
			"serverName": a.key,
			"url":        authorizeURL,
		})
	}
	fmt.Fprintf(os.Stderr, "auth: open this URL to authorize %q:\n%s\n", a.key, authorizeURL)

	return authorizeURL, nil
}

// HandleCallback exchanges code for tokens after validating state
// against a previously issued AuthorizeURL call, and persists the
// result through the token store.
func (a *AuthCode) HandleCallback(ctx context.Context, state, code string) error {
	flow, ok := a.states.Validate(state)
	if !ok {
		return &AuthError{Code: ErrCodeInvalidRequest, Msg: "invalid or expired oauth state"}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.redirectURI},
		"client_id":     {a.clientID},
		"code_verifier": {flow.CodeVerifier},
	}
	if a.clientSecret != "" {
		form.Set("client_secret", a.clientSecret)
	}

	tok, err := a.postToken(ctx, form)
	if err != nil {
		return err
	}
	if err := a.store.Store(ctx, a.key, tok); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if a.scheduler != nil {
		a.scheduler.Schedule(a.key, tok, a.refresh)
	}
	return nil
}

func (a *AuthCode) refresh(ctx context.Context, current tokenstore.TokenData) (tokenstore.TokenData, error) {
	if current.RefreshToken == "" {
		return tokenstore.TokenData{}, fmt.Errorf("no refresh token available")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
		"client_id":     {a.clientID},
	}
	if a.clientSecret != "" {
		form.Set("client_secret", a.clientSecret)
	}
	tok, err := a.postToken(ctx, form)
	if err != nil {
		return tokenstore.TokenData{}, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	return tok, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (a *AuthCode) postToken(ctx context.Context, form url.Values) (tokenstore.TokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.TokenData{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return tokenstore.TokenData{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenstore.TokenData{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tokenstore.TokenData{}, mapTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenstore.TokenData{}, fmt.Errorf("parse token response: %w", err)
	}

	td := tokenstore.TokenData{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		td.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		td.Scopes = strings.Fields(tr.Scope)
	}
	return td, nil
}

// Headers returns the current access token as a bearer header,
// refreshing it first if it is expiring soon and a refresh token is
// available.
func (a *AuthCode) Headers(ctx context.Context) (http.Header, error) {
	tok, err := a.store.Retrieve(ctx, a.key)
	if err != nil {
		return nil, fmt.Errorf("no token for %q, authorization flow has not completed: %w", a.key, err)
	}

	if tok.ExpiresWithin(time.Now(), 60*time.Second) && tok.RefreshToken != "" {
		refreshed, err := a.refresh(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("auto-refresh: %w", err)
		}
		if err := a.store.Store(ctx, a.key, refreshed); err != nil {
			return nil, fmt.Errorf("store refreshed token: %w", err)
		}
		tok = refreshed
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	return h, nil
}

// Refresh forces acquisition of a fresh access token via the stored
// refresh token, bypassing the expiry-skew check in Headers.
func (a *AuthCode) Refresh(ctx context.Context) error {
	tok, err := a.store.Retrieve(ctx, a.key)
	if err != nil {
		return fmt.Errorf("no token for %q, authorization flow has not completed: %w", a.key, err)
	}
	refreshed, err := a.refresh(ctx, tok)
	if err != nil {
		return err
	}
	return a.store.Store(ctx, a.key, refreshed)
}

func (a *AuthCode) Close() {
	a.states.Close()
	if a.scheduler != nil {
		a.scheduler.Cancel(a.key)
	}
}
