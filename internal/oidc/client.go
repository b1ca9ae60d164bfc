package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/metrics"
)

// Client authentication methods (RFC 7591 token_endpoint_auth_method values).
const (
	AuthClientSecretBasic = "client_secret_basic"
	AuthClientSecretPost  = "client_secret_post"
	AuthClientSecretJWT   = "client_secret_jwt"
	AuthPrivateKeyJWT     = "private_key_jwt"
	AuthNone              = "none"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	maxResponseBytes    = 1 << 20
)

// ErrMissingCredentials is returned when a request needs credentials the client lacks.
var ErrMissingCredentials = errors.New("missing client credentials")

// ClientConfig describes an OAuth client registration.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string
	RedirectURI  string
	Scopes       []string
	Endpoints    config.Endpoints
	PrivateKey   *rsa.PrivateKey
	PrivateKeyID string
}

// ClientConfigFromEnvironment builds a ClientConfig from an [[environment]] entry.
func ClientConfigFromEnvironment(env *config.EnvironmentConfig, ep config.Endpoints) (ClientConfig, error) {
	cc := ClientConfig{
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		AuthMethod:   env.AuthMethod,
		RedirectURI:  env.RedirectURI,
		Scopes:       env.Scopes,
		Endpoints:    ep,
		PrivateKeyID: env.PrivateKeyID,
	}
	if env.AuthMethod == AuthPrivateKeyJWT {
		pem, err := os.ReadFile(env.PrivateKeyPath)
		if err != nil {
			return cc, fmt.Errorf("read private key: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return cc, fmt.Errorf("parse private key: %w", err)
		}
		cc.PrivateKey = key
	}
	return cc, nil
}

// TokenClient talks to the token, introspection, userinfo and device
// authorization endpoints on behalf of one client.
type TokenClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// ClientOptions are optional TokenClient collaborators.
type ClientOptions struct {
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewTokenClient creates a client. httpClient defaults to http.DefaultClient.
func NewTokenClient(cfg ClientConfig, httpClient *http.Client, opts ClientOptions) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthClientSecretBasic
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TokenClient{cfg: cfg, httpClient: httpClient, clock: opts.Clock, metrics: opts.Metrics, logger: opts.Logger}
}

// Config returns the client registration.
func (c *TokenClient) Config() ClientConfig {
	return c.cfg
}

func (c *TokenClient) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *TokenClient) usesAssertion() bool {
	return c.cfg.AuthMethod == AuthClientSecretJWT || c.cfg.AuthMethod == AuthPrivateKeyJWT
}

// OAuth2Config returns the x/oauth2 configuration for this client.
func (c *TokenClient) OAuth2Config() *oauth2.Config {
	oc := &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.cfg.Endpoints.Authorization,
			TokenURL:      c.cfg.Endpoints.Token,
			DeviceAuthURL: c.cfg.Endpoints.DeviceAuthorization,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
	switch c.cfg.AuthMethod {
	case AuthClientSecretBasic:
		oc.ClientSecret = c.cfg.ClientSecret
		oc.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	case AuthClientSecretPost:
		oc.ClientSecret = c.cfg.ClientSecret
	}
	return oc
}

// AuthCodeURL builds the authorization request URL for one attempt.
func (c *TokenClient) AuthCodeURL(a Attempt, responseType string, extra map[string]string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", a.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", a.Nonce),
	}
	if responseType != "" && responseType != "code" {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", responseType))
	}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.OAuth2Config().AuthCodeURL(a.State, opts...)
}

func (c *TokenClient) assertionOptions() ([]oauth2.AuthCodeOption, error) {
	if !c.usesAssertion() {
		return nil, nil
	}
	assertion, err := c.ClientAssertion(c.cfg.Endpoints.Token)
	if err != nil {
		return nil, err
	}
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
		oauth2.SetAuthURLParam("client_assertion", assertion),
	}, nil
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (c *TokenClient) ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error) {
	opts, err := c.assertionOptions()
	if err != nil {
		return TokenSet{}, err
	}
	opts = append(opts, oauth2.VerifierOption(verifier))

	tok, err := c.OAuth2Config().Exchange(c.ctx(ctx), code, opts...)
	c.metrics.IncTokenRequest("authorization_code", err == nil)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token exchange: %w", extractOAuthError(err))
	}
	return tokenSetFromOAuth2(tok, c.clock.Now()), nil
}

// Refresh redeems a refresh token. The caller merges the result with Rotate.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if c.usesAssertion() {
		// x/oauth2 token sources cannot carry a client assertion.
		return c.Token(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		})
	}
	ts := c.OAuth2Config().TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	c.metrics.IncTokenRequest("refresh_token", err == nil)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token refresh: %w", extractOAuthError(err))
	}
	return tokenSetFromOAuth2(tok, c.clock.Now()), nil
}

// ClientCredentials obtains a token for the client itself.
func (c *TokenClient) ClientCredentials(ctx context.Context, scopes ...string) (TokenSet, error) {
	cc := clientcredentials.Config{
		ClientID:  c.cfg.ClientID,
		TokenURL:  c.cfg.Endpoints.Token,
		Scopes:    scopes,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	switch c.cfg.AuthMethod {
	case AuthClientSecretBasic:
		cc.ClientSecret = c.cfg.ClientSecret
		cc.AuthStyle = oauth2.AuthStyleInHeader
	case AuthClientSecretPost:
		cc.ClientSecret = c.cfg.ClientSecret
	case AuthClientSecretJWT, AuthPrivateKeyJWT:
		assertion, err := c.ClientAssertion(c.cfg.Endpoints.Token)
		if err != nil {
			return TokenSet{}, err
		}
		cc.EndpointParams = url.Values{
			"client_id":             {c.cfg.ClientID},
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		}
	}
	tok, err := cc.Token(c.ctx(ctx))
	c.metrics.IncTokenRequest("client_credentials", err == nil)
	if err != nil {
		return TokenSet{}, fmt.Errorf("client credentials: %w", extractOAuthError(err))
	}
	return tokenSetFromOAuth2(tok, c.clock.Now()), nil
}

// Token POSTs form to the token endpoint with client authentication applied.
// Non-2xx responses are returned as *OAuthError.
func (c *TokenClient) Token(ctx context.Context, form url.Values) (TokenSet, error) {
	status, body, err := c.PostForm(ctx, c.cfg.Endpoints.Token, form)
	grant := form.Get("grant_type")
	if err != nil {
		c.metrics.IncTokenRequest(grant, false)
		return TokenSet{}, err
	}
	ts, err := ParseTokenResponse(status, body, c.clock.Now())
	c.metrics.IncTokenRequest(grant, err == nil)
	return ts, err
}

// PostForm POSTs an authenticated form to endpoint and returns the raw response.
func (c *TokenClient) PostForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	form = cloneValues(form)
	header := http.Header{}
	if err := c.applyClientAuth(form, header, endpoint); err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *TokenClient) applyClientAuth(form url.Values, header http.Header, audience string) error {
	switch c.cfg.AuthMethod {
	case AuthClientSecretBasic:
		if c.cfg.ClientSecret == "" {
			return fmt.Errorf("%w: client_secret_basic requires a secret", ErrMissingCredentials)
		}
		creds := url.QueryEscape(c.cfg.ClientID) + ":" + url.QueryEscape(c.cfg.ClientSecret)
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	case AuthClientSecretPost:
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_secret", c.cfg.ClientSecret)
	case AuthClientSecretJWT, AuthPrivateKeyJWT:
		assertion, err := c.ClientAssertion(audience)
		if err != nil {
			return err
		}
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	default:
		form.Set("client_id", c.cfg.ClientID)
	}
	return nil
}

// ClientAssertion signs an RFC 7523 client authentication JWT for audience.
func (c *TokenClient) ClientAssertion(audience string) (string, error) {
	now := c.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.ClientID,
		Subject:   c.cfg.ClientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	switch c.cfg.AuthMethod {
	case AuthClientSecretJWT:
		if c.cfg.ClientSecret == "" {
			return "", fmt.Errorf("%w: client_secret_jwt requires a secret", ErrMissingCredentials)
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.ClientSecret))
	case AuthPrivateKeyJWT:
		if c.cfg.PrivateKey == nil {
			return "", fmt.Errorf("%w: private_key_jwt requires a private key", ErrMissingCredentials)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if c.cfg.PrivateKeyID != "" {
			tok.Header["kid"] = c.cfg.PrivateKeyID
		}
		return tok.SignedString(c.cfg.PrivateKey)
	}
	return "", fmt.Errorf("auth method %s does not use assertions", c.cfg.AuthMethod)
}

// Introspect calls the RFC 7662 introspection endpoint.
func (c *TokenClient) Introspect(ctx context.Context, token, hint string) (map[string]any, error) {
	if c.cfg.Endpoints.Introspection == "" {
		return nil, errors.New("introspection endpoint is not configured")
	}
	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	status, body, err := c.PostForm(ctx, c.cfg.Endpoints.Introspection, form)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, ParseErrorBody(status, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return out, nil
}

// UserInfo fetches the userinfo claims for accessToken. Bearer errors from
// the WWW-Authenticate header or JSON body are returned as *OAuthError.
func (c *TokenClient) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoints.UserInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, ErrorFromResponse(resp, body)
	}
	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &OAuthError{StatusCode: resp.StatusCode, Code: "invalid_response", Description: "Response is not valid JSON", RawBody: string(body)}
	}
	return claims, nil
}

// DeviceAuthorization starts an RFC 8628 device authorization request.
func (c *TokenClient) DeviceAuthorization(ctx context.Context, scope string) (*oauth2.DeviceAuthResponse, error) {
	oc := c.OAuth2Config()
	oc.Scopes = strings.Fields(scope)
	var opts []oauth2.AuthCodeOption
	if c.cfg.AuthMethod == AuthClientSecretPost || c.cfg.AuthMethod == AuthClientSecretBasic {
		opts = append(opts, oauth2.SetAuthURLParam("client_secret", c.cfg.ClientSecret))
	}
	resp, err := oc.DeviceAuth(c.ctx(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", extractOAuthError(err))
	}
	return resp, nil
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	IDToken      string      `json:"id_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
}

// ParseTokenResponse decodes a token endpoint response. Non-2xx statuses
// become *OAuthError.
func ParseTokenResponse(status int, body []byte, now time.Time) (TokenSet, error) {
	if status < 200 || status > 299 {
		return TokenSet{}, ParseErrorBody(status, body)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return TokenSet{}, errors.New("token response has no access_token")
	}
	ts := TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		IssuedAt:     now.UTC(),
	}
	if n, err := tr.ExpiresIn.Int64(); err == nil {
		ts.ExpiresIn = n
	}
	return ts, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// WithCredentials returns a copy of c using the given client registration
// against the same endpoints and HTTP client.
func (c *TokenClient) WithCredentials(creds FlowCredentials) *TokenClient {
	cfg := c.cfg
	cfg.ClientID = creds.ClientID
	cfg.ClientSecret = creds.ClientSecret
	if creds.AuthMethod != "" {
		cfg.AuthMethod = creds.AuthMethod
	}
	if creds.RedirectURI != "" {
		cfg.RedirectURI = creds.RedirectURI
	}
	if len(creds.Scopes) > 0 {
		cfg.Scopes = creds.Scopes
	}
	cp := *c
	cp.cfg = cfg
	return &cp
}
