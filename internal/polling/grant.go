package polling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

// GrantTypeDeviceCode is the RFC 8628 token request grant type.
const GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// Request carries the client settings a polling session runs with. It is
// also the body of POST /ciba-initiate.
type Request struct {
	EnvironmentID  string `json:"environment_id"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret,omitempty"`
	AuthMethod     string `json:"auth_method"`
	Scope          string `json:"scope"`
	LoginHint      string `json:"login_hint,omitempty"`
	BindingMessage string `json:"binding_message,omitempty"`
	RequestContext string `json:"request_context,omitempty"`
}

// validate checks the fields every grant needs before any network call.
func (r Request) validate() error {
	var missing []string
	if r.EnvironmentID == "" {
		missing = append(missing, "environment id")
	}
	if r.ClientID == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(r.Scope) == "" {
		missing = append(missing, "scope")
	}
	if config.RequiresSecret(r.authMethod()) && r.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

func (r Request) authMethod() string {
	if r.AuthMethod == "" {
		return oidc.AuthClientSecretBasic
	}
	return r.AuthMethod
}

func (r Request) credentials() oidc.FlowCredentials {
	return oidc.FlowCredentials{
		EnvironmentID: r.EnvironmentID,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		AuthMethod:    r.authMethod(),
		Scopes:        strings.Fields(r.Scope),
	}
}

// AuthRequest is a pending authorization, persisted in session storage
// until it succeeds, fails or is cancelled.
type AuthRequest struct {
	ID                      string    `json:"id"`
	ExpiresIn               int64     `json:"expires_in"`
	Interval                int64     `json:"interval,omitempty"`
	IssuedAt                time.Time `json:"issued_at"`
	UserCode                string    `json:"user_code,omitempty"`
	VerificationURI         string    `json:"verification_uri,omitempty"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	BindingMessage          string    `json:"binding_message,omitempty"`
}

// ExpiresAt returns when the authorization request lapses.
func (a AuthRequest) ExpiresAt() time.Time {
	return a.IssuedAt.Add(time.Duration(a.ExpiresIn) * time.Second)
}

// Keys names the storage entries a grant uses.
type Keys struct {
	AuthRequest string
	Tokens      string
}

// Grant is one pollable authorization grant.
type Grant interface {
	Name() string
	Keys() Keys
	Initiate(ctx context.Context, r Request) (AuthRequest, error)
	Poll(ctx context.Context, r Request, a AuthRequest) (oidc.TokenSet, error)
}

// CIBAGrant talks to the backchannel proxy endpoints /ciba-initiate and
// /ciba-token, which hold the client credentials server side.
type CIBAGrant struct {
	backendURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewCIBAGrant creates a CIBA grant against the proxy at backendURL.
func NewCIBAGrant(backendURL string, httpClient *http.Client) *CIBAGrant {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CIBAGrant{backendURL: strings.TrimRight(backendURL, "/"), httpClient: httpClient, now: time.Now}
}

func (g *CIBAGrant) Name() string { return "ciba" }

func (g *CIBAGrant) Keys() Keys {
	return Keys{AuthRequest: storage.KeyCIBAAuthRequest, Tokens: storage.KeyCIBATokens}
}

// CIBATokenRequest is the body of POST /ciba-token.
type CIBATokenRequest struct {
	EnvironmentID string `json:"environment_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
	AuthMethod    string `json:"auth_method"`
	AuthReqID     string `json:"auth_req_id"`
}

func (g *CIBAGrant) Initiate(ctx context.Context, r Request) (AuthRequest, error) {
	if r.LoginHint == "" {
		return AuthRequest{}, fmt.Errorf("%w: login hint", ErrInvalidRequest)
	}
	status, body, err := g.post(ctx, "/ciba-initiate", r)
	if err != nil {
		return AuthRequest{}, err
	}
	if status < 200 || status > 299 {
		return AuthRequest{}, oidc.ParseErrorBody(status, body)
	}
	var resp oidc.BackchannelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return AuthRequest{}, fmt.Errorf("decode ciba-initiate response: %w", err)
	}
	if resp.AuthReqID == "" {
		return AuthRequest{}, errors.New("ciba-initiate response has no auth_req_id")
	}
	return AuthRequest{
		ID:             resp.AuthReqID,
		ExpiresIn:      resp.ExpiresIn,
		Interval:       resp.Interval,
		BindingMessage: r.BindingMessage,
	}, nil
}

func (g *CIBAGrant) Poll(ctx context.Context, r Request, a AuthRequest) (oidc.TokenSet, error) {
	status, body, err := g.post(ctx, "/ciba-token", CIBATokenRequest{
		EnvironmentID: r.EnvironmentID,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		AuthMethod:    r.authMethod(),
		AuthReqID:     a.ID,
	})
	if err != nil {
		return oidc.TokenSet{}, err
	}
	return oidc.ParseTokenResponse(status, body, g.now())
}

func (g *CIBAGrant) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.backendURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// DeviceGrant runs the RFC 8628 device authorization grant directly
// against the authorization server.
type DeviceGrant struct {
	client *oidc.TokenClient
	now    func() time.Time
}

// NewDeviceGrant creates a device grant. client supplies the endpoints;
// credentials come from each Request.
func NewDeviceGrant(client *oidc.TokenClient) *DeviceGrant {
	return &DeviceGrant{client: client, now: time.Now}
}

func (g *DeviceGrant) Name() string { return "device" }

func (g *DeviceGrant) Keys() Keys {
	return Keys{AuthRequest: storage.KeyDeviceAuthRequest, Tokens: storage.KeyDeviceTokens}
}

func (g *DeviceGrant) Initiate(ctx context.Context, r Request) (AuthRequest, error) {
	resp, err := g.client.WithCredentials(r.credentials()).DeviceAuthorization(ctx, r.Scope)
	if err != nil {
		return AuthRequest{}, err
	}
	a := AuthRequest{
		ID:                      resp.DeviceCode,
		Interval:                resp.Interval,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
	}
	if !resp.Expiry.IsZero() {
		a.ExpiresIn = int64(resp.Expiry.Sub(g.now()).Round(time.Second).Seconds())
	}
	return a, nil
}

func (g *DeviceGrant) Poll(ctx context.Context, r Request, a AuthRequest) (oidc.TokenSet, error) {
	return g.client.WithCredentials(r.credentials()).Token(ctx, url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {a.ID},
	})
}
