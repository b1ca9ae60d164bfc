package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/protocol"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

var (
	ErrNoAttempt      = errors.New("no authorization attempt in progress")
	ErrMissingCode    = errors.New("callback is missing the authorization code")
	ErrNoTokens       = errors.New("no tokens stored")
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// KindTokenSet is the storage record kind for persisted token sets.
const KindTokenSet = "token_set"

const (
	kindAttempt     = "authorization_attempt"
	kindCredentials = "flow_credentials"
)

// FlowOptions wires an AuthCodeFlow.
type FlowOptions struct {
	Name            string
	EnvironmentID   string
	Client          *TokenClient
	Validator       *jwtverify.Validator
	Scopes          storage.Scopes
	Bus             *events.Bus
	Events          *eventlog.Logger
	Logger          *slog.Logger
	Clock           clockwork.Clock
	ResponseType    string
	ExtraAuthParams map[string]string
	// TokensKey is the local storage key for issued tokens.
	TokensKey string
}

// FlowState is a snapshot of the controller for display.
type FlowState struct {
	Name          string             `json:"name"`
	Step          Step               `json:"step"`
	Error         string             `json:"error,omitempty"`
	ErrorKind     protocol.ErrorKind `json:"error_kind,omitempty"`
	AuthURL       string             `json:"auth_url,omitempty"`
	Tokens        *TokenSet          `json:"tokens,omitempty"`
	IDToken       *jwtverify.Result  `json:"id_token,omitempty"`
	Introspection map[string]any     `json:"introspection,omitempty"`
}

// AuthCodeFlow drives the authorization code + PKCE flow through
// credentials, authorize, exchange and introspect. Any failure returns the
// flow to the credentials step.
type AuthCodeFlow struct {
	opts   FlowOptions
	logger *slog.Logger

	mu            sync.Mutex
	client        *TokenClient
	step          Step
	lastErr       error
	idToken       *jwtverify.Result
	introspection map[string]any
}

// NewAuthCodeFlow creates a flow controller at the credentials step.
func NewAuthCodeFlow(opts FlowOptions) *AuthCodeFlow {
	if opts.Name == "" {
		opts.Name = "authorization-code"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TokensKey == "" {
		opts.TokensKey = storage.KeyOAuthTokens
	}
	return &AuthCodeFlow{
		opts:   opts,
		logger: opts.Logger.With("flow", opts.Name),
		client: opts.Client,
		step:   StepCredentials,
	}
}

func (f *AuthCodeFlow) attemptKey() string {
	return storage.FlowKey(f.opts.Name, "attempt")
}

// Credentials returns the saved credentials or those the flow was configured with.
func (f *AuthCodeFlow) Credentials(ctx context.Context) FlowCredentials {
	var creds FlowCredentials
	if _, err := storage.Load(ctx, f.opts.Scopes.Local, storage.FlowKey(f.opts.Name, "credentials"), kindCredentials, &creds); err == nil {
		return creds
	}
	f.mu.Lock()
	cfg := f.client.Config()
	f.mu.Unlock()
	return FlowCredentials{
		EnvironmentID: f.opts.EnvironmentID,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURI:   cfg.RedirectURI,
		Scopes:        cfg.Scopes,
		ResponseType:  f.responseType(),
		AuthMethod:    cfg.AuthMethod,
	}
}

// SaveCredentials persists creds and uses them for subsequent requests.
func (f *AuthCodeFlow) SaveCredentials(ctx context.Context, creds FlowCredentials) error {
	if creds.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if err := storage.Put(ctx, f.opts.Scopes.Local, storage.FlowKey(f.opts.Name, "credentials"), kindCredentials, creds); err != nil {
		return err
	}
	f.mu.Lock()
	f.client = f.client.WithCredentials(creds)
	f.step = StepCredentials
	f.lastErr = nil
	f.mu.Unlock()
	return nil
}

func (f *AuthCodeFlow) responseType() string {
	if f.opts.ResponseType == "" {
		return "code"
	}
	return f.opts.ResponseType
}

// Start generates PKCE, state and nonce, builds the authorization URL and
// persists the attempt to session storage.
func (f *AuthCodeFlow) Start(ctx context.Context) (Attempt, error) {
	pkce, err := protocol.GeneratePKCE()
	if err != nil {
		return Attempt{}, f.fail(ctx, fmt.Errorf("generate PKCE: %w", err))
	}
	state, err := protocol.GenerateState()
	if err != nil {
		return Attempt{}, f.fail(ctx, fmt.Errorf("generate state: %w", err))
	}
	nonce, err := protocol.GenerateNonce()
	if err != nil {
		return Attempt{}, f.fail(ctx, fmt.Errorf("generate nonce: %w", err))
	}

	f.mu.Lock()
	client := f.client
	f.mu.Unlock()

	a := Attempt{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  pkce.CodeVerifier,
		CodeChallenge: pkce.CodeChallenge,
		CreatedAt:     f.opts.Clock.Now().UTC(),
	}
	a.AuthURL = client.AuthCodeURL(a, f.responseType(), f.opts.ExtraAuthParams)

	if err := storage.Put(ctx, f.opts.Scopes.Session, f.attemptKey(), kindAttempt, a); err != nil {
		return Attempt{}, f.fail(ctx, fmt.Errorf("persist attempt: %w", err))
	}

	f.mu.Lock()
	f.step = StepAuthorize
	f.lastErr = nil
	f.idToken = nil
	f.introspection = nil
	f.mu.Unlock()

	f.record(ctx, eventlog.LevelInfo, eventlog.CategoryFlow, "Authorization request built", map[string]any{"auth_url": a.AuthURL})
	return a, nil
}

// HandleCallback validates the redirect back from the authorization server,
// exchanges the code and validates the ID token.
func (f *AuthCodeFlow) HandleCallback(ctx context.Context, query url.Values) (FlowState, error) {
	var a Attempt
	if _, err := storage.Load(ctx, f.opts.Scopes.Session, f.attemptKey(), kindAttempt, &a); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return f.State(ctx), f.fail(ctx, ErrNoAttempt)
		}
		return f.State(ctx), f.fail(ctx, err)
	}

	// A callback that does not carry this attempt's state is not its
	// response, error or not, and must not end it.
	if err := protocol.VerifyState(a.State, query.Get("state")); err != nil {
		return f.State(ctx), f.reject(ctx, err)
	}
	if code := query.Get("error"); code != "" {
		return f.State(ctx), f.fail(ctx, &OAuthError{
			Code:        code,
			Description: query.Get("error_description"),
			URI:         query.Get("error_uri"),
		})
	}
	code := query.Get("code")
	if code == "" {
		return f.State(ctx), f.fail(ctx, ErrMissingCode)
	}

	f.mu.Lock()
	f.step = StepExchange
	client := f.client
	f.mu.Unlock()

	// The verifier is single-use: drop the attempt before redeeming the code.
	if err := f.opts.Scopes.Session.Delete(ctx, f.attemptKey()); err != nil {
		f.logger.Warn("Failed to clear authorization attempt", "error", err)
	}

	tokens, err := client.ExchangeCode(ctx, code, a.CodeVerifier)
	if err != nil {
		return f.State(ctx), f.fail(ctx, err)
	}
	f.record(ctx, eventlog.LevelInfo, eventlog.CategoryAPICall, "Authorization code exchanged", map[string]any{
		"token_type": tokens.TokenType,
		"expires_in": tokens.ExpiresIn,
		"scope":      tokens.Scope,
	})

	var idRes *jwtverify.Result
	if tokens.IDToken != "" && f.opts.Validator != nil {
		cfg := client.Config()
		res := f.opts.Validator.Validate(ctx, tokens.IDToken, cfg.Endpoints.JWKS, jwtverify.Options{
			Issuer:      cfg.Endpoints.Issuer,
			Audience:    cfg.ClientID,
			Nonce:       a.Nonce,
			AccessToken: tokens.AccessToken,
		})
		if !res.Valid {
			return f.State(ctx), f.fail(ctx, fmt.Errorf("id_token validation failed: %s", res.Error))
		}
		idRes = &res
	}

	if err := storage.Put(ctx, f.opts.Scopes.Local, f.opts.TokensKey, KindTokenSet, tokens); err != nil {
		return f.State(ctx), f.fail(ctx, fmt.Errorf("persist tokens: %w", err))
	}

	f.mu.Lock()
	f.step = StepIntrospect
	f.idToken = idRes
	f.lastErr = nil
	f.mu.Unlock()

	f.opts.Bus.Publish(events.Event{Type: events.TokensIssued, Source: f.opts.Name})
	return f.State(ctx), nil
}

// Introspect calls the introspection endpoint for the stored access token.
func (f *AuthCodeFlow) Introspect(ctx context.Context) (map[string]any, error) {
	tokens, err := f.Tokens(ctx)
	if err != nil {
		return nil, f.fail(ctx, err)
	}
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()

	result, err := client.Introspect(ctx, tokens.AccessToken, "access_token")
	if err != nil {
		return nil, f.fail(ctx, err)
	}
	f.mu.Lock()
	f.introspection = result
	f.step = StepIntrospect
	f.mu.Unlock()
	f.record(ctx, eventlog.LevelInfo, eventlog.CategoryAPICall, "Token introspected", map[string]any{"active": result["active"]})
	return result, nil
}

// Refresh replaces the stored token set using its refresh token.
func (f *AuthCodeFlow) Refresh(ctx context.Context) (TokenSet, error) {
	current, err := f.Tokens(ctx)
	if err != nil {
		return TokenSet{}, f.fail(ctx, err)
	}
	if current.RefreshToken == "" {
		return TokenSet{}, f.fail(ctx, ErrNoRefreshToken)
	}
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()

	next, err := client.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return TokenSet{}, f.fail(ctx, err)
	}
	merged := current.Rotate(next)
	if err := storage.Put(ctx, f.opts.Scopes.Local, f.opts.TokensKey, KindTokenSet, merged); err != nil {
		return TokenSet{}, f.fail(ctx, fmt.Errorf("persist tokens: %w", err))
	}
	f.record(ctx, eventlog.LevelInfo, eventlog.CategoryAPICall, "Tokens refreshed", map[string]any{
		"rotated": next.RefreshToken != "",
	})
	f.opts.Bus.Publish(events.Event{Type: events.TokensIssued, Source: f.opts.Name, Data: map[string]any{"refresh": true}})
	return merged, nil
}

// Tokens returns the stored token set.
func (f *AuthCodeFlow) Tokens(ctx context.Context) (TokenSet, error) {
	var ts TokenSet
	if _, err := storage.Load(ctx, f.opts.Scopes.Local, f.opts.TokensKey, KindTokenSet, &ts); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenSet{}, ErrNoTokens
		}
		return TokenSet{}, err
	}
	return ts, nil
}

// Reset discards the attempt and tokens and returns to the credentials step.
func (f *AuthCodeFlow) Reset(ctx context.Context) {
	f.clearAttempt(ctx)
	if err := f.opts.Scopes.Local.Delete(ctx, f.opts.TokensKey); err != nil {
		f.logger.Warn("Failed to clear tokens", "error", err)
	}
	f.mu.Lock()
	f.step = StepCredentials
	f.lastErr = nil
	f.idToken = nil
	f.introspection = nil
	f.mu.Unlock()
	f.opts.Bus.Publish(events.Event{Type: events.TokensCleared, Source: f.opts.Name})
}

// State returns a snapshot of the flow.
func (f *AuthCodeFlow) State(ctx context.Context) FlowState {
	f.mu.Lock()
	st := FlowState{
		Name:          f.opts.Name,
		Step:          f.step,
		IDToken:       f.idToken,
		Introspection: f.introspection,
	}
	if f.lastErr != nil {
		st.Error = f.lastErr.Error()
		st.ErrorKind = protocol.Classify(f.lastErr)
	}
	f.mu.Unlock()

	var a Attempt
	if _, err := storage.Load(ctx, f.opts.Scopes.Session, f.attemptKey(), kindAttempt, &a); err == nil {
		st.AuthURL = a.AuthURL
	}
	if ts, err := f.Tokens(ctx); err == nil {
		st.Tokens = &ts
	}
	return st
}

func (f *AuthCodeFlow) clearAttempt(ctx context.Context) {
	if err := f.opts.Scopes.Session.Delete(ctx, f.attemptKey()); err != nil {
		f.logger.Warn("Failed to clear authorization attempt", "error", err)
	}
}

// fail resets the flow to the credentials step and records err.
func (f *AuthCodeFlow) fail(ctx context.Context, err error) error {
	f.clearAttempt(ctx)
	f.mu.Lock()
	f.step = StepCredentials
	f.lastErr = err
	f.mu.Unlock()
	f.logger.Warn("Flow failed", "error", err, "kind", protocol.Classify(err))
	f.record(ctx, eventlog.LevelError, eventlog.CategoryError, err.Error(), map[string]any{"kind": string(protocol.Classify(err))})
	return err
}

// reject reports err without touching the pending attempt or the step.
func (f *AuthCodeFlow) reject(ctx context.Context, err error) error {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.logger.Warn("Callback rejected", "error", err, "kind", protocol.Classify(err))
	f.record(ctx, eventlog.LevelError, eventlog.CategoryError, err.Error(), map[string]any{"kind": string(protocol.Classify(err))})
	return err
}

func (f *AuthCodeFlow) record(ctx context.Context, level eventlog.Level, cat eventlog.Category, msg string, fields map[string]any) {
	if f.opts.Events == nil {
		return
	}
	if err := f.opts.Events.Log(ctx, eventlog.Record{Level: level, Category: cat, Message: msg, Fields: fields, RunID: f.opts.Name}); err != nil {
		f.logger.Debug("Failed to record flow event", "error", err)
	}
}
