package oidc

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/protocol"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

type flowFixture struct {
	op     *fakeOP
	flow   *AuthCodeFlow
	scopes storage.Scopes
	bus    *events.Bus
	db     *eventlog.DB
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	op := newFakeOP(t)
	db, err := eventlog.OpenDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scopes := storage.NewMemoryScopes()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	client := NewTokenClient(ClientConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:3000/callback",
		Scopes:       []string{"openid", "profile"},
		Endpoints:    op.endpoints(),
	}, op.srv.Client(), ClientOptions{})

	flow := NewAuthCodeFlow(FlowOptions{
		Name:      "authz",
		Client:    client,
		Validator: op.validator(),
		Scopes:    scopes,
		Bus:       bus,
		Events:    eventlog.New(eventlog.Options{DB: db}),
	})
	return &flowFixture{op: op, flow: flow, scopes: scopes, bus: bus, db: db}
}

func (fx *flowFixture) start(t *testing.T) Attempt {
	t.Helper()
	a, err := fx.flow.Start(context.Background())
	require.NoError(t, err)
	fx.op.expect(a.CodeChallenge, a.Nonce)
	return a
}

func TestAuthCodeFlow(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	sub, cancel := fx.bus.Subscribe(4)
	defer cancel()

	a := fx.start(t)
	assert.Equal(t, StepAuthorize, fx.flow.State(ctx).Step)

	u, err := url.Parse(a.AuthURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, fx.op.issuer()+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, a.State, q.Get("state"))
	assert.Equal(t, a.Nonce, q.Get("nonce"))
	assert.Equal(t, a.CodeChallenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	assert.Empty(t, q.Get("code_verifier"))

	st, err := fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.NoError(t, err)
	assert.Equal(t, StepIntrospect, st.Step)
	require.NotNil(t, st.Tokens)
	assert.Equal(t, "at-1", st.Tokens.AccessToken)
	require.NotNil(t, st.IDToken)
	assert.True(t, st.IDToken.Valid)
	assert.True(t, st.IDToken.AtHashChecked)
	assert.Empty(t, st.AuthURL, "attempt must be discarded after exchange")

	form, _ := fx.op.form()
	assert.Equal(t, a.CodeVerifier, first(form, "code_verifier"))

	select {
	case ev := <-sub:
		assert.Equal(t, events.TokensIssued, ev.Type)
		assert.Equal(t, "authz", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("no tokens.issued event")
	}

	result, err := fx.flow.Introspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, result["active"])

	refreshed, err := fx.flow.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", refreshed.AccessToken)
	assert.Equal(t, "rt-1", refreshed.RefreshToken, "non-rotating refresh keeps the old refresh token")

	fx.op.mu.Lock()
	fx.op.rotateRefresh = true
	fx.op.mu.Unlock()
	refreshed, err = fx.flow.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rt-3", refreshed.RefreshToken)

	stored, err := fx.flow.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, refreshed.RefreshToken, stored.RefreshToken)

	records, err := fx.db.ByRun(ctx, "authz")
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestAuthCodeFlow_StateMismatch(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)

	_, err := fx.flow.HandleCallback(ctx, url.Values{"state": {"forged"}, "code": {"c1"}})
	require.ErrorIs(t, err, protocol.ErrStateMismatch)

	st := fx.flow.State(ctx)
	assert.Equal(t, StepAuthorize, st.Step)
	assert.Equal(t, protocol.KindProtocolDenial, st.ErrorKind)
	assert.Nil(t, st.Tokens)

	form, _ := fx.op.form()
	assert.Nil(t, form, "no token request may be made after a state mismatch")

	// The forged callback leaves the pending attempt usable.
	st, err = fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.NoError(t, err)
	assert.Equal(t, StepIntrospect, st.Step)
	assert.Empty(t, st.Error)
}

func TestAuthCodeFlow_ForgedErrorCallbackKeepsAttempt(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)

	_, err := fx.flow.HandleCallback(ctx, url.Values{"state": {"forged"}, "error": {"access_denied"}})
	require.ErrorIs(t, err, protocol.ErrStateMismatch)
	var oe *OAuthError
	assert.False(t, errors.As(err, &oe), "an unbound OP error must not be reported as the attempt's outcome")

	st, err := fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.NoError(t, err)
	assert.NotNil(t, st.Tokens)
}

func TestAuthCodeFlow_AuthorizationError(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)

	_, err := fx.flow.HandleCallback(ctx, url.Values{
		"state":             {a.State},
		"error":             {"access_denied"},
		"error_description": {"User cancelled"},
	})
	var oe *OAuthError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "access_denied", oe.Code)

	st := fx.flow.State(ctx)
	assert.Equal(t, StepCredentials, st.Step)
	assert.Equal(t, "access_denied: User cancelled", st.Error)

	records, err := fx.db.ByRun(ctx, "authz")
	require.NoError(t, err)
	var sawError bool
	for _, r := range records {
		if r.Category == eventlog.CategoryError {
			sawError = true
		}
	}
	assert.True(t, sawError, "failure must be journaled")
}

func TestAuthCodeFlow_CallbackWithoutAttempt(t *testing.T) {
	fx := newFlowFixture(t)
	_, err := fx.flow.HandleCallback(context.Background(), url.Values{"state": {"s"}, "code": {"c"}})
	assert.ErrorIs(t, err, ErrNoAttempt)
}

func TestAuthCodeFlow_MissingCode(t *testing.T) {
	fx := newFlowFixture(t)
	a := fx.start(t)
	_, err := fx.flow.HandleCallback(context.Background(), url.Values{"state": {a.State}})
	assert.ErrorIs(t, err, ErrMissingCode)
}

func TestAuthCodeFlow_TokenEndpointDenial(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)
	fx.op.mu.Lock()
	fx.op.tokenErr = "invalid_grant"
	fx.op.mu.Unlock()

	_, err := fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.Error(t, err)
	st := fx.flow.State(ctx)
	assert.Equal(t, StepCredentials, st.Step)
	assert.Equal(t, protocol.KindProtocolDenial, st.ErrorKind)
	assert.Nil(t, st.Tokens)
}

func TestAuthCodeFlow_NonceMismatch(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)
	fx.op.expect(a.CodeChallenge, "other-nonce")

	_, err := fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.ErrorContains(t, err, "nonce mismatch")
	_, err = fx.flow.Tokens(ctx)
	assert.ErrorIs(t, err, ErrNoTokens)
}

func TestAuthCodeFlow_Reset(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()
	a := fx.start(t)
	_, err := fx.flow.HandleCallback(ctx, url.Values{"state": {a.State}, "code": {"c1"}})
	require.NoError(t, err)

	fx.flow.Reset(ctx)
	st := fx.flow.State(ctx)
	assert.Equal(t, StepCredentials, st.Step)
	assert.Nil(t, st.Tokens)
	assert.Empty(t, st.Error)

	_, err = fx.flow.Refresh(ctx)
	assert.ErrorIs(t, err, ErrNoTokens)
}

func TestAuthCodeFlow_SaveCredentials(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	creds := fx.flow.Credentials(ctx)
	assert.Equal(t, "client-1", creds.ClientID)
	assert.Equal(t, "code", creds.ResponseType)

	require.Error(t, fx.flow.SaveCredentials(ctx, FlowCredentials{}))

	creds.ClientID = "client-2"
	creds.Scopes = []string{"openid"}
	require.NoError(t, fx.flow.SaveCredentials(ctx, creds))
	assert.Equal(t, "client-2", fx.flow.Credentials(ctx).ClientID)

	a, err := fx.flow.Start(ctx)
	require.NoError(t, err)
	u, err := url.Parse(a.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "client-2", u.Query().Get("client_id"))
	assert.Equal(t, "openid", u.Query().Get("scope"))
}
