package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/logout"
	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/mfa"
	"github.com/curtismu7/oauthplayground/internal/mocktoken"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

// fakeAS is an authorization server with backchannel authentication,
// introspection and signoff.
type fakeAS struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu        sync.Mutex
	approved  bool
	bcForm    url.Values
	lastAuthz string
}

func newFakeAS(t *testing.T) *fakeAS {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	as := &fakeAS{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/as/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}})
	})
	mux.HandleFunc("/as/bc-authorize", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		as.mu.Lock()
		as.bcForm = r.PostForm
		as.lastAuthz = r.Header.Get("Authorization")
		as.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"auth_req_id": "req-1", "expires_in": 120, "interval": 2})
	})
	mux.HandleFunc("/as/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") != oidc.GrantTypeCIBA || r.PostForm.Get("auth_req_id") != "req-1" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		as.mu.Lock()
		approved := as.approved
		as.mu.Unlock()
		if !approved {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending", "error_description": "waiting for the user", "interval": 7})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "ciba-at", "token_type": "Bearer", "expires_in": 300, "id_token": as.sign(t, "user-1")})
	})
	mux.HandleFunc("/as/introspect", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"active": r.PostForm.Get("token") == "good-token", "sub": "user-1"})
	})
	mux.HandleFunc("/as/signoff", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://app.example.com/done", http.StatusFound)
	})
	as.srv = httptest.NewServer(mux)
	t.Cleanup(as.srv.Close)
	return as
}

func (as *fakeAS) issuer() string { return as.srv.URL + "/as" }

func (as *fakeAS) approve() {
	as.mu.Lock()
	as.approved = true
	as.mu.Unlock()
}

func (as *fakeAS) sign(t *testing.T, sub string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": as.issuer(),
		"aud": "client-1",
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(as.key)
	if err != nil {
		t.Error(err)
	}
	return s
}

type fixture struct {
	as     *fakeAS
	url    string
	http   *http.Client
	scopes storage.Scopes
	ciba   *polling.Engine
	flow   *oidc.AuthCodeFlow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	as := newFakeAS(t)
	env := &config.EnvironmentConfig{
		Name:                  "test",
		EnvironmentID:         "env-1",
		Issuer:                as.issuer(),
		ClientID:              "client-1",
		ClientSecret:          "secret",
		AuthMethod:            oidc.AuthClientSecretBasic,
		Scopes:                []string{"openid", "profile"},
		CallbackPath:          "/callback",
		PostLogoutRedirectURI: "https://app.example.com/done",
		CIBA:                  config.CIBAConfig{Scope: "openid profile", LoginHint: "user@example.com"},
	}
	m := metrics.New()
	client := oidc.NewTokenClient(oidc.ClientConfig{
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		AuthMethod:   env.AuthMethod,
		RedirectURI:  "http://localhost:3000/callback",
		Scopes:       env.Scopes,
		Endpoints:    env.Endpoints(),
	}, as.srv.Client(), oidc.ClientOptions{Metrics: m})

	scopes := storage.NewMemoryScopes()
	db, err := eventlog.OpenDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := eventlog.New(eventlog.Options{DB: db, Metrics: m})
	bus := events.NewBus()
	validator := jwtverify.NewValidator(as.srv.Client(), jwtverify.Config{Metrics: m})

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ciba := polling.New(polling.Options{
		Grant:   polling.NewCIBAGrant(ts.URL, ts.Client()),
		Scopes:  scopes,
		Bus:     bus,
		Events:  logger,
		Metrics: m,
	})
	flow := oidc.NewAuthCodeFlow(oidc.FlowOptions{
		Name:          "authz",
		EnvironmentID: env.EnvironmentID,
		Client:        client,
		Validator:     validator,
		Scopes:        scopes,
		Bus:           bus,
		Events:        logger,
	})
	s := New(Options{
		Config:      &config.Config{BaseURL: ts.URL},
		Environment: env,
		Client:      client,
		Flow:        flow,
		Validator:   validator,
		CIBA:        ciba,
		Terminator:  logout.NewTerminator(logout.Config{HTTPClient: as.srv.Client(), Client: client, Scopes: scopes, Bus: bus, Events: logger}),
		MFA:         mfa.NewService(mfa.Options{Store: scopes.Local, Events: logger, Bus: bus, Metrics: m}),
		Scopes:      scopes,
		Events:      logger,
		EventDB:     db,
		Metrics:     m,
		Bus:         bus,
		HTTPClient:  as.srv.Client(),
	})
	s.RegisterRoutes(mux)

	noRedirect := *ts.Client()
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &fixture{as: as, url: ts.URL, http: &noRedirect, scopes: scopes, ciba: ciba, flow: flow}
}

// do sends a JSON request and decodes a JSON object response.
func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.url+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestCIBAThroughProxy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/ciba/start", map[string]any{"binding_message": "Approve 42"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, "awaiting-approval", body["state"])
	assert.EqualValues(t, 5, body["interval"], "local baseline wins over a shorter server interval")
	authReq := body["authRequest"].(map[string]any)
	assert.Equal(t, "req-1", authReq["id"])

	f.as.mu.Lock()
	assert.Equal(t, "user@example.com", f.as.bcForm.Get("login_hint"))
	assert.Equal(t, "Approve 42", f.as.bcForm.Get("binding_message"))
	assert.True(t, strings.HasPrefix(f.as.lastAuthz, "Basic "))
	f.as.mu.Unlock()

	assert.Equal(t, polling.StatePolling, f.ciba.PollOnce(ctx))
	assert.EqualValues(t, 7, f.ciba.Snapshot().Interval, "interval echoed with authorization_pending survives the proxy")
	f.as.approve()
	assert.Equal(t, polling.StateSuccess, f.ciba.PollOnce(ctx))

	_, tokens := f.do(t, http.MethodGet, "/tokens", nil)
	ciba := tokens["ciba"].(map[string]any)
	assert.Equal(t, "ciba-at", ciba["access_token"])

	saved, err := f.scopes.Local.Get(ctx, storage.KeyCIBAConfig)
	require.NoError(t, err)
	assert.Contains(t, saved, "Approve 42")
	assert.NotContains(t, saved, `"secret"`)

	_, err = f.scopes.Session.Get(ctx, storage.KeyCIBAAuthRequest)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCIBAStartValidation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/ciba/start", map[string]any{"client_id": "", "scope": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Contains(t, body["error_description"], "client id")

	_, status := f.do(t, http.MethodGet, "/ciba/status", nil)
	assert.Equal(t, "error", status["state"])

	_, status = f.do(t, http.MethodPost, "/ciba/cancel", nil)
	assert.Equal(t, "idle", status["state"])
}

func TestCIBATokenProxyPassesErrorsThrough(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/ciba-token", polling.CIBATokenRequest{
		EnvironmentID: "env-1", ClientID: "client-1", ClientSecret: "secret", AuthReqID: "req-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "authorization_pending", body["error"])
	assert.EqualValues(t, 7, body["interval"])

	resp, body = f.do(t, http.MethodPost, "/ciba-token", map[string]any{"client_id": "client-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])

	resp, body = f.do(t, http.MethodPost, "/ciba-initiate", map[string]any{"client_id": "client-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error_description"], "login_hint")
}

func TestDecode(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/decode", map[string]any{"token": f.as.sign(t, "user-9"), "validate": true})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "RS256", body["alg"])
	assert.Equal(t, "k1", body["kid"])
	assert.Contains(t, body["payload"], `"sub": "user-9"`)
	validation := body["validation"].(map[string]any)
	assert.Equal(t, true, validation["valid"], validation["error"])

	resp, body = f.do(t, http.MethodPost, "/decode", map[string]any{"token": "not-a-jwt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_input", body["kind"])

	unsigned, err := mocktoken.New(map[string]any{"sub": "x", "aud": "client-1"}, time.Now())
	require.NoError(t, err)
	_, body = f.do(t, http.MethodPost, "/decode", map[string]any{"token": unsigned, "validate": true})
	validation = body["validation"].(map[string]any)
	assert.Equal(t, false, validation["valid"])

	mresp, err := f.http.Get(f.url + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	text, _ := io.ReadAll(mresp.Body)
	assert.Contains(t, string(text), `oauthplayground_jwt_validations_total{result="success"} 1`)
}

func TestResource(t *testing.T) {
	f := newFixture(t)

	get := func(authz string) (*http.Response, map[string]any) {
		req, _ := http.NewRequest(http.MethodGet, f.url+"/resource", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		resp, err := f.http.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, body := get("")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_token", body["error"])
	assert.Equal(t, `Bearer resource_metadata="`+f.url+`/.well-known/oauth-protected-resource/resource"`, resp.Header.Get("WWW-Authenticate"))

	resp, _ = get("Basic abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get("Bearer revoked")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["error"])
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error_description="Token is not active"`)

	resp, body = get("Bearer good-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.as.issuer(), body["authorization_server"])
	assert.Equal(t, true, body["token_introspection"].(map[string]any)["active"])

	_, meta := f.do(t, http.MethodGet, "/.well-known/oauth-protected-resource/resource", nil)
	assert.Equal(t, f.url+"/resource", meta["resource"])
	assert.Equal(t, []any{f.as.issuer()}, meta["authorization_servers"])
}

func TestMFAEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/mfa/events", map[string]any{"event": "START"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, body = f.do(t, http.MethodPost, "/mfa/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "INIT", body["state"])
	assert.Equal(t, "env-1", body["envId"])
	assert.ElementsMatch(t, []any{"START", "FAIL", "RESET"}, body["allowedEvents"])

	_, body = f.do(t, http.MethodPost, "/mfa/events", map[string]any{"event": "START", "reason": "user began"})
	assert.Equal(t, "CONFIG", body["state"])

	resp, body = f.do(t, http.MethodPost, "/mfa/events", map[string]any{"event": "VERIFY_SUCCESS"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["error"])

	_, body = f.do(t, http.MethodPost, "/mfa/events", map[string]any{"event": "CONFIG_COMPLETE", "workerToken": "wt-1"})
	assert.Equal(t, "DEVICE_DISCOVERY", body["state"])
	assert.Equal(t, "REDACTED", body["workerToken"])

	_, body = f.do(t, http.MethodGet, "/mfa/state", nil)
	assert.Equal(t, "DEVICE_DISCOVERY", body["state"])
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, idToken, err := mocktoken.TokenSet("user-1", "client-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, storage.Put(ctx, f.scopes.Local, storage.KeyOAuthTokens, oidc.KindTokenSet, oidc.TokenSet{AccessToken: "at", IDToken: idToken}))
	require.NoError(t, f.scopes.Local.Set(ctx, "unrelated", "keep"))

	_, body := f.do(t, http.MethodGet, "/logout-url", nil)
	assert.Equal(t, f.as.issuer()+"/signoff?id_token_hint="+idToken+"&client_id=client-1&post_logout_redirect_uri=https%3A%2F%2Fapp.example.com%2Fdone", body["logout_url"])

	resp, body := f.do(t, http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lo := body["logout"].(map[string]any)
	assert.Equal(t, true, lo["success"])
	assert.EqualValues(t, http.StatusFound, lo["status"])
	mgmt := body["management"].(map[string]any)
	assert.Equal(t, false, mgmt["attempted"])
	assert.Contains(t, mgmt["error"], "Insufficient data for session revocation")
	assert.Equal(t, []any{storage.KeyOAuthTokens}, body["clearedStorageKeys"])

	_, tokens := f.do(t, http.MethodGet, "/tokens", nil)
	assert.Empty(t, tokens)
	v, err := f.scopes.Local.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "keep", v)
}

func TestLogReceiver(t *testing.T) {
	f := newFixture(t)

	batch, err := eventlog.NewBatch([]eventlog.Record{{
		ID: "rec-1", RunID: "run-1", Level: eventlog.LevelInfo, Category: eventlog.CategoryFlow,
		Message: "shipped from a client", Timestamp: time.Now().UTC(),
	}}, time.Now())
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/logs", batch)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	batch.Checksum = strings.Repeat("0", 64)
	resp, _ = f.do(t, http.MethodPost, "/api/logs", batch)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/logs?runId=run-1", nil)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "shipped from a client", records[0].(map[string]any)["message"])

	resp, _ = f.do(t, http.MethodGet, "/api/logs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, stats := f.do(t, http.MethodGet, "/api/logs/stats", nil)
	assert.Equal(t, false, stats["breakerOpen"])
}

func TestSettingsAndEnvironment(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/settings", nil)
	assert.Empty(t, body)
	f.do(t, http.MethodPut, "/settings", map[string]any{"theme": "dark"})
	_, body = f.do(t, http.MethodGet, "/settings", nil)
	assert.Equal(t, "dark", body["theme"])

	_, body = f.do(t, http.MethodGet, "/environment", nil)
	assert.Equal(t, "env-1", body["environmentId"])
	resp, _ := f.do(t, http.MethodPut, "/environment", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	f.do(t, http.MethodPut, "/environment", map[string]any{"environmentId": "env-2"})

	_, body = f.do(t, http.MethodPost, "/mfa/start", nil)
	assert.Equal(t, "env-2", body["envId"])
}

func TestLoginAndCallback(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, f.as.issuer()+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))

	resp, body := f.do(t, http.MethodGet, "/callback?code=abc&state=forged", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "authorize", body["step"], "a forged callback leaves the attempt pending")
	assert.Equal(t, "protocol_denial", body["error_kind"])
	params := body["params"].([]any)
	require.Len(t, params, 2)
	assert.Equal(t, map[string]any{"key": "code", "value": "abc", "note": "authorization code to redeem", "secret": true}, params[0])

	_, body = f.do(t, http.MethodGet, "/login?format=json", nil)
	assert.NotEmpty(t, body["state"])
	assert.Contains(t, body["auth_url"], "client_id=client-1")

	resp, body = f.do(t, http.MethodPost, "/refresh", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)
}

func TestMockTokens(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/mock-tokens", map[string]any{"subject": "alice", "claims": map[string]any{"role": "admin"}})
	assert.Equal(t, true, body["mock"])
	_, dec := f.do(t, http.MethodPost, "/decode", map[string]any{"token": body["custom_token"]})
	assert.Equal(t, "none", dec["alg"])
	assert.Contains(t, dec["payload"], `"role": "admin"`)
}
