package polling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

func TestCIBAGrant(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ciba-initiate", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "abc-123", req.EnvironmentID)
		assert.Equal(t, "user@example.com", req.LoginHint)
		assert.Equal(t, "secret", req.ClientSecret)
		json.NewEncoder(w).Encode(map[string]any{"auth_req_id": "req1", "expires_in": 60, "interval": 5})
	})
	mux.HandleFunc("POST /ciba-token", func(w http.ResponseWriter, r *http.Request) {
		var req CIBATokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "req1", req.AuthReqID)
		w.Header().Set("Content-Type", "application/json")
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewCIBAGrant(srv.URL+"/", srv.Client())
	ctx := context.Background()

	a, err := g.Initiate(ctx, validRequest)
	require.NoError(t, err)
	assert.Equal(t, AuthRequest{ID: "req1", ExpiresIn: 60, Interval: 5}, a)

	_, err = g.Poll(ctx, validRequest, a)
	var oe *oidc.OAuthError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "authorization_pending", oe.Code)

	ts, err := g.Poll(ctx, validRequest, a)
	require.NoError(t, err)
	assert.Equal(t, "at", ts.AccessToken)

	r := validRequest
	r.LoginHint = ""
	_, err = g.Initiate(ctx, r)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeviceGrant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /as/device_authorization", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "openid", r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://example.com/device",
			"expires_in":       600,
			"interval":         5,
		})
	})
	mux.HandleFunc("POST /as/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		assert.Equal(t, GrantTypeDeviceCode, r.PostForm.Get("grant_type"))
		assert.Equal(t, "dev-1", r.PostForm.Get("device_code"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := &config.EnvironmentConfig{Issuer: srv.URL + "/as"}
	client := oidc.NewTokenClient(oidc.ClientConfig{Endpoints: env.Endpoints()}, srv.Client(), oidc.ClientOptions{})
	g := NewDeviceGrant(client)
	assert.Equal(t, storage.KeyDeviceTokens, g.Keys().Tokens)

	r := Request{EnvironmentID: "env", ClientID: "client-1", AuthMethod: oidc.AuthNone, Scope: "openid"}
	ctx := context.Background()
	a, err := g.Initiate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", a.ID)
	assert.Equal(t, "ABCD-EFGH", a.UserCode)
	assert.InDelta(t, 600, a.ExpiresIn, 1)

	_, err = g.Poll(ctx, r, a)
	var oe *oidc.OAuthError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "slow_down", oe.Code)
}
