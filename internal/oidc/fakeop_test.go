package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
)

// fakeOP is a minimal authorization server for flow tests.
type fakeOP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	challenge     string
	nonce         string
	lastForm      map[string][]string
	lastAuthz     string
	tokenErr      string
	rotateRefresh bool
	refreshCount  int
}

func newFakeOP(t *testing.T) *fakeOP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	op := &fakeOP{t: t, key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/as/jwks", op.handleJWKS)
	mux.HandleFunc("/as/token", op.handleToken)
	mux.HandleFunc("/as/introspect", op.handleIntrospect)
	mux.HandleFunc("/as/userinfo", op.handleUserInfo)
	op.srv = httptest.NewServer(mux)
	t.Cleanup(op.srv.Close)
	return op
}

func (op *fakeOP) issuer() string { return op.srv.URL + "/as" }

func (op *fakeOP) endpoints() config.Endpoints {
	env := &config.EnvironmentConfig{Issuer: op.issuer()}
	return env.Endpoints()
}

func (op *fakeOP) validator() *jwtverify.Validator {
	return jwtverify.NewValidator(op.srv.Client(), jwtverify.Config{})
}

func (op *fakeOP) expect(challenge, nonce string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.challenge, op.nonce = challenge, nonce
}

func (op *fakeOP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &op.key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	json.NewEncoder(w).Encode(set)
}

func (op *fakeOP) idToken(nonce, accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	claims := jwt.MapClaims{
		"iss":     op.issuer(),
		"aud":     "client-1",
		"sub":     "user-1",
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Hour).Unix(),
		"at_hash": base64.RawURLEncoding.EncodeToString(hash[:16]),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(op.key)
	if err != nil {
		op.t.Fatal(err)
	}
	return s
}

func (op *fakeOP) handleToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	op.mu.Lock()
	op.lastForm = r.PostForm
	op.lastAuthz = r.Header.Get("Authorization")
	tokenErr := op.tokenErr
	challenge, nonce := op.challenge, op.nonce
	op.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if tokenErr != "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": tokenErr, "error_description": "denied by test"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"id_token":      op.idToken(nonce, "at-1"),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid profile",
		})
	case "refresh_token":
		op.mu.Lock()
		op.refreshCount++
		n := op.refreshCount
		rotate := op.rotateRefresh
		op.mu.Unlock()
		resp := map[string]any{
			"access_token": "at-refreshed",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if rotate {
			resp["refresh_token"] = fmt.Sprintf("rt-%d", n+1)
		}
		json.NewEncoder(w).Encode(resp)
	case "client_credentials":
		json.NewEncoder(w).Encode(map[string]any{"access_token": "cc-token", "token_type": "Bearer", "expires_in": 300})
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
	}
}

func (op *fakeOP) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"active": r.PostForm.Get("token") == "at-1", "sub": "user-1"})
}

func (op *fakeOP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer at-1" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="The access token expired"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"sub": "user-1", "email": "user@example.com"})
}

func (op *fakeOP) form() (map[string][]string, string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.lastForm, op.lastAuthz
}
