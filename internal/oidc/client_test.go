package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/curtismu7/oauthplayground/internal/protocol"
)

func TestClientAuthMethods(t *testing.T) {
	op := newFakeOP(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method string
		check  func(t *testing.T, form map[string][]string, authz string)
	}{
		{
			method: AuthClientSecretBasic,
			check: func(t *testing.T, form map[string][]string, authz string) {
				want := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-1:s3cret"))
				if authz != want {
					t.Errorf("Authorization = %q, want %q", authz, want)
				}
				if _, ok := form["client_secret"]; ok {
					t.Error("secret must not be in the body")
				}
			},
		},
		{
			method: AuthClientSecretPost,
			check: func(t *testing.T, form map[string][]string, authz string) {
				if authz != "" {
					t.Errorf("unexpected Authorization header %q", authz)
				}
				if got := first(form, "client_secret"); got != "s3cret" {
					t.Errorf("client_secret = %q", got)
				}
			},
		},
		{
			method: AuthClientSecretJWT,
			check: func(t *testing.T, form map[string][]string, authz string) {
				assertion := first(form, "client_assertion")
				_, err := jwt.Parse(assertion, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil },
					jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience(op.endpoints().Token), jwt.WithIssuer("client-1"))
				if err != nil {
					t.Errorf("assertion invalid: %v", err)
				}
				if first(form, "client_assertion_type") != clientAssertionType {
					t.Errorf("client_assertion_type = %q", first(form, "client_assertion_type"))
				}
			},
		},
		{
			method: AuthPrivateKeyJWT,
			check: func(t *testing.T, form map[string][]string, authz string) {
				tok, err := jwt.Parse(first(form, "client_assertion"), func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
					jwt.WithValidMethods([]string{"RS256"}), jwt.WithSubject("client-1"))
				if err != nil {
					t.Fatalf("assertion invalid: %v", err)
				}
				if tok.Header["kid"] != "key-1" {
					t.Errorf("kid = %v", tok.Header["kid"])
				}
			},
		},
		{
			method: AuthNone,
			check: func(t *testing.T, form map[string][]string, authz string) {
				if authz != "" || first(form, "client_secret") != "" || first(form, "client_assertion") != "" {
					t.Error("public clients must not authenticate")
				}
				if first(form, "client_id") != "client-1" {
					t.Errorf("client_id = %q", first(form, "client_id"))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			cfg := ClientConfig{
				ClientID:     "client-1",
				ClientSecret: "s3cret",
				AuthMethod:   tt.method,
				Endpoints:    op.endpoints(),
				PrivateKey:   key,
				PrivateKeyID: "key-1",
			}
			if tt.method == AuthNone || tt.method == AuthPrivateKeyJWT {
				cfg.ClientSecret = ""
			}
			c := NewTokenClient(cfg, op.srv.Client(), ClientOptions{})

			t.Run("client_credentials", func(t *testing.T) {
				ts, err := c.ClientCredentials(context.Background(), "p1:read:user")
				if err != nil {
					t.Fatalf("ClientCredentials: %v", err)
				}
				if ts.AccessToken != "cc-token" || ts.ExpiresIn != 300 {
					t.Errorf("tokens = %+v", ts)
				}
				form, authz := op.form()
				tt.check(t, form, authz)
			})

			t.Run("manual form", func(t *testing.T) {
				_, err := c.Token(context.Background(), map[string][]string{"grant_type": {"client_credentials"}})
				if err != nil {
					t.Fatalf("Token: %v", err)
				}
				form, authz := op.form()
				tt.check(t, form, authz)
			})
		})
	}
}

func first(form map[string][]string, k string) string {
	if v := form[k]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func TestTokenErrors(t *testing.T) {
	op := newFakeOP(t)
	op.tokenErr = "access_denied"
	c := NewTokenClient(ClientConfig{ClientID: "client-1", ClientSecret: "s", Endpoints: op.endpoints()}, op.srv.Client(), ClientOptions{})

	_, err := c.Refresh(context.Background(), "rt")
	var oe *OAuthError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OAuthError, got %T: %v", err, err)
	}
	if oe.Code != "access_denied" || oe.Description != "denied by test" || oe.StatusCode != http.StatusBadRequest {
		t.Errorf("error = %+v", oe)
	}
	if got := protocol.Classify(err); got != protocol.KindProtocolDenial {
		t.Errorf("Classify = %s, want %s", got, protocol.KindProtocolDenial)
	}

	_, err = c.Token(context.Background(), map[string][]string{"grant_type": {"x"}})
	if !errors.As(err, &oe) || oe.Code != "access_denied" {
		t.Errorf("Token error = %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	c := NewTokenClient(ClientConfig{ClientID: "c", AuthMethod: AuthPrivateKeyJWT}, nil, ClientOptions{})
	if _, err := c.ClientAssertion("aud"); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
	c = NewTokenClient(ClientConfig{ClientID: "c"}, nil, ClientOptions{})
	if _, _, err := c.PostForm(context.Background(), "http://127.0.0.1:0", nil); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestParseTokenResponse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts, err := ParseTokenResponse(200, []byte(`{"access_token":"a","token_type":"Bearer","expires_in":"60","id_token":"x.y.z"}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if ts.ExpiresIn != 60 || ts.IDToken != "x.y.z" {
		t.Errorf("ts = %+v", ts)
	}
	if !ts.ExpiresAt().Equal(now.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v", ts.ExpiresAt())
	}

	if _, err := ParseTokenResponse(200, []byte(`{"token_type":"Bearer"}`), now); err == nil {
		t.Error("expected error for response without access_token")
	}

	_, err = ParseTokenResponse(503, []byte(`<html>down</html>`), now)
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != "server_error" {
		t.Fatalf("err = %v", err)
	}
	if oe.Kind() != protocol.KindTransientServer {
		t.Errorf("Kind = %s", oe.Kind())
	}
}

func TestExtractOAuthError(t *testing.T) {
	t.Run("RetrieveError", func(t *testing.T) {
		re := &oauth2.RetrieveError{
			Response:         &http.Response{StatusCode: 400},
			Body:             []byte(`{"error":"invalid_grant"}`),
			ErrorCode:        "invalid_grant",
			ErrorDescription: "code expired",
		}
		var oe *OAuthError
		if !errors.As(extractOAuthError(re), &oe) {
			t.Fatal("expected *OAuthError")
		}
		if oe.Code != "invalid_grant" || oe.Description != "code expired" || oe.StatusCode != 400 {
			t.Errorf("oe = %+v", oe)
		}
	})

	t.Run("other error", func(t *testing.T) {
		err := errors.New("connection refused")
		if got := extractOAuthError(err); got != err {
			t.Errorf("got %v, want the original error", got)
		}
	})
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   string
		body     string
		code     string
		desc     string
		interval int64
	}{
		{
			name:   "bearer challenge only",
			status: 401,
			header: `Bearer realm="api", error="invalid_token", error_description="The access token expired"`,
			code:   "invalid_token",
			desc:   "The access token expired",
		},
		{
			name:   "json body wins over header",
			status: 400,
			header: `Bearer error="invalid_token"`,
			body:   `{"error":"invalid_request","error_description":"missing sub"}`,
			code:   "invalid_request",
			desc:   "missing sub",
		},
		{
			name:   "non-bearer scheme ignored",
			status: 401,
			header: `Basic realm="x", error="invalid_token"`,
			code:   "",
		},
		{
			name:   "unquoted params",
			status: 403,
			header: `DPoP error=insufficient_scope`,
			code:   "insufficient_scope",
		},
		{
			name:   "5xx default",
			status: 503,
			body:   `<html>down</html>`,
			code:   "server_error",
			desc:   "Service Unavailable",
		},
		{
			name:     "numeric interval",
			status:   400,
			body:     `{"error":"authorization_pending","interval":12}`,
			code:     "authorization_pending",
			interval: 12,
		},
		{
			name:     "string interval",
			status:   400,
			body:     `{"error":"slow_down","interval":"9"}`,
			code:     "slow_down",
			interval: 9,
		},
		{
			name:   "garbage interval keeps the code",
			status: 400,
			body:   `{"error":"authorization_pending","interval":"soon"}`,
			code:   "authorization_pending",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("WWW-Authenticate", tt.header)
			}
			oe := ErrorFromResponse(resp, []byte(tt.body))
			if oe.Code != tt.code {
				t.Errorf("Code = %q, want %q", oe.Code, tt.code)
			}
			if tt.desc != "" && oe.Description != tt.desc {
				t.Errorf("Description = %q, want %q", oe.Description, tt.desc)
			}
			if oe.Interval != tt.interval {
				t.Errorf("Interval = %d, want %d", oe.Interval, tt.interval)
			}
			if oe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", oe.StatusCode, tt.status)
			}
		})
	}
}

func TestUserInfo(t *testing.T) {
	op := newFakeOP(t)
	c := NewTokenClient(ClientConfig{ClientID: "client-1", ClientSecret: "s", Endpoints: op.endpoints()}, op.srv.Client(), ClientOptions{})

	claims, err := c.UserInfo(context.Background(), "at-1")
	if err != nil {
		t.Fatal(err)
	}
	if claims["email"] != "user@example.com" {
		t.Errorf("claims = %v", claims)
	}

	_, err = c.UserInfo(context.Background(), "stale")
	var oe *OAuthError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v", err)
	}
	if oe.Code != "invalid_token" || !strings.Contains(oe.Description, "expired") {
		t.Errorf("oe = %+v", oe)
	}
}

func TestTokenSetRotate(t *testing.T) {
	old := TokenSet{AccessToken: "a1", RefreshToken: "r1"}
	if got := old.Rotate(TokenSet{AccessToken: "a2"}); got.RefreshToken != "r1" || got.AccessToken != "a2" {
		t.Errorf("non-rotating refresh: %+v", got)
	}
	if got := old.Rotate(TokenSet{AccessToken: "a2", RefreshToken: "r2"}); got.RefreshToken != "r2" {
		t.Errorf("rotating refresh: %+v", got)
	}
}
