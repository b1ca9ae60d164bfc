package protocol

import (
	"net/url"
	"strings"
)

// Param is one protocol parameter of an authorize, callback or logout URL,
// kept in wire order with a short description for display.
type Param struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Note   string `json:"note,omitempty"`
	Secret bool   `json:"secret,omitempty"`
}

var paramNotes = map[string]string{
	"response_type":            "grant requested from the authorization endpoint",
	"client_id":                "application identifier",
	"redirect_uri":             "where the provider sends the result",
	"scope":                    "access requested",
	"state":                    "CSRF binding between request and callback",
	"nonce":                    "replay binding for the ID token",
	"code_challenge":           "PKCE S256 hash of the verifier",
	"code_challenge_method":    "PKCE transform",
	"code":                     "authorization code to redeem",
	"error":                    "provider error code",
	"error_description":        "provider error detail",
	"id_token_hint":            "ID token identifying the session to end",
	"post_logout_redirect_uri": "where the provider returns after sign-off",
	"login_hint":               "user the request is for",
	"binding_message":          "text shown on both devices",
	"max_age":                  "maximum authentication age in seconds",
	"prompt":                   "reauthentication and consent control",
	"access_token":             "bearer token (implicit or hybrid)",
	"id_token":                 "ID token (implicit or hybrid)",
}

var secretParams = map[string]bool{
	"code":          true,
	"access_token":  true,
	"id_token":      true,
	"id_token_hint": true,
	"refresh_token": true,
	"client_secret": true,
	"code_verifier": true,
	"device_code":   true,
}

// QueryParams splits a URL, fragment callback or bare query string into its
// parameters in wire order. Duplicate keys are all kept. Returns nil when
// there is nothing to show.
func QueryParams(raw string) []Param {
	query := raw
	if u, err := url.Parse(raw); err == nil && (u.Scheme != "" || strings.HasPrefix(raw, "?") || strings.HasPrefix(raw, "#")) {
		query = u.RawQuery
		if query == "" {
			query = u.EscapedFragment()
		}
	}
	var params []Param
	for part := range strings.SplitSeq(query, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		params = append(params, Param{Key: k, Value: v, Note: paramNotes[k], Secret: secretParams[k]})
	}
	return params
}
