package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/curtismu7/oauthplayground/internal/protocol"
)

// OAuthError is an RFC 6749 §5.2 error response (or an RFC 6750 bearer error).
type OAuthError struct {
	StatusCode  int    `json:"status,omitempty"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	// Interval is the polling interval in seconds some servers echo with
	// authorization_pending and slow_down.
	Interval int64  `json:"interval,omitempty"`
	RawBody  string `json:"-"`
}

func (e *OAuthError) Error() string {
	msg := e.Code
	if msg == "" {
		msg = fmt.Sprintf("http %d", e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Kind classifies the error for the flow controllers.
func (e *OAuthError) Kind() protocol.ErrorKind {
	switch e.Code {
	case "access_denied", "expired_token", "invalid_grant", "unauthorized_client", "invalid_client", "consent_required", "login_required":
		return protocol.KindProtocolDenial
	case "invalid_request", "unsupported_grant_type", "invalid_scope":
		return protocol.KindMalformedInput
	case "server_error", "temporarily_unavailable":
		return protocol.KindTransientServer
	}
	if e.StatusCode >= 500 {
		return protocol.KindTransientServer
	}
	return protocol.KindUnknown
}

// ParseErrorBody builds an OAuthError from a non-2xx response body. Bodies that
// are not RFC 6749 JSON still produce an error carrying the status code.
func ParseErrorBody(status int, body []byte) *OAuthError {
	return parseError(status, nil, body)
}

// ErrorFromResponse is ParseErrorBody for a response whose bearer error may
// be carried only in the WWW-Authenticate header (RFC 6750 section 3), as
// userinfo and resource servers do.
func ErrorFromResponse(resp *http.Response, body []byte) *OAuthError {
	return parseError(resp.StatusCode, resp.Header, body)
}

func parseError(status int, header http.Header, body []byte) *OAuthError {
	e := &OAuthError{StatusCode: status, RawBody: string(body)}
	var resp struct {
		Error       string          `json:"error"`
		Description string          `json:"error_description"`
		URI         string          `json:"error_uri"`
		Interval    json.RawMessage `json:"interval"`
	}
	if json.Unmarshal(body, &resp) == nil {
		e.Code = resp.Error
		e.Description = resp.Description
		e.URI = resp.URI
		if n, err := strconv.ParseInt(strings.Trim(string(resp.Interval), `"`), 10, 64); err == nil && n > 0 {
			e.Interval = n
		}
	}
	if e.Code == "" && header != nil {
		for _, challenge := range header.Values("WWW-Authenticate") {
			if code, desc, uri := parseBearerChallenge(challenge); code != "" {
				e.Code, e.Description, e.URI = code, desc, uri
				break
			}
		}
	}
	if e.Code == "" && status >= 500 {
		e.Code = "server_error"
		if e.Description == "" {
			e.Description = http.StatusText(status)
		}
	}
	return e
}

var challengeParamRe = regexp.MustCompile(`([\w-]+)=(?:"([^"]*)"|([^\s,"]+))`)

// parseBearerChallenge extracts error, error_description and error_uri from
// a Bearer or DPoP WWW-Authenticate challenge. Other schemes yield nothing.
func parseBearerChallenge(value string) (code, desc, uri string) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(value), " ")
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "DPoP") {
		return "", "", ""
	}
	for _, m := range challengeParamRe.FindAllStringSubmatch(params, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		switch m[1] {
		case "error":
			code = v
		case "error_description":
			desc = v
		case "error_uri":
			uri = v
		}
	}
	return code, desc, uri
}

// extractOAuthError unpacks an oauth2.RetrieveError into an OAuthError.
// Other errors are returned unchanged.
func extractOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		oe := ParseErrorBody(status, re.Body)
		if re.ErrorCode != "" {
			oe.Code = re.ErrorCode
			oe.Description = re.ErrorDescription
			oe.URI = re.ErrorURI
		}
		return oe
	}
	return err
}
