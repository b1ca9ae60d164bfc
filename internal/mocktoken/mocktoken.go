// Package mocktoken builds unsigned placeholder JWTs for demos and UI
// previews. These tokens carry "alg": "none" and are rejected by jwtverify;
// they must never be treated as credentials.
package mocktoken

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Issuer is stamped on tokens that don't set "iss".
const Issuer = "https://mock.oauthplayground.local"

// New returns an unsigned JWT with the given claims. iat and exp are filled
// in relative to now when absent.
func New(claims map[string]any, now time.Time) (string, error) {
	out := make(map[string]any, len(claims)+3)
	for k, v := range claims {
		out[k] = v
	}
	if _, ok := out["iss"]; !ok {
		out["iss"] = Issuer
	}
	if _, ok := out["iat"]; !ok {
		out["iat"] = now.Unix()
	}
	if _, ok := out["exp"]; !ok {
		out["exp"] = now.Add(time.Hour).Unix()
	}

	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal mock claims: %w", err)
	}
	enc := base64.RawURLEncoding.EncodeToString
	return enc(header) + "." + enc(payload) + ".", nil
}

// TokenSet returns a mock access/ID token pair for a subject.
func TokenSet(subject, clientID string, now time.Time) (accessToken, idToken string, err error) {
	accessToken, err = New(map[string]any{"sub": subject, "client_id": clientID, "scope": "openid profile"}, now)
	if err != nil {
		return "", "", err
	}
	idToken, err = New(map[string]any{"sub": subject, "aud": clientID}, now)
	if err != nil {
		return "", "", err
	}
	return accessToken, idToken, nil
}
