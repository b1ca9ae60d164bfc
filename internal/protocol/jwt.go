package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedToken is returned when a token is not a 3-part base64url JWT with JSON segments.
var ErrMalformedToken = errors.New("malformed token")

// IsJWT returns true if the string has the 3-part JWT structure.
func IsJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// DecodeHeader decodes the JOSE header of a JWT without verifying it.
func DecodeHeader(token string) (map[string]any, error) {
	return decodeSegment(token, 0)
}

// DecodePayload decodes the claims of a JWT without verifying it.
func DecodePayload(token string) (map[string]any, error) {
	return decodeSegment(token, 1)
}

func decodeSegment(token string, idx int) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedToken, len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[idx], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d is not base64url: %v", ErrMalformedToken, idx, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: segment %d is not a JSON object: %v", ErrMalformedToken, idx, err)
	}
	return out, nil
}

// DecodeJWT decodes a JWT's header, payload, and signature for display.
// Header and payload are pretty-printed JSON; signature is the raw base64url string.
func DecodeJWT(token string) (header, payload, signature string) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) < 2 {
		return token, "", ""
	}
	header = decodeBase64URL(parts[0])
	payload = decodeBase64URL(parts[1])
	if len(parts) == 3 {
		signature = parts[2]
	}
	return
}

// ExtractJWTHeaderInfo extracts the algorithm and key ID from a JWT header.
func ExtractJWTHeaderInfo(jwtRaw string) (alg, kid string) {
	header, err := DecodeHeader(jwtRaw)
	if err != nil {
		return
	}
	alg, _ = header["alg"].(string)
	kid, _ = header["kid"].(string)
	return
}

// StringClaim returns a string claim or "" when absent or of another type.
func StringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// SubjectFromIDToken extracts "sub" from an ID token without verification.
func SubjectFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims, err := DecodePayload(idToken)
	if err != nil {
		return ""
	}
	return StringClaim(claims, "sub")
}

// JWKSKeyInfo holds structured metadata for a single JWKS key.
type JWKSKeyInfo struct {
	Kid string `json:"kid,omitempty"`
	Kty string `json:"kty,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// ParseJWKSKeys extracts key metadata from raw JWKS JSON.
func ParseJWKSKeys(jwksRaw json.RawMessage) []JWKSKeyInfo {
	if len(jwksRaw) == 0 {
		return nil
	}
	var jwks struct {
		Keys []JWKSKeyInfo `json:"keys"`
	}
	if json.Unmarshal(jwksRaw, &jwks) != nil {
		return nil
	}
	return jwks.Keys
}

func decodeBase64URL(s string) string {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return PrettyJSON(json.RawMessage(b))
}
