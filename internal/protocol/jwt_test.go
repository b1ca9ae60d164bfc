package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestIsJWT(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"a.b.c", true},
		{"eyJ.eyJ.sig", true},
		{"not-a-jwt", false},
		{"a.b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsJWT(tt.input); got != tt.want {
			t.Errorf("IsJWT(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDecodeHeaderPayloadRoundTrip(t *testing.T) {
	header := map[string]any{"alg": "RS256", "kid": "key-1", "typ": "JWT"}
	payload := map[string]any{
		"sub":   "user1",
		"iss":   "https://auth.example.com/env1/as",
		"aud":   []any{"client-a", "client-b"},
		"exp":   float64(1700000000),
		"extra": map[string]any{"nested": true},
	}
	token := encodeSegment(t, header) + "." + encodeSegment(t, payload) + ".signature"

	gotHeader, err := DecodeHeader(token)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !reflect.DeepEqual(gotHeader, header) {
		t.Errorf("header = %v, want %v", gotHeader, header)
	}

	gotPayload, err := DecodePayload(token)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(gotPayload, payload) {
		t.Errorf("payload = %v, want %v", gotPayload, payload)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good := encodeSegment(t, map[string]any{"alg": "none"})
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", good + "." + good},
		{"four parts", good + "." + good + ".sig.extra"},
		{"bad base64", "!!!." + good + ".sig"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("plain")) + "." + good + ".sig"},
		{"json array", base64.RawURLEncoding.EncodeToString([]byte("[1,2]")) + "." + good + ".sig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.token)
			if !errors.Is(err, ErrMalformedToken) {
				t.Errorf("DecodeHeader error = %v, want ErrMalformedToken", err)
			}
		})
	}
}

func TestDecodeJWT(t *testing.T) {
	token := encodeSegment(t, map[string]any{"alg": "RS256", "kid": "test-key"}) + "." +
		encodeSegment(t, map[string]any{"sub": "user1"}) + ".signature"

	h, p, s := DecodeJWT(token)
	if !strings.Contains(h, "RS256") {
		t.Errorf("header should contain RS256, got: %s", h)
	}
	if !strings.Contains(p, "user1") {
		t.Errorf("payload should contain user1, got: %s", p)
	}
	if s != "signature" {
		t.Errorf("signature = %q", s)
	}
}

func TestExtractJWTHeaderInfo(t *testing.T) {
	token := encodeSegment(t, map[string]any{"alg": "RS256", "kid": "my-key-id"}) + "." +
		encodeSegment(t, map[string]any{"sub": "test"}) + ".sig"

	alg, kid := ExtractJWTHeaderInfo(token)
	if alg != "RS256" {
		t.Errorf("alg = %q, want RS256", alg)
	}
	if kid != "my-key-id" {
		t.Errorf("kid = %q, want my-key-id", kid)
	}
}

func TestSubjectFromIDToken(t *testing.T) {
	token := encodeSegment(t, map[string]any{"alg": "RS256"}) + "." +
		encodeSegment(t, map[string]any{"sub": "user-42"}) + ".sig"
	if got := SubjectFromIDToken(token); got != "user-42" {
		t.Errorf("SubjectFromIDToken = %q, want user-42", got)
	}
	if got := SubjectFromIDToken("garbage"); got != "" {
		t.Errorf("SubjectFromIDToken(garbage) = %q, want empty", got)
	}
}

func TestParseJWKSKeys(t *testing.T) {
	tests := []struct {
		name      string
		input     json.RawMessage
		wantCount int
	}{
		{"two keys", json.RawMessage(`{"keys":[{"kid":"k1","kty":"RSA","use":"sig","alg":"RS256"},{"kid":"k2","kty":"EC"}]}`), 2},
		{"nil input", nil, 0},
		{"invalid JSON", json.RawMessage(`{invalid`), 0},
		{"empty keys array", json.RawMessage(`{"keys":[]}`), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := ParseJWKSKeys(tt.input)
			if len(keys) != tt.wantCount {
				t.Fatalf("got %d keys, want %d", len(keys), tt.wantCount)
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"integer float64", float64(42), "42"},
		{"non-integer float64", float64(3.14), "3.14"},
		{"json.Number", json.Number("12345"), "12345"},
		{"string", "hello", "hello"},
		{"bool", true, "true"},
		{"map", map[string]any{"active": true, "sub": "user1"}, `{"active":true,"sub":"user1"}`},
		{"slice", []any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.input); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestClaimRows(t *testing.T) {
	rows := ClaimRows(map[string]any{"sub": "user1", "iat": float64(1700000000)})
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Key != "iat" || !strings.Contains(rows[0].Value, "2023-11-14T22:13:20 UTC") {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Key != "sub" || rows[1].Value != "user1" {
		t.Errorf("rows[1] = %+v", rows[1])
	}
}

func TestPrettyJSON(t *testing.T) {
	result := PrettyJSON(json.RawMessage(`{"b":2,"a":1}`))
	if !strings.Contains(result, "\n") {
		t.Error("PrettyJSON should produce indented output")
	}
	if PrettyJSON(nil) != "" {
		t.Error("PrettyJSON(nil) should be empty")
	}
	if got := PrettyJSON(json.RawMessage(`not json`)); got != "not json" {
		t.Errorf("PrettyJSON(invalid) = %q", got)
	}
}
