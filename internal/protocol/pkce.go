package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	// MinVerifierLength and MaxVerifierLength bound a PKCE code verifier (RFC 7636 section 4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128

	defaultVerifierLength = 64
	stateLength           = 32
)

// unreserved is the RFC 3986 unreserved character set allowed in a code verifier.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var (
	// ErrInvalidVerifierLength is returned for verifiers outside 43..128 characters.
	ErrInvalidVerifierLength = errors.New("code verifier length must be between 43 and 128")
	// ErrStateMismatch is returned when a callback state does not match the issued one.
	ErrStateMismatch = errors.New("state mismatch")
)

// PKCECodes is a verifier/challenge pair bound to one authorization attempt.
type PKCECodes struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	Method        string `json:"code_challenge_method"`
}

// GenerateRandomString returns length characters drawn uniformly from the unreserved set.
func GenerateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("random string length must be positive, got %d", length)
	}
	max := big.NewInt(int64(len(unreserved)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b[i] = unreserved[n.Int64()]
	}
	return string(b), nil
}

// GenerateCodeVerifier returns a random verifier of the given length.
func GenerateCodeVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("%w: %d", ErrInvalidVerifierLength, length)
	}
	return GenerateRandomString(length)
}

// GenerateCodeChallenge computes the S256 challenge base64url(SHA-256(verifier)).
func GenerateCodeChallenge(verifier string) (string, error) {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return "", fmt.Errorf("%w: %d", ErrInvalidVerifierLength, len(verifier))
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// GeneratePKCE creates a fresh S256 verifier/challenge pair.
func GeneratePKCE() (*PKCECodes, error) {
	verifier, err := GenerateCodeVerifier(defaultVerifierLength)
	if err != nil {
		return nil, err
	}
	challenge, err := GenerateCodeChallenge(verifier)
	if err != nil {
		return nil, err
	}
	return &PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Method:        "S256",
	}, nil
}

// GenerateState returns a random CSRF state value.
func GenerateState() (string, error) {
	return GenerateRandomString(stateLength)
}

// GenerateNonce returns a random nonce bound to an ID token request.
func GenerateNonce() (string, error) {
	return GenerateRandomString(stateLength)
}

// VerifyState compares the issued state with the one echoed in a callback.
func VerifyState(expected, got string) error {
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrStateMismatch
	}
	return nil
}
