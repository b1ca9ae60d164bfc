// Package jwtverify validates signed JWTs against a remote JSON Web Key Set.
package jwtverify

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

const (
	DefaultClockTolerance = 300 * time.Second
	DefaultCacheTTL       = 10 * time.Minute
)

// DefaultAlgorithms are accepted when Options.Algorithms is empty.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512"}

// Options are the per-call validation parameters.
type Options struct {
	Issuer         string
	Audience       string
	ClockTolerance time.Duration
	Algorithms     []string
	Nonce          string
	// MaxAge bounds the age of auth_time when non-nil.
	MaxAge *time.Duration
	// AccessToken enables at_hash verification when set.
	AccessToken string
}

// Result is the outcome of a validation. Failures are reported in Error,
// never as a Go error.
type Result struct {
	Valid         bool           `json:"valid"`
	Payload       map[string]any `json:"payload,omitempty"`
	Header        map[string]any `json:"header,omitempty"`
	Error         string         `json:"error,omitempty"`
	AtHashPresent bool           `json:"atHashPresent,omitempty"`
	AtHashChecked bool           `json:"atHashChecked,omitempty"`
}

// Config configures a Validator.
type Config struct {
	CacheTTL time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Validator verifies tokens and caches key sets per JWKS URI.
type Validator struct {
	client  *http.Client
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*cachedKeySet
	gen   uint64
}

// NewValidator creates a Validator using httpClient for JWKS fetches.
func NewValidator(httpClient *http.Client, cfg Config) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		client:  httpClient,
		ttl:     cfg.CacheTTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cache:   make(map[string]*cachedKeySet),
	}
}

// Validate verifies the signature and standard claims of token using keys
// from jwksURI, then applies nonce, max-age and at_hash checks.
func (v *Validator) Validate(ctx context.Context, token, jwksURI string, opts Options) Result {
	res := v.validate(ctx, token, jwksURI, opts)
	v.metrics.IncValidation(res.Valid)
	if !res.Valid {
		v.logger.Debug("JWT validation failed", "error", res.Error)
	}
	return res
}

func (v *Validator) validate(ctx context.Context, token, jwksURI string, opts Options) Result {
	header, err := protocol.DecodeHeader(token)
	if err != nil {
		return Result{Error: err.Error()}
	}
	payload, err := protocol.DecodePayload(token)
	if err != nil {
		return Result{Header: header, Error: err.Error()}
	}
	res := Result{Header: header, Payload: payload}
	_, res.AtHashPresent = payload["at_hash"]

	alg := protocol.StringClaim(header, "alg")
	if alg == "" || strings.EqualFold(alg, "none") {
		res.Error = "unsigned tokens are not accepted"
		return res
	}
	algs := opts.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	if !slices.Contains(algs, alg) {
		res.Error = fmt.Sprintf("algorithm %s is not allowed", alg)
		return res
	}
	tolerance := opts.ClockTolerance
	if tolerance <= 0 {
		tolerance = DefaultClockTolerance
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(tolerance),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(parserOpts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyFor(ctx, jwksURI, kid, alg)
	})
	if err != nil {
		res.Error = describeParseError(err)
		return res
	}
	res.Payload = claims

	if opts.Nonce != "" {
		if got := protocol.StringClaim(claims, "nonce"); got != opts.Nonce {
			res.Error = "nonce mismatch"
			return res
		}
	}

	if opts.MaxAge != nil {
		authTime, ok := numericClaim(claims, "auth_time")
		if !ok {
			res.Error = "auth_time claim required when max_age is set"
			return res
		}
		age := v.clock.Now().Sub(time.Unix(authTime, 0))
		// Clock tolerance covers exp/nbf/iat only; max_age is compared as given.
		if age > *opts.MaxAge {
			res.Error = fmt.Sprintf("authentication is too old: %s exceeds max_age %s", age.Truncate(time.Second), *opts.MaxAge)
			return res
		}
	}

	if res.AtHashPresent && opts.AccessToken != "" {
		want, err := AccessTokenHash(opts.AccessToken, alg)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if protocol.StringClaim(claims, "at_hash") != want {
			res.Error = "at_hash does not match access token"
			return res
		}
		res.AtHashChecked = true
	}

	res.Valid = true
	return res
}

// AccessTokenHash computes the at_hash value for accessToken: the left half of
// the hash matching alg's size, base64url encoded.
func AccessTokenHash(accessToken, alg string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	case alg == "EdDSA":
		h = sha512.New()
	default:
		return "", fmt.Errorf("at_hash: unsupported algorithm %s", alg)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func numericClaim(claims map[string]any, name string) (int64, bool) {
	switch n := claims[name].(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func describeParseError(err error) string {
	var msg string
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		msg = "token is expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		msg = "token is not valid yet"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		msg = "token used before issued"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		msg = "invalid issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		msg = "invalid audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		msg = "signature is invalid"
	}
	// Key lookup errors already start with "jwks:".
	if msg == "" {
		return err.Error()
	}
	return msg
}
