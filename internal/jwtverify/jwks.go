package jwtverify

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

const maxJWKSBytes = 1 << 20

type cachedKeySet struct {
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
	gen       uint64
}

// keyFor returns the verification key for kid and alg. An unknown kid forces
// one refetch in case the provider rotated its keys since the last fetch.
func (v *Validator) keyFor(ctx context.Context, jwksURI, kid, alg string) (any, error) {
	set, err := v.keySet(ctx, jwksURI, false)
	if err != nil {
		return nil, err
	}
	if key, ok := selectKey(set, kid, alg); ok {
		return key, nil
	}
	if kid == "" {
		return nil, fmt.Errorf("jwks: no usable key for alg %s", alg)
	}
	set, err = v.keySet(ctx, jwksURI, true)
	if err != nil {
		return nil, err
	}
	if key, ok := selectKey(set, kid, alg); ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: no key with kid %q", kid)
}

func (v *Validator) keySet(ctx context.Context, jwksURI string, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	c, ok := v.cache[jwksURI]
	v.mu.RUnlock()
	var seen uint64
	if ok {
		seen = c.gen
		if !force && v.clock.Since(c.fetchedAt) < v.ttl {
			return c.keys, nil
		}
	}

	res, err, _ := v.group.Do(jwksURI, func() (any, error) {
		// Another caller may have refreshed the set since this one looked.
		v.mu.RLock()
		c, ok := v.cache[jwksURI]
		v.mu.RUnlock()
		if ok && c.gen != seen {
			return c.keys, nil
		}
		set, err := v.fetch(ctx, jwksURI)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.gen++
		v.cache[jwksURI] = &cachedKeySet{keys: set, fetchedAt: v.clock.Now(), gen: v.gen}
		v.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return res.(jose.JSONWebKeySet), nil
}

func (v *Validator) fetch(ctx context.Context, jwksURI string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: fetch %s: %w", jwksURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: fetch %s: status %d", jwksURI, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: read body: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: parse %s: %w", jwksURI, err)
	}
	v.logger.Debug("Fetched JWKS", "uri", jwksURI, "keys", len(set.Keys))
	return set, nil
}

// selectKey picks the signing key matching kid, or the first usable key for
// alg when the token carries no kid.
func selectKey(set jose.JSONWebKeySet, kid, alg string) (any, bool) {
	for _, k := range set.Keys {
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		pub := k.Public()
		if !pub.Valid() || !keyMatchesAlg(pub.Key, alg) {
			continue
		}
		return pub.Key, true
	}
	return nil, false
}

func keyMatchesAlg(key any, alg string) bool {
	switch key.(type) {
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(alg, "ES")
	case ed25519.PublicKey:
		return alg == "EdDSA"
	}
	return false
}
