package oidc

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is the set of tokens returned by a token endpoint.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ExpiresAt returns when the access token expires, or the zero time if unknown.
func (t TokenSet) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 || t.IssuedAt.IsZero() {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Rotate returns next as the replacement for t, keeping t's refresh token
// when the server did not issue a new one.
func (t TokenSet) Rotate(next TokenSet) TokenSet {
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	return next
}

func tokenSetFromOAuth2(tok *oauth2.Token, now time.Time) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		IssuedAt:     now.UTC(),
	}
	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second).Seconds())
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

// FlowCredentials are the client settings a flow runs with.
type FlowCredentials struct {
	EnvironmentID string   `json:"environmentId"`
	ClientID      string   `json:"clientId"`
	ClientSecret  string   `json:"clientSecret,omitempty"`
	RedirectURI   string   `json:"redirectUri"`
	Scopes        []string `json:"scopes"`
	ResponseType  string   `json:"responseType"`
	AuthMethod    string   `json:"authMethod"`
}

// ScopeString returns the scopes space-separated.
func (c FlowCredentials) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// Step is a stage of the authorization code flow.
type Step string

const (
	StepCredentials Step = "credentials"
	StepAuthorize   Step = "authorize"
	StepExchange    Step = "exchange"
	StepIntrospect  Step = "introspect"
)

// Attempt holds the per-authorization artifacts. The code verifier is
// discarded once the code has been exchanged.
type Attempt struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	AuthURL       string    `json:"auth_url"`
	CreatedAt     time.Time `json:"created_at"`
}
