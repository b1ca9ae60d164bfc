// Package storage provides the key-value persistence used by the flow controllers.
//
// Two scopes exist: Local survives restarts (tokens, configuration) and Session holds
// short-lived attempt state (pending auth requests, PKCE verifiers). Both are plain
// Store values handed to components explicitly.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// Scopes groups the long-lived and session-scoped stores.
type Scopes struct {
	Local   Store
	Session Store
}

// NewMemoryScopes returns scopes backed by two independent in-memory stores.
func NewMemoryScopes() Scopes {
	return Scopes{Local: NewMemory(), Session: NewMemory()}
}

// Well-known keys.
const (
	KeyOAuthTokens         = "oauth_tokens"
	KeyCIBAConfig          = "oidc_ciba_v5_config"
	KeyCIBATokens          = "oidc_ciba_v5_tokens"
	KeyCIBAAuthRequest     = "oidc_ciba_v5_auth_request"
	KeyDeviceConfig        = "oidc_device_v5_config"
	KeyDeviceTokens        = "oidc_device_v5_tokens"
	KeyDeviceAuthRequest   = "oidc_device_v5_auth_request"
	KeyUISettings          = "ui-settings"
	KeyGlobalEnvironmentID = "v8:global_environment_id"
	KeyMFAState            = "v8:unified_mfa_state"
)

// FlowKey returns the key under which a named flow stores a value.
func FlowKey(flow, name string) string {
	return "flow:" + flow + ":" + name
}
