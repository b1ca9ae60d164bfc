package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/curtismu7/oauthplayground/internal/config"
)

// ResolveEndpoints returns the endpoints for env. With discovery enabled the
// provider metadata overrides the derived URLs it declares.
func ResolveEndpoints(ctx context.Context, env *config.EnvironmentConfig, httpClient *http.Client) (config.Endpoints, error) {
	ep := env.Endpoints()
	if !env.Discovery {
		return ep, nil
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	provider, err := gooidc.NewProvider(ctx, ep.Issuer)
	if err != nil {
		return ep, fmt.Errorf("discover OIDC provider %s: %w", env.Name, err)
	}

	var claims struct {
		Introspection       string `json:"introspection_endpoint"`
		Revocation          string `json:"revocation_endpoint"`
		UserInfo            string `json:"userinfo_endpoint"`
		JWKS                string `json:"jwks_uri"`
		EndSession          string `json:"end_session_endpoint"`
		DeviceAuthorization string `json:"device_authorization_endpoint"`
		BackchannelAuth     string `json:"backchannel_authentication_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		slog.Warn("Could not extract provider claims", "environment", env.Name, "error", err)
	}

	pe := provider.Endpoint()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&ep.Authorization, pe.AuthURL)
	set(&ep.Token, pe.TokenURL)
	set(&ep.DeviceAuthorization, pe.DeviceAuthURL)
	set(&ep.Introspection, claims.Introspection)
	set(&ep.Revocation, claims.Revocation)
	set(&ep.UserInfo, claims.UserInfo)
	set(&ep.JWKS, claims.JWKS)
	set(&ep.Signoff, claims.EndSession)
	set(&ep.DeviceAuthorization, claims.DeviceAuthorization)
	set(&ep.BackchannelAuth, claims.BackchannelAuth)
	slog.Info("OIDC provider discovered", "issuer", ep.Issuer, "environment", env.Name)
	return ep, nil
}
