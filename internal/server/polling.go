package server

import (
	"errors"
	"net/http"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

const kindPollingConfig = "polling_config"

// pollingConfigKeys hold the last request each grant was started with,
// minus the client secret.
var pollingConfigKeys = map[string]string{
	"ciba":   storage.KeyCIBAConfig,
	"device": storage.KeyDeviceConfig,
}

// pollingRequest returns the environment defaults for a grant, overlaid
// with the saved configuration and then any fields present in the request
// body.
func (s *Server) pollingRequest(r *http.Request, grant string) (polling.Request, error) {
	envID := s.env.EnvironmentID
	if envID == "" {
		envID = s.env.Name
	}
	req := polling.Request{
		EnvironmentID: envID,
		ClientID:      s.env.ClientID,
		ClientSecret:  s.env.ClientSecret,
		AuthMethod:    s.env.AuthMethod,
	}
	switch grant {
	case "ciba":
		req.Scope = s.env.CIBA.Scope
		req.LoginHint = s.env.CIBA.LoginHint
		req.BindingMessage = s.env.CIBA.BindingMessage
		req.RequestContext = s.env.CIBA.RequestContext
	case "device":
		req.Scope = s.env.Device.Scope
	}
	if s.opts.Scopes.Local != nil {
		if _, err := storage.Load(r.Context(), s.opts.Scopes.Local, pollingConfigKeys[grant], kindPollingConfig, &req); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Ignoring saved polling configuration", "grant", grant, "error", err)
		}
	}
	err := decodeBody(r, &req)
	return req, err
}

func (s *Server) savePollingConfig(r *http.Request, grant string, req polling.Request) {
	if s.opts.Scopes.Local == nil {
		return
	}
	req.ClientSecret = ""
	if err := storage.Put(r.Context(), s.opts.Scopes.Local, pollingConfigKeys[grant], kindPollingConfig, req); err != nil {
		s.logger.Warn("Failed to save polling configuration", "grant", grant, "error", err)
	}
}

func (s *Server) handlePollingStart(grant string, e *polling.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.pollingRequest(r, grant)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := e.Initiate(r.Context(), req); err != nil {
			s.writeError(w, err)
			return
		}
		s.savePollingConfig(r, grant, req)
		writeJSON(w, http.StatusAccepted, e.Snapshot())
	}
}

func (s *Server) handlePollingStatus(e *polling.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Snapshot())
	}
}

func (s *Server) handlePollingCancel(e *polling.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.Cancel(r.Context())
		writeJSON(w, http.StatusOK, e.Snapshot())
	}
}

// proxyClient returns a token client for the credentials in a proxied
// CIBA request. Requests for another environment in the same region get
// that environment's derived endpoints. An environment configured by issuer
// alone only proxies to that issuer.
func (s *Server) proxyClient(envID string, creds oidc.FlowCredentials) *oidc.TokenClient {
	c := s.client
	if envID != "" && s.env.EnvironmentID != "" && envID != s.env.EnvironmentID {
		other := config.EnvironmentConfig{EnvironmentID: envID, Region: s.env.Region}
		cfg := c.Config()
		cfg.Endpoints = other.Endpoints()
		c = oidc.NewTokenClient(cfg, s.httpClient, oidc.ClientOptions{Metrics: s.opts.Metrics, Logger: s.logger})
	}
	return c.WithCredentials(creds)
}

// handleCIBAInitiate forwards a backchannel authentication request to the
// authorization server with the caller's client credentials.
func (s *Server) handleCIBAInitiate(w http.ResponseWriter, r *http.Request) {
	var req polling.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ClientID == "" || req.LoginHint == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "client_id and login_hint are required"})
		return
	}
	client := s.proxyClient(req.EnvironmentID, oidc.FlowCredentials{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AuthMethod:   req.AuthMethod,
	})
	resp, err := client.BackchannelAuthorize(r.Context(), oidc.BackchannelRequest{
		Scope:          req.Scope,
		LoginHint:      req.LoginHint,
		BindingMessage: req.BindingMessage,
		RequestContext: req.RequestContext,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCIBAToken makes one token request for a pending backchannel
// authentication. Authorization server errors such as
// authorization_pending are passed through with their status.
func (s *Server) handleCIBAToken(w http.ResponseWriter, r *http.Request) {
	var req polling.CIBATokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ClientID == "" || req.AuthReqID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "client_id and auth_req_id are required"})
		return
	}
	client := s.proxyClient(req.EnvironmentID, oidc.FlowCredentials{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AuthMethod:   req.AuthMethod,
	})
	ts, err := client.PollCIBA(r.Context(), req.AuthReqID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}
