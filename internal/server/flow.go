package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

// handleLogin starts an authorization attempt and redirects to the
// authorization endpoint. With ?format=json the attempt is returned instead.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	a, err := s.opts.Flow.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{
			"auth_url":       a.AuthURL,
			"state":          a.State,
			"code_challenge": a.CodeChallenge,
			"params":         protocol.QueryParams(a.AuthURL),
		})
		return
	}
	http.Redirect(w, r, a.AuthURL, http.StatusFound)
}

type callbackResponse struct {
	oidc.FlowState
	Params []protocol.Param `json:"params,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Flow.HandleCallback(r.Context(), r.URL.Query())
	resp := callbackResponse{FlowState: st, Params: protocol.QueryParams(r.URL.RawQuery)}
	if err != nil {
		resp.FlowState = s.opts.Flow.State(r.Context())
		status := http.StatusBadRequest
		if k := protocol.Classify(err); k == protocol.KindTransientServer {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlowState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Flow.State(r.Context()))
}

func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	creds := s.opts.Flow.Credentials(r.Context())
	if err := decodeBody(r, &creds); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.opts.Flow.SaveCredentials(r.Context(), creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: err.Error(), Kind: protocol.KindMalformedInput})
		return
	}
	creds.ClientSecret = ""
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleFlowReset(w http.ResponseWriter, r *http.Request) {
	s.opts.Flow.Reset(r.Context())
	writeJSON(w, http.StatusOK, s.opts.Flow.State(r.Context()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ts, err := s.opts.Flow.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Flow.Introspect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ts, err := s.opts.Flow.Tokens(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	claims, err := s.client.UserInfo(r.Context(), ts.AccessToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims": claims,
		"rows":   protocol.ClaimRows(claims),
	})
}

// handleTokens lists the token sets stored by every flow.
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]oidc.TokenSet)
	if s.opts.Flow != nil {
		if ts, err := s.opts.Flow.Tokens(r.Context()); err == nil {
			out["authorization_code"] = ts
		}
	}
	if s.opts.CIBA != nil {
		if ts, err := s.opts.CIBA.Tokens(r.Context()); err == nil {
			out["ciba"] = ts
		}
	}
	if s.opts.Device != nil {
		if ts, err := s.opts.Device.Tokens(r.Context()); err == nil {
			out["device"] = ts
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type decodeRequest struct {
	Token    string `json:"token"`
	Validate bool   `json:"validate"`
	Nonce    string `json:"nonce,omitempty"`
	Audience string `json:"audience,omitempty"`
}

type decodeResponse struct {
	Header     string              `json:"header"`
	Payload    string              `json:"payload"`
	Signature  string              `json:"signature"`
	Algorithm  string              `json:"alg,omitempty"`
	KeyID      string              `json:"kid,omitempty"`
	Claims     []protocol.ClaimRow `json:"claims"`
	Validation *jwtverify.Result   `json:"validation,omitempty"`
}

// handleDecode decodes a JWT for display and, on request, validates it
// against the environment's JWKS.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !protocol.IsJWT(req.Token) {
		s.writeError(w, protocol.ErrMalformedToken)
		return
	}
	payload, err := protocol.DecodePayload(req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := decodeResponse{Claims: protocol.ClaimRows(payload)}
	resp.Header, resp.Payload, resp.Signature = protocol.DecodeJWT(req.Token)
	resp.Algorithm, resp.KeyID = protocol.ExtractJWTHeaderInfo(req.Token)

	if req.Validate {
		if s.opts.Validator == nil || s.client == nil {
			writeJSON(w, http.StatusNotImplemented, errorBody{Error: "server_error", Description: "validation is not configured"})
			return
		}
		cfg := s.client.Config()
		aud := req.Audience
		if aud == "" {
			aud = cfg.ClientID
		}
		res := s.opts.Validator.Validate(r.Context(), req.Token, cfg.Endpoints.JWKS, jwtverify.Options{
			Issuer:   cfg.Endpoints.Issuer,
			Audience: aud,
			Nonce:    req.Nonce,
		})
		resp.Validation = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJWKS fetches the environment's key set and lists its keys.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwksURL := s.client.Config().Endpoints.JWKS
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, jwksURL, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.writeError(w, fmt.Errorf("fetch JWKS: %w", err))
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("read JWKS: %w", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.writeError(w, oidc.ParseErrorBody(resp.StatusCode, raw))
		return
	}
	if !json.Valid(raw) {
		s.writeError(w, errors.New("JWKS response is not valid JSON"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jwks_uri": jwksURL,
		"keys":     protocol.ParseJWKSKeys(raw),
		"raw":      json.RawMessage(raw),
	})
}
