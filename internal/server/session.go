package server

import (
	"context"
	"net/http"

	"github.com/curtismu7/oauthplayground/internal/logout"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

// idToken returns the first ID token held by any flow.
func (s *Server) idToken(ctx context.Context) string {
	if s.opts.Flow != nil {
		if ts, err := s.opts.Flow.Tokens(ctx); err == nil && ts.IDToken != "" {
			return ts.IDToken
		}
	}
	if s.opts.CIBA != nil {
		if ts, err := s.opts.CIBA.Tokens(ctx); err == nil && ts.IDToken != "" {
			return ts.IDToken
		}
	}
	if s.opts.Device != nil {
		if ts, err := s.opts.Device.Tokens(ctx); err == nil && ts.IDToken != "" {
			return ts.IDToken
		}
	}
	return ""
}

func (s *Server) issuer() string {
	if s.client != nil {
		return s.client.Config().Endpoints.Issuer
	}
	return s.env.IssuerURL()
}

func (s *Server) omitIDTokenHint() bool {
	return s.env.LogoutIDTokenHint != nil && !*s.env.LogoutIDTokenHint
}

// handleLogoutURL shows the signoff URL the logout would use. With
// ?placeholders=true missing values are shown as template placeholders.
func (s *Server) handleLogoutURL(w http.ResponseWriter, r *http.Request) {
	opts := logout.URLOptions{
		Issuer:                s.issuer(),
		ClientID:              s.env.ClientID,
		PostLogoutRedirectURI: s.env.PostLogoutRedirectURI,
		IncludePlaceholders:   r.URL.Query().Get("placeholders") == "true",
	}
	if !s.omitIDTokenHint() {
		opts.IDToken = s.idToken(r.Context())
	}
	u := logout.BuildLogoutURL(opts)
	writeJSON(w, http.StatusOK, map[string]any{
		"logout_url": u,
		"params":     protocol.QueryParams(u),
	})
}

type logoutRequest struct {
	LocalKeys       []string `json:"localKeys"`
	SessionKeys     []string `json:"sessionKeys"`
	ClearAllLocal   bool     `json:"clearAllLocal"`
	ClearAllSession bool     `json:"clearAllSession"`
}

// handleLogout terminates the session. Partial failures are reported in
// the result body with status 200.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()
	var mgmtBase string
	if s.client != nil {
		mgmtBase = s.client.Config().Endpoints.Management
	}
	res := s.opts.Terminator.TerminateSession(ctx, logout.Options{
		EnvironmentID:         s.env.EnvironmentID,
		ClientID:              s.env.Management.ClientID,
		ClientSecret:          s.env.Management.ClientSecret,
		AuthMethod:            s.env.Management.AuthMethod,
		Issuer:                s.issuer(),
		IDToken:               s.idToken(ctx),
		PostLogoutRedirectURI: s.env.PostLogoutRedirectURI,
		OmitIDTokenHint:       s.omitIDTokenHint(),
		ManagementBaseURL:     mgmtBase,
		LocalKeys:             req.LocalKeys,
		SessionKeys:           req.SessionKeys,
		ClearAllLocal:         req.ClearAllLocal,
		ClearAllSession:       req.ClearAllSession,
	})
	// The default key set covers every flow, so their in-memory state goes too.
	if len(req.LocalKeys) == 0 && len(req.SessionKeys) == 0 {
		if s.opts.Flow != nil {
			s.opts.Flow.Reset(ctx)
		}
		if s.opts.CIBA != nil {
			s.opts.CIBA.Cancel(ctx)
		}
		if s.opts.Device != nil {
			s.opts.Device.Cancel(ctx)
		}
	}
	writeJSON(w, http.StatusOK, res)
}
