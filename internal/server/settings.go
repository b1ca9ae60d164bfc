package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/curtismu7/oauthplayground/internal/mocktoken"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

const (
	kindUISettings    = "ui_settings"
	kindEnvironmentID = "environment_id"
)

func (s *Server) registerSettingsRoutes(mux *http.ServeMux) {
	if s.opts.Scopes.Local == nil {
		return
	}
	mux.HandleFunc("GET "+s.path("/settings"), s.handleGetSettings)
	mux.HandleFunc("PUT "+s.path("/settings"), s.handlePutSettings)
	mux.HandleFunc("GET "+s.path("/environment"), s.handleGetEnvironment)
	mux.HandleFunc("PUT "+s.path("/environment"), s.handlePutEnvironment)
}

// handleGetSettings returns the saved UI settings, or an empty object.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings := map[string]any{}
	if _, err := storage.Load(r.Context(), s.opts.Scopes.Local, storage.KeyUISettings, kindUISettings, &settings); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if err := decodeBody(r, &settings); err != nil {
		s.writeError(w, err)
		return
	}
	if settings == nil {
		settings = map[string]any{}
	}
	if err := storage.Put(r.Context(), s.opts.Scopes.Local, storage.KeyUISettings, kindUISettings, settings); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// globalEnvironmentID returns the environment id chosen in the UI, falling
// back to the configured one.
func (s *Server) globalEnvironmentID(r *http.Request) string {
	if s.opts.Scopes.Local != nil {
		var id string
		if _, err := storage.Load(r.Context(), s.opts.Scopes.Local, storage.KeyGlobalEnvironmentID, kindEnvironmentID, &id); err == nil && id != "" {
			return id
		}
	}
	return s.env.EnvironmentID
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"environmentId": s.globalEnvironmentID(r)})
}

func (s *Server) handlePutEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvironmentID string `json:"environmentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.EnvironmentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "environmentId is required"})
		return
	}
	if err := storage.Put(r.Context(), s.opts.Scopes.Local, storage.KeyGlobalEnvironmentID, kindEnvironmentID, req.EnvironmentID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleMockTokens returns unsigned placeholder tokens for UI previews.
func (s *Server) handleMockTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string         `json:"subject"`
		Claims  map[string]any `json:"claims"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Subject == "" {
		req.Subject = "demo-user"
	}
	now := time.Now()
	access, id, err := mocktoken.TokenSet(req.Subject, s.env.ClientID, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := map[string]any{"access_token": access, "id_token": id, "token_type": "Bearer", "mock": true}
	if len(req.Claims) > 0 {
		custom, err := mocktoken.New(req.Claims, now)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out["custom_token"] = custom
	}
	writeJSON(w, http.StatusOK, out)
}
