package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// handleResource is a built-in resource server. It validates the Bearer
// token by introspection and echoes the introspection result.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	metadataURL := s.resourceMetadataURL()

	reject := func(status int, code, desc string) {
		w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(code, desc, metadataURL))
		errCode := code
		if errCode == "" {
			errCode = "missing_token"
		}
		writeJSON(w, status, errorBody{Error: errCode, Description: desc})
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		reject(http.StatusUnauthorized, "", "No Authorization header provided")
		return
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		reject(http.StatusBadRequest, "invalid_request", "Authorization header must use Bearer scheme")
		return
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		reject(http.StatusBadRequest, "invalid_request", "Bearer token is empty")
		return
	}

	result, err := s.client.Introspect(r.Context(), token, "access_token")
	if err != nil {
		s.logger.Warn("Resource server introspection failed", "error", err)
		reject(http.StatusUnauthorized, "invalid_token", "Token introspection failed")
		return
	}
	if active, _ := result["active"].(bool); !active {
		reject(http.StatusUnauthorized, "invalid_token", "Token is not active")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource_server":      s.resourceURL(),
		"authorization_server": s.issuer(),
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"token_introspection":  result,
	})
}

// buildWWWAuthenticate constructs an RFC 6750 WWW-Authenticate header value
// with the RFC 9728 resource_metadata parameter.
func buildWWWAuthenticate(errCode, errDesc, metadataURL string) string {
	var parts []string
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errDesc != "" {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, errDesc))
	}
	if metadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, metadataURL))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]any{
		"resource":                 s.resourceURL(),
		"authorization_servers":    []string{s.issuer()},
		"bearer_methods_supported": []string{"header"},
		"resource_name":            "OAuth Playground Resource Server (" + s.env.Name + ")",
	}
	if scopes := s.client.Config().Scopes; len(scopes) > 0 {
		metadata["scopes_supported"] = scopes
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) resourceURL() string {
	return s.opts.Config.BaseURL + "/resource"
}

// ResourceMetadataPath returns the RFC 8615 well-known path for the resource.
func (s *Server) ResourceMetadataPath() string {
	return "/.well-known/oauth-protected-resource" + s.basePath + "/resource"
}

func (s *Server) resourceMetadataURL() string {
	u, err := url.Parse(s.opts.Config.BaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + s.ResourceMetadataPath()
}
