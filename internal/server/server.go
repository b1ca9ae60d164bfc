// Package server exposes the flow controllers, the session terminator, the
// MFA service and the event log over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/logout"
	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/mfa"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/protocol"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

const maxBodyBytes = 1 << 20

// Options wires a Server. Nil components disable their routes.
type Options struct {
	Config      *config.Config
	Environment *config.EnvironmentConfig
	Client      *oidc.TokenClient
	Flow        *oidc.AuthCodeFlow
	Validator   *jwtverify.Validator
	CIBA        *polling.Engine
	Device      *polling.Engine
	Terminator  *logout.Terminator
	MFA         *mfa.Service
	Scopes      storage.Scopes
	Events      *eventlog.Logger
	EventDB     *eventlog.DB
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	Capture     *oidc.CapturingTransport
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Server holds the HTTP handlers for one environment.
type Server struct {
	opts       Options
	env        *config.EnvironmentConfig
	client     *oidc.TokenClient
	httpClient *http.Client
	basePath   string
	logger     *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Environment == nil {
		opts.Environment = &config.EnvironmentConfig{}
	}
	return &Server{
		opts:       opts,
		env:        opts.Environment,
		client:     opts.Client,
		httpClient: opts.HTTPClient,
		basePath:   opts.Config.BasePath,
		logger:     opts.Logger.With("environment", opts.Environment.Name),
	}
}

func (s *Server) path(p string) string {
	return s.basePath + p
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.opts.Flow != nil {
		callback := s.env.CallbackPath
		if callback == "" {
			callback = "/callback"
		}
		mux.HandleFunc("GET "+s.path("/login"), s.handleLogin)
		mux.HandleFunc("GET "+s.path(callback), s.handleCallback)
		mux.HandleFunc("GET "+s.path("/flow"), s.handleFlowState)
		mux.HandleFunc("PUT "+s.path("/flow/credentials"), s.handleSaveCredentials)
		mux.HandleFunc("POST "+s.path("/flow/reset"), s.handleFlowReset)
		mux.HandleFunc("POST "+s.path("/refresh"), s.handleRefresh)
		mux.HandleFunc("POST "+s.path("/introspect"), s.handleIntrospect)
		mux.HandleFunc("GET "+s.path("/userinfo"), s.handleUserInfo)
	}
	mux.HandleFunc("GET "+s.path("/tokens"), s.handleTokens)
	mux.HandleFunc("POST "+s.path("/decode"), s.handleDecode)
	mux.HandleFunc("POST "+s.path("/mock-tokens"), s.handleMockTokens)
	s.registerSettingsRoutes(mux)

	if s.client != nil {
		mux.HandleFunc("GET "+s.path("/jwks"), s.handleJWKS)
		mux.HandleFunc("POST "+s.path("/ciba-initiate"), s.handleCIBAInitiate)
		mux.HandleFunc("POST "+s.path("/ciba-token"), s.handleCIBAToken)
		mux.HandleFunc("GET "+s.path("/resource"), s.handleResource)
		mux.HandleFunc("GET "+s.ResourceMetadataPath(), s.handleResourceMetadata)
	}

	for name, e := range map[string]*polling.Engine{"ciba": s.opts.CIBA, "device": s.opts.Device} {
		if e == nil {
			continue
		}
		mux.HandleFunc("POST "+s.path("/"+name+"/start"), s.handlePollingStart(name, e))
		mux.HandleFunc("GET "+s.path("/"+name+"/status"), s.handlePollingStatus(e))
		mux.HandleFunc("POST "+s.path("/"+name+"/cancel"), s.handlePollingCancel(e))
	}

	mux.HandleFunc("GET "+s.path("/logout-url"), s.handleLogoutURL)
	if s.opts.Terminator != nil {
		mux.HandleFunc("POST "+s.path("/logout"), s.handleLogout)
	}

	if s.opts.MFA != nil {
		mux.HandleFunc("POST "+s.path("/mfa/start"), s.handleMFAStart)
		mux.HandleFunc("POST "+s.path("/mfa/events"), s.handleMFAEvent)
		mux.HandleFunc("GET "+s.path("/mfa/state"), s.handleMFAState)
	}

	if s.opts.EventDB != nil {
		mux.Handle("POST "+s.path("/api/logs"), &eventlog.Receiver{DB: s.opts.EventDB, Logger: s.logger})
		mux.HandleFunc("GET "+s.path("/api/logs"), s.handleLogsByRun)
	}
	if s.opts.Events != nil {
		mux.HandleFunc("GET "+s.path("/api/logs/stats"), s.handleLogStats)
		mux.HandleFunc("POST "+s.path("/api/logs/breaker/reset"), s.handleBreakerReset)
	}
	if s.opts.Bus != nil {
		mux.HandleFunc("GET "+s.path("/events"), s.handleEvents)
	}
	if s.opts.Capture != nil {
		mux.HandleFunc("GET "+s.path("/debug/last-exchange"), s.handleLastExchange)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET "+s.path("/metrics"), s.opts.Metrics.Handler())
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string             `json:"error"`
	Description string             `json:"error_description,omitempty"`
	Kind        protocol.ErrorKind `json:"kind,omitempty"`
	Interval    int64              `json:"interval,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// writeError maps err to a status code and an OAuth-style error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: "server_error", Description: err.Error(), Kind: protocol.Classify(err)}
	status := http.StatusBadGateway

	var oe *oidc.OAuthError
	switch {
	case errors.As(err, &oe):
		body.Error = oe.Code
		body.Description = oe.Description
		body.Interval = oe.Interval
		status = oe.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
	case errors.Is(err, polling.ErrInvalidRequest),
		errors.Is(err, oidc.ErrMissingCode),
		errors.Is(err, oidc.ErrNoAttempt),
		errors.Is(err, oidc.ErrMissingCredentials),
		errors.Is(err, protocol.ErrStateMismatch),
		errors.Is(err, protocol.ErrMalformedToken),
		errors.Is(err, errBadBody):
		body.Error = "invalid_request"
		status = http.StatusBadRequest
	case errors.Is(err, oidc.ErrNoTokens), errors.Is(err, oidc.ErrNoRefreshToken):
		body.Error = "invalid_request"
		status = http.StatusConflict
	case errors.Is(err, mfa.ErrInvalidTransition), errors.Is(err, mfa.ErrNotStarted):
		body.Error = "invalid_transition"
		status = http.StatusConflict
	case errors.Is(err, polling.ErrExpired):
		body.Error = "expired_token"
		status = http.StatusBadRequest
	}
	if status >= 500 {
		s.logger.Warn("Request failed", "error", err, "kind", body.Kind)
	}
	writeJSON(w, status, body)
}

// decodeBody decodes an optional JSON request body into v. An empty body
// leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

var errBadBody = errors.New("request body is not valid JSON")
