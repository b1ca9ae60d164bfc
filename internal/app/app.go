// Package app assembles the playground components for one configured
// environment and exposes them as an HTTP handler.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/logout"
	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/mfa"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/server"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

// Options selects what New builds.
type Options struct {
	Config *config.Config
	// Environment names the [[environment]] entry; empty selects the first.
	Environment string
	Logger      *slog.Logger
	// CIBABackendURL overrides the environment's ciba.backend_url.
	CIBABackendURL string
}

// App holds the wired components for one environment.
type App struct {
	Config      *config.Config
	Environment *config.EnvironmentConfig
	Logger      *slog.Logger
	HTTPClient  *http.Client
	Capture     *oidc.CapturingTransport
	Scopes      storage.Scopes
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	EventDB     *eventlog.DB
	Events      *eventlog.Logger
	Validator   *jwtverify.Validator
	Client      *oidc.TokenClient
	Flow        *oidc.AuthCodeFlow
	CIBA        *polling.Engine
	Device      *polling.Engine
	Terminator  *logout.Terminator
	MFA         *mfa.Service

	storeCloser io.Closer
	wg          sync.WaitGroup
}

// New builds every component. Storage and the event database are opened
// here; call Close to release them.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cfg.Environment(opts.Environment)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Environment: env, Logger: logger}

	var base http.RoundTripper = http.DefaultTransport
	if cfg.InsecureSkipVerify {
		base = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		logger.Warn("TLS certificate verification is disabled")
	}
	a.Capture = oidc.NewCapturingTransport(base)
	a.HTTPClient = &http.Client{Transport: a.Capture}

	a.Scopes, a.storeCloser, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Info("Storage opened", "driver", cfg.Storage.Driver)

	a.Metrics = metrics.New()
	a.Bus = events.NewBus()

	if dir := filepath.Dir(cfg.EventLog.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.storeCloser.Close()
			return nil, fmt.Errorf("create event log directory: %w", err)
		}
	}
	a.EventDB, err = eventlog.OpenDB(cfg.EventLog.DBPath)
	if err != nil {
		a.storeCloser.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	var shipper eventlog.Shipper
	if cfg.EventLog.BackendURL != "" {
		shipper = eventlog.NewHTTPShipper(cfg.EventLog.BackendURL, &http.Client{Transport: base, Timeout: eventlog.DefaultShipTimeout})
	}
	a.Events = eventlog.New(eventlog.Options{
		DB:            a.EventDB,
		Shipper:       shipper,
		Breaker:       eventlog.NewCircuitBreaker(cfg.EventLog.BreakerThreshold, cfg.EventLog.BreakerCooldown, nil),
		BatchSize:     cfg.EventLog.BatchSize,
		FlushInterval: cfg.EventLog.FlushInterval,
		Logger:        logger,
		Metrics:       a.Metrics,
	})

	a.Validator = jwtverify.NewValidator(a.HTTPClient, jwtverify.Config{Logger: logger, Metrics: a.Metrics})

	ep, err := oidc.ResolveEndpoints(ctx, env, a.HTTPClient)
	if err != nil {
		// Derived endpoints still work for PingOne-style issuers.
		logger.Warn("Discovery failed, using derived endpoints", "environment", env.Name, "error", err)
	}
	cc, err := oidc.ClientConfigFromEnvironment(env, ep)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.Client = oidc.NewTokenClient(cc, a.HTTPClient, oidc.ClientOptions{Metrics: a.Metrics, Logger: logger})

	a.Flow = oidc.NewAuthCodeFlow(oidc.FlowOptions{
		EnvironmentID:   env.EnvironmentID,
		Client:          a.Client,
		Validator:       a.Validator,
		Scopes:          a.Scopes,
		Bus:             a.Bus,
		Events:          a.Events,
		Logger:          logger,
		ResponseType:    env.ResponseType,
		ExtraAuthParams: env.ExtraAuthParams,
	})

	backend := env.CIBA.BackendURL
	if opts.CIBABackendURL != "" {
		backend = opts.CIBABackendURL
	}
	// The proxy is usually this process; its calls go out unrecorded so the
	// captured exchange stays the authorization server's.
	a.CIBA = polling.New(polling.Options{
		Grant:           polling.NewCIBAGrant(backend, &http.Client{Transport: base}),
		Scopes:          a.Scopes,
		Bus:             a.Bus,
		Events:          a.Events,
		Metrics:         a.Metrics,
		Logger:          logger,
		DefaultInterval: env.CIBA.DefaultInterval,
	})
	a.Device = polling.New(polling.Options{
		Grant:           polling.NewDeviceGrant(a.Client),
		Scopes:          a.Scopes,
		Bus:             a.Bus,
		Events:          a.Events,
		Metrics:         a.Metrics,
		Logger:          logger,
		DefaultInterval: env.Device.DefaultInterval,
	})

	a.Terminator = logout.NewTerminator(logout.Config{
		HTTPClient: a.HTTPClient,
		Client:     a.Client,
		Scopes:     a.Scopes,
		Bus:        a.Bus,
		Events:     a.Events,
		Logger:     logger,
	})
	a.MFA = mfa.NewService(mfa.Options{
		Store:   a.Scopes.Local,
		Events:  a.Events,
		Bus:     a.Bus,
		Metrics: a.Metrics,
		Logger:  logger,
	})

	logger.Info("Environment ready", "environment", env.Name, "issuer", ep.Issuer, "auth_method", cc.AuthMethod)
	return a, nil
}

// Start begins the periodic event log flush, restores pending polling
// sessions and runs the polling engines until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Events.Start(ctx)
	for _, e := range []*polling.Engine{a.CIBA, a.Device} {
		resumed, err := e.Resume(ctx)
		if err != nil {
			a.Logger.Warn("Could not restore pending authorization", "grant", e.Snapshot().Grant, "error", err)
		} else if resumed {
			a.Logger.Info("Resumed pending authorization", "grant", e.Snapshot().Grant)
		}
		a.wg.Go(func() {
			if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("Polling engine stopped", "error", err)
			}
		})
	}
}

// IDToken returns the first ID token held by the authorization code, CIBA
// or device flow.
func (a *App) IDToken(ctx context.Context) string {
	if ts, err := a.Flow.Tokens(ctx); err == nil && ts.IDToken != "" {
		return ts.IDToken
	}
	for _, e := range []*polling.Engine{a.CIBA, a.Device} {
		if ts, err := e.Tokens(ctx); err == nil && ts.IDToken != "" {
			return ts.IDToken
		}
	}
	return ""
}

// Server returns the API server for the environment.
func (a *App) Server() *server.Server {
	return server.New(server.Options{
		Config:      a.Config,
		Environment: a.Environment,
		Client:      a.Client,
		Flow:        a.Flow,
		Validator:   a.Validator,
		CIBA:        a.CIBA,
		Device:      a.Device,
		Terminator:  a.Terminator,
		MFA:         a.MFA,
		Scopes:      a.Scopes,
		Events:      a.Events,
		EventDB:     a.EventDB,
		Metrics:     a.Metrics,
		Bus:         a.Bus,
		Capture:     a.Capture,
		HTTPClient:  a.HTTPClient,
		Logger:      a.Logger,
	})
}

// Handler returns the root handler: a health check, the API routes under
// the base path, and a redirect from / to the base path.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Server().RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	if bp := a.Config.BasePath; bp != "" {
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, strings.TrimRight(a.Config.BaseURL, "/")+"/flow", http.StatusFound)
		})
	}
	return mux
}

// Close waits for the polling engines to stop, ships what the event logger
// still holds and releases storage. Cancel the Start context first.
func (a *App) Close(ctx context.Context) error {
	a.wg.Wait()
	var errs []error
	if err := a.Events.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush event log: %w", err))
	}
	a.Bus.Close()
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.EventDB != nil {
		errs = append(errs, a.EventDB.Close())
	}
	if a.storeCloser != nil {
		errs = append(errs, a.storeCloser.Close())
	}
	return errors.Join(errs...)
}
