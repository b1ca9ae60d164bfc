package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/curtismu7/oauthplayground/internal/app"
	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

type pollOptions struct {
	scope          string
	loginHint      string
	bindingMessage string
	backend        string
	asJSON         bool
}

// pollError carries a failed session's message and classification.
type pollError struct {
	msg  string
	kind protocol.ErrorKind
}

func (e *pollError) Error() string            { return e.msg }
func (e *pollError) Kind() protocol.ErrorKind { return e.kind }

var pollDescriptions = map[string][2]string{
	"ciba": {
		"Run a CIBA backchannel authentication and poll until it completes",
		`Sends a backchannel authentication request for --login-hint and polls
the token endpoint until the user approves or denies it on their device.

Requests go through the /ciba-initiate and /ciba-token proxy. Without
--backend an in-process proxy on a loopback port is used.`,
	},
	"device": {
		"Run the device authorization grant and poll until it completes",
		`Requests a device code, prints the user code and verification URI, and
polls the token endpoint until the user completes authorization in a
browser.`,
	},
}

func newPollCmd(grant string) *cobra.Command {
	var o pollOptions
	desc := pollDescriptions[grant]
	cmd := &cobra.Command{
		Use:   grant,
		Short: desc[0],
		Long:  desc[1],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd, grant, o)
		},
	}
	cmd.Flags().StringVar(&o.scope, "scope", "", "space-separated scopes (default from configuration)")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "print the final snapshot as JSON")
	if grant == "ciba" {
		cmd.Flags().StringVar(&o.loginHint, "login-hint", "", "user identifier to authenticate")
		cmd.Flags().StringVar(&o.bindingMessage, "binding-message", "", "message shown on the user's device")
		cmd.Flags().StringVar(&o.backend, "backend", "", "base URL of a running server's CIBA proxy")
	}
	return cmd
}

func runPoll(cmd *cobra.Command, grant string, o pollOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := app.Options{Config: cfg, Environment: environment, Logger: logger, CIBABackendURL: o.backend}
	var ln net.Listener
	if grant == "ciba" && o.backend == "" {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen for CIBA proxy: %w", err)
		}
		opts.CIBABackendURL = "http://" + ln.Addr().String() + cfg.BasePath
	}

	application, err := app.New(ctx, opts)
	if err != nil {
		if ln != nil {
			ln.Close()
		}
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	application.Start(runCtx)

	var proxy *http.Server
	if ln != nil {
		proxy = &http.Server{Handler: application.Handler(), ReadTimeout: 10 * time.Second}
		go func() {
			if err := proxy.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("CIBA proxy failed", "error", err)
			}
		}()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if proxy != nil {
			proxy.Shutdown(shutdownCtx)
		}
		cancelRun()
		if err := application.Close(shutdownCtx); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	engine := application.CIBA
	if grant == "device" {
		engine = application.Device
	}
	req := pollRequest(application.Environment, grant, o)
	if err := engine.Initiate(ctx, req); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	snap := engine.Snapshot()
	if !o.asJSON {
		printAuthRequest(w, snap)
	}
	snap, err = waitForCompletion(ctx, engine, time.Second)
	if err != nil {
		engine.Cancel(context.Background())
		return err
	}
	if o.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else if snap.Tokens != nil {
		fmt.Fprintf(w, "\nAuthorized after %d polls.\n", snap.Attempts)
		b, _ := json.MarshalIndent(snap.Tokens, "", "  ")
		fmt.Fprintln(w, string(b))
	}
	if snap.State == polling.StateError {
		return &pollError{msg: snap.Error, kind: snap.ErrorKind}
	}
	return nil
}

// pollRequest fills a request from the environment's defaults and flags.
func pollRequest(env *config.EnvironmentConfig, grant string, o pollOptions) polling.Request {
	envID := env.EnvironmentID
	if envID == "" {
		envID = env.Name
	}
	req := polling.Request{
		EnvironmentID: envID,
		ClientID:      env.ClientID,
		ClientSecret:  env.ClientSecret,
		AuthMethod:    env.AuthMethod,
	}
	switch grant {
	case "ciba":
		req.Scope = env.CIBA.Scope
		req.LoginHint = env.CIBA.LoginHint
		req.BindingMessage = env.CIBA.BindingMessage
		req.RequestContext = env.CIBA.RequestContext
	case "device":
		req.Scope = env.Device.Scope
	}
	if o.scope != "" {
		req.Scope = o.scope
	}
	if o.loginHint != "" {
		req.LoginHint = o.loginHint
	}
	if o.bindingMessage != "" {
		req.BindingMessage = o.bindingMessage
	}
	return req
}

func printAuthRequest(w io.Writer, s polling.Snapshot) {
	a := s.AuthRequest
	if a == nil {
		return
	}
	if a.UserCode != "" {
		fmt.Fprintf(w, "User code:        %s\n", a.UserCode)
		fmt.Fprintf(w, "Verification URI: %s\n", a.VerificationURI)
		if a.VerificationURIComplete != "" {
			fmt.Fprintf(w, "Direct link:      %s\n", a.VerificationURIComplete)
		}
	} else {
		fmt.Fprintf(w, "Auth request:     %s\n", a.ID)
		if a.BindingMessage != "" {
			fmt.Fprintf(w, "Binding message:  %s\n", a.BindingMessage)
		}
	}
	if s.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires at:       %s\n", s.ExpiresAt.Local().Format(time.TimeOnly))
	}
	fmt.Fprintln(w, "Waiting for approval...")
}

// waitForCompletion checks the engine every tick until the session ends
// in success or error.
func waitForCompletion(ctx context.Context, e *polling.Engine, tick time.Duration) (polling.Snapshot, error) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		s := e.Snapshot()
		switch s.State {
		case polling.StateSuccess, polling.StateError, polling.StateIdle:
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-t.C:
		}
	}
}
