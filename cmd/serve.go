package cmd

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/curtismu7/oauthplayground/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the playground HTTP API",
		Long: `Starts the HTTP API for the selected environment: the authorization
code flow, the CIBA and device polling engines, the backchannel proxy,
session termination, the MFA state machine and the event log receiver.

TLS is enabled by tls_cert_path/tls_key_path or tls_self_signed in the
configuration file. The server stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, app.Options{Config: cfg, Environment: environment, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	application.Start(runCtx)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      application.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSSelfSigned {
			tlsCert, certErr := generateSelfSignedTLSCert()
			if certErr != nil {
				serveErr <- fmt.Errorf("generate self-signed TLS certificate: %w", certErr)
				return
			}
			server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
			logger.Info("Listening (TLS, self-signed)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS("", "")
		} else if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			logger.Info("Listening (TLS)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			logger.Info("Listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err)
	}
	cancelRun()
	if err := application.Close(shutdownCtx); err != nil {
		logger.Error("Cleanup failed", "error", err)
	}
	if runErr == nil {
		logger.Info("Server stopped")
	}
	return runErr
}

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check a running server's /healthz endpoint",
		Long: `Exits 0 when GET on $HEALTHCHECK_URL (default
http://localhost:3000/healthz) answers 200, and 1 otherwise. Intended for
container health checks; certificate verification is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			healthURL := os.Getenv("HEALTHCHECK_URL")
			if healthURL == "" {
				healthURL = "http://localhost:3000/healthz"
			}
			client := insecureClient()
			client.Timeout = 5 * time.Second
			resp, err := client.Get(healthURL)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}

func insecureClient() *http.Client {
	return &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
}

func generateSelfSignedTLSCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
