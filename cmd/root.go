package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/polling"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfig indicates the configuration file is missing or invalid.
	ExitCodeConfig = 2
	// ExitCodeAuthFailed indicates the authorization server denied the
	// request, the token failed validation or the authorization expired.
	ExitCodeAuthFailed = 3
)

// ConfigError wraps a failure to locate or load the configuration file.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// errValidationFailed is returned by decode --validate for an invalid token.
var errValidationFailed = errors.New("token validation failed")

var (
	configPath  string
	environment string
)

// rootCmd is the entry point when the binary is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "oauthplayground",
	Short: "Exercise OAuth 2.0 and OpenID Connect flows against a PingOne-style authorization server",
	Long: `oauthplayground drives the authorization code, CIBA and device
authorization flows against a configured environment, validates the
tokens it receives and terminates the resulting sessions.

Run 'oauthplayground serve' for the HTTP API, or use the other
subcommands to run single flows from the terminal.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "oauthplayground version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to a semantic exit code for scripting.
func getExitCode(err error) int {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfig
	}
	if errors.Is(err, errValidationFailed) || errors.Is(err, polling.ErrExpired) {
		return ExitCodeAuthFailed
	}
	if protocol.Classify(err) == protocol.KindProtocolDenial {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// loadConfig reads the file named by --config, falling back to $CONFIG_FILE.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		return nil, &ConfigError{Err: errors.New("no configuration file: pass --config or set CONFIG_FILE")}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	if len(cfg.Environments) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("%s: no [[environment]] entries defined", path)}
	}
	return cfg, nil
}

// newLogger builds the process logger from the configured level and format.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file (default $CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVarP(&environment, "environment", "e", "", "name of the [[environment]] to use (default: the first)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHealthcheckCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newPKCECmd())
	rootCmd.AddCommand(newPollCmd("ciba"))
	rootCmd.AddCommand(newPollCmd("device"))
	rootCmd.AddCommand(newLogoutCmd())
}
