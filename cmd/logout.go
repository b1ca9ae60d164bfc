package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/curtismu7/oauthplayground/internal/app"
	"github.com/curtismu7/oauthplayground/internal/logout"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

type logoutOptions struct {
	idToken      string
	urlOnly      bool
	placeholders bool
	localKeys    []string
	sessionKeys  []string
	clearAll     bool
}

func newLogoutCmd() *cobra.Command {
	var o logoutOptions
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Terminate the provider session and clear stored tokens",
		Long: `Revokes the user's sessions through the management API, calls the
signoff endpoint and clears the flow keys from storage. Each step runs
even when an earlier one fails; the result lists what succeeded.

With --url-only nothing is called and only the signoff URL is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.idToken, "id-token", "", "ID token to use (default: the one held in storage)")
	cmd.Flags().BoolVar(&o.urlOnly, "url-only", false, "print the signoff URL and exit")
	cmd.Flags().BoolVar(&o.placeholders, "placeholders", false, "show missing URL parameters as placeholders")
	cmd.Flags().StringSliceVar(&o.localKeys, "local-key", nil, "local storage key to clear (repeatable)")
	cmd.Flags().StringSliceVar(&o.sessionKeys, "session-key", nil, "session storage key to clear (repeatable)")
	cmd.Flags().BoolVar(&o.clearAll, "clear-all", false, "clear every key in both storage scopes")
	return cmd
}

func runLogout(cmd *cobra.Command, o logoutOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	ctx := cmd.Context()

	application, err := app.New(ctx, app.Options{Config: cfg, Environment: environment, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := application.Close(ctx); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	env := application.Environment
	ep := application.Client.Config().Endpoints
	omitHint := env.LogoutIDTokenHint != nil && !*env.LogoutIDTokenHint
	idToken := o.idToken
	if idToken == "" {
		idToken = application.IDToken(ctx)
	}

	w := cmd.OutOrStdout()
	if o.urlOnly {
		uo := logout.URLOptions{
			Issuer:                ep.Issuer,
			ClientID:              env.ClientID,
			PostLogoutRedirectURI: env.PostLogoutRedirectURI,
			IncludePlaceholders:   o.placeholders,
		}
		if !omitHint {
			uo.IDToken = idToken
		}
		u := logout.BuildLogoutURL(uo)
		fmt.Fprintln(w, u)
		for _, p := range protocol.QueryParams(u) {
			fmt.Fprintf(w, "  %s = %s\n", p.Key, p.Value)
		}
		return nil
	}

	res := application.Terminator.TerminateSession(ctx, logout.Options{
		EnvironmentID:         env.EnvironmentID,
		ClientID:              env.Management.ClientID,
		ClientSecret:          env.Management.ClientSecret,
		AuthMethod:            env.Management.AuthMethod,
		Issuer:                ep.Issuer,
		IDToken:               idToken,
		PostLogoutRedirectURI: env.PostLogoutRedirectURI,
		OmitIDTokenHint:       omitHint,
		ManagementBaseURL:     ep.Management,
		LocalKeys:             o.localKeys,
		SessionKeys:           o.sessionKeys,
		ClearAllLocal:         o.clearAll,
		ClearAllSession:       o.clearAll,
	})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
