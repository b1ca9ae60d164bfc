package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/curtismu7/oauthplayground/internal/config"
	"github.com/curtismu7/oauthplayground/internal/jwtverify"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/protocol"
)

type decodeOptions struct {
	validate bool
	nonce    string
	audience string
	asJSON   bool
}

type decodeOutput struct {
	Algorithm  string              `json:"alg,omitempty"`
	KeyID      string              `json:"kid,omitempty"`
	Header     map[string]any      `json:"header"`
	Payload    map[string]any      `json:"payload"`
	Signature  string              `json:"signature"`
	Validation *jwtverify.Result   `json:"validation,omitempty"`
	Claims     []protocol.ClaimRow `json:"-"`
}

func newDecodeCmd() *cobra.Command {
	var o decodeOptions
	cmd := &cobra.Command{
		Use:   "decode [token|-]",
		Short: "Decode a JWT and optionally validate it against the environment's JWKS",
		Long: `Decodes the header and claims of a JWT without verifying it. The token
is read from the argument, or from stdin when the argument is "-" or
missing.

With --validate the signature is checked against the environment's JWKS
and the issuer, audience, expiry and nonce claims are verified. An
invalid token exits with code 3.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runDecode(cmd, token, o)
		},
	}
	cmd.Flags().BoolVar(&o.validate, "validate", false, "verify signature and claims (requires --config)")
	cmd.Flags().StringVar(&o.nonce, "nonce", "", "expected nonce claim")
	cmd.Flags().StringVar(&o.audience, "audience", "", "expected audience (default: the environment's client id)")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", fmt.Errorf("no token given")
	}
	return token, nil
}

func runDecode(cmd *cobra.Command, token string, o decodeOptions) error {
	header, err := protocol.DecodeHeader(token)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodePayload(token)
	if err != nil {
		return err
	}
	out := decodeOutput{Header: header, Payload: payload, Claims: protocol.ClaimRows(payload)}
	out.Algorithm, out.KeyID = protocol.ExtractJWTHeaderInfo(token)
	_, _, out.Signature = protocol.DecodeJWT(token)

	if o.validate {
		res, err := validateToken(cmd, token, o)
		if err != nil {
			return err
		}
		out.Validation = &res
	}

	w := cmd.OutOrStdout()
	if o.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printDecoded(w, token, out)
	}
	if out.Validation != nil && !out.Validation.Valid {
		return fmt.Errorf("%w: %s", errValidationFailed, out.Validation.Error)
	}
	return nil
}

func validateToken(cmd *cobra.Command, token string, o decodeOptions) (jwtverify.Result, error) {
	cfg, err := loadConfig()
	if err != nil {
		return jwtverify.Result{}, err
	}
	env, err := cfg.Environment(environment)
	if err != nil {
		return jwtverify.Result{}, &ConfigError{Err: err}
	}
	ep, err := resolveEndpoints(cmd, cfg, env)
	if err != nil {
		return jwtverify.Result{}, err
	}
	aud := o.audience
	if aud == "" {
		aud = env.ClientID
	}
	v := jwtverify.NewValidator(httpClientFor(cfg), jwtverify.Config{})
	return v.Validate(cmd.Context(), token, ep.JWKS, jwtverify.Options{
		Issuer:   ep.Issuer,
		Audience: aud,
		Nonce:    o.nonce,
	}), nil
}

func resolveEndpoints(cmd *cobra.Command, cfg *config.Config, env *config.EnvironmentConfig) (config.Endpoints, error) {
	return oidc.ResolveEndpoints(cmd.Context(), env, httpClientFor(cfg))
}

func printDecoded(w io.Writer, token string, out decodeOutput) {
	header, payload, _ := protocol.DecodeJWT(token)
	fmt.Fprintf(w, "Algorithm: %s\n", out.Algorithm)
	if out.KeyID != "" {
		fmt.Fprintf(w, "Key ID:    %s\n", out.KeyID)
	}
	fmt.Fprintf(w, "\nHeader:\n%s\n\nPayload:\n%s\n\nClaims:\n", header, payload)
	for _, row := range out.Claims {
		fmt.Fprintf(w, "  %-12s %s\n", row.Key, row.Value)
	}
	if v := out.Validation; v != nil {
		if v.Valid {
			fmt.Fprintln(w, "\nSignature: valid")
		} else {
			fmt.Fprintf(w, "\nSignature: INVALID (%s)\n", v.Error)
		}
	}
}

// httpClientFor honours insecure_skip_verify for one-shot commands.
func httpClientFor(cfg *config.Config) *http.Client {
	if cfg == nil || !cfg.InsecureSkipVerify {
		return http.DefaultClient
	}
	return insecureClient()
}
