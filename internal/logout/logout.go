// Package logout ends a user's session everywhere the playground can reach:
// the provider's session store, the RP-initiated logout endpoint and the
// playground's own storage.
package logout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/protocol"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

const defaultManagementBase = "https://api.pingone.com"

// Placeholders shown in place of absent values when building a URL for display.
const (
	PlaceholderIDToken     = "<id_token>"
	PlaceholderClientID    = "<client_id>"
	PlaceholderRedirectURI = "<post_logout_redirect_uri>"
)

// DefaultKeys are cleared when the caller names no keys.
var DefaultKeys = []string{
	storage.KeyOAuthTokens,
	storage.KeyCIBATokens,
	storage.KeyCIBAAuthRequest,
	storage.KeyDeviceTokens,
	storage.KeyDeviceAuthRequest,
	storage.KeyMFAState,
}

// URLOptions describes an RP-initiated logout URL.
type URLOptions struct {
	Issuer                string
	IDToken               string
	ClientID              string
	PostLogoutRedirectURI string
	IncludePlaceholders   bool
}

// BuildLogoutURL returns the signoff URL for the issuer. Parameters appear in
// the order id_token_hint, client_id, post_logout_redirect_uri; empty ones
// are omitted unless placeholders are requested.
func BuildLogoutURL(o URLOptions) string {
	base := asBase(o.Issuer) + "/signoff"
	var params []string
	add := func(name, value, placeholder string) {
		switch {
		case value != "":
			params = append(params, name+"="+url.QueryEscape(value))
		case o.IncludePlaceholders:
			params = append(params, name+"="+placeholder)
		}
	}
	add("id_token_hint", o.IDToken, PlaceholderIDToken)
	add("client_id", o.ClientID, PlaceholderClientID)
	add("post_logout_redirect_uri", o.PostLogoutRedirectURI, PlaceholderRedirectURI)
	if len(params) == 0 {
		return base
	}
	return base + "?" + strings.Join(params, "&")
}

// asBase returns the issuer's authorization server root, which ends in /as.
func asBase(issuer string) string {
	issuer = strings.TrimRight(issuer, "/")
	if strings.HasSuffix(issuer, "/as") {
		return issuer
	}
	return issuer + "/as"
}

// Options selects what TerminateSession does.
type Options struct {
	EnvironmentID         string
	ClientID              string
	ClientSecret          string
	AuthMethod            string // management client auth; empty keeps the token client's
	Issuer                string
	IDToken               string
	PostLogoutRedirectURI string
	// OmitIDTokenHint leaves id_token_hint off the logout URL. The ID token
	// is still used to find the subject for session revocation.
	OmitIDTokenHint bool
	// ManagementBaseURL defaults to https://api.pingone.com.
	ManagementBaseURL string

	LocalKeys       []string
	SessionKeys     []string
	ClearAllLocal   bool
	ClearAllSession bool
}

// CallResult reports one sub-operation.
type CallResult struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates the sub-operations of TerminateSession.
type Result struct {
	LogoutURL          string     `json:"logoutUrl"`
	Management         CallResult `json:"management"`
	Logout             CallResult `json:"logout"`
	ClearedStorageKeys []string   `json:"clearedStorageKeys"`
	Summary            string     `json:"summary"`
}

// Terminator runs session termination against one HTTP client and storage.
type Terminator struct {
	httpClient *http.Client
	client     *oidc.TokenClient
	scopes     storage.Scopes
	bus        *events.Bus
	events     *eventlog.Logger
	logger     *slog.Logger
}

// Config wires a Terminator.
type Config struct {
	HTTPClient *http.Client
	Client     *oidc.TokenClient // management token via the discovered token endpoint
	Scopes     storage.Scopes
	Bus        *events.Bus
	Events     *eventlog.Logger
	Logger     *slog.Logger
}

// NewTerminator creates a Terminator.
func NewTerminator(cfg Config) *Terminator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Terminator{
		httpClient: cfg.HTTPClient,
		client:     cfg.Client,
		scopes:     cfg.Scopes,
		bus:        cfg.Bus,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
}

// TerminateSession revokes the provider session, calls the logout endpoint
// and clears storage. Each step runs regardless of the others' outcome and
// failures are reported in the Result, never returned.
func (t *Terminator) TerminateSession(ctx context.Context, o Options) Result {
	res := Result{}
	if o.Issuer != "" {
		hint := o.IDToken
		if o.OmitIDTokenHint {
			hint = ""
		}
		res.LogoutURL = BuildLogoutURL(URLOptions{
			Issuer:                o.Issuer,
			IDToken:               hint,
			ClientID:              o.ClientID,
			PostLogoutRedirectURI: o.PostLogoutRedirectURI,
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() { res.Management = t.revokeSessions(ctx, o) })
	wg.Go(func() { res.Logout = t.callLogout(ctx, res.LogoutURL) })
	wg.Wait()

	res.ClearedStorageKeys = t.clearStorage(ctx, o)
	res.Summary = summarize(res)

	t.logger.Info("Session terminated", "management", res.Management.Success, "logout", res.Logout.Success, "cleared", len(res.ClearedStorageKeys))
	if t.events != nil {
		err := t.events.Log(ctx, eventlog.Record{
			RunID:    "logout",
			Level:    eventlog.LevelInfo,
			Category: eventlog.CategoryAPICall,
			Message:  res.Summary,
			Fields: map[string]any{
				"management": res.Management,
				"logout":     res.Logout,
				"cleared":    res.ClearedStorageKeys,
			},
		})
		if err != nil {
			t.logger.Debug("Failed to record logout", "error", err)
		}
	}
	t.bus.Publish(events.Event{Type: events.SessionEnded, Source: "logout", Data: map[string]any{"summary": res.Summary}})
	return res
}

func (t *Terminator) revokeSessions(ctx context.Context, o Options) CallResult {
	sub := protocol.SubjectFromIDToken(o.IDToken)
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"client id", o.ClientID},
		{"client secret", o.ClientSecret},
		{"environment id", o.EnvironmentID},
		{"subject", sub},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if t.client == nil {
		missing = append(missing, "token client")
	}
	if len(missing) > 0 {
		return CallResult{Error: "Insufficient data for session revocation: missing " + strings.Join(missing, ", ")}
	}

	res := CallResult{Attempted: true}
	mgmt := t.client.WithCredentials(oidc.FlowCredentials{ClientID: o.ClientID, ClientSecret: o.ClientSecret, AuthMethod: o.AuthMethod})
	tok, err := mgmt.ClientCredentials(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("management token: %v", err)
		return res
	}

	base := strings.TrimRight(o.ManagementBaseURL, "/")
	if base == "" {
		base = defaultManagementBase
	}
	endpoint := fmt.Sprintf("%s/v1/environments/%s/users/%s/sessions", base, url.PathEscape(o.EnvironmentID), url.PathEscape(sub))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		res.Error = protocol.DescribeTransportError(err)
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	res.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Error = "session revocation failed: " + protocol.StatusLine(resp.StatusCode)
		return res
	}
	res.Success = true
	return res
}

func (t *Terminator) callLogout(ctx context.Context, logoutURL string) CallResult {
	if logoutURL == "" {
		return CallResult{Error: "Insufficient data for logout call: missing issuer"}
	}
	res := CallResult{Attempted: true}
	client := *t.httpClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoutURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := client.Do(req)
	if err != nil {
		res.Error = protocol.DescribeTransportError(err)
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	res.Status = resp.StatusCode
	if resp.StatusCode >= 400 {
		res.Error = "logout endpoint returned " + protocol.StatusLine(resp.StatusCode)
		return res
	}
	res.Success = true
	return res
}

func (t *Terminator) clearStorage(ctx context.Context, o Options) []string {
	cleared := []string{}
	cleared = append(cleared, t.clearScope(ctx, t.scopes.Local, o.LocalKeys, o.ClearAllLocal)...)
	cleared = append(cleared, t.clearScope(ctx, t.scopes.Session, o.SessionKeys, o.ClearAllSession)...)
	return cleared
}

func (t *Terminator) clearScope(ctx context.Context, s storage.Store, keys []string, all bool) []string {
	if s == nil {
		return nil
	}
	if all {
		var err error
		if keys, err = s.Keys(ctx); err != nil {
			t.logger.Warn("Failed to list storage keys", "error", err)
			return nil
		}
	} else if len(keys) == 0 {
		keys = DefaultKeys
	}
	var removed []string
	for _, k := range keys {
		if _, err := s.Get(ctx, k); err != nil {
			continue
		}
		if err := s.Delete(ctx, k); err != nil {
			t.logger.Warn("Failed to clear storage key", "key", k, "error", err)
			continue
		}
		removed = append(removed, k)
	}
	return removed
}

func summarize(r Result) string {
	describe := func(name string, c CallResult) string {
		switch {
		case !c.Attempted:
			return name + " skipped (" + c.Error + ")"
		case c.Success:
			return fmt.Sprintf("%s succeeded (HTTP %d)", name, c.Status)
		default:
			return name + " failed: " + c.Error
		}
	}
	parts := []string{
		describe("Session revocation", r.Management),
		describe("Logout", r.Logout),
		fmt.Sprintf("cleared %d storage keys", len(r.ClearedStorageKeys)),
	}
	return strings.Join(parts, "; ")
}
