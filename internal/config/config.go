package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string              `toml:"listen_addr"`
	BaseURL            string              `toml:"base_url"`
	InsecureSkipVerify bool                `toml:"insecure_skip_verify"`
	LogLevel           string              `toml:"log_level"`
	LogFormat          string              `toml:"log_format"`
	TLSCertPath        string              `toml:"tls_cert_path"`
	TLSKeyPath         string              `toml:"tls_key_path"`
	TLSSelfSigned      bool                `toml:"tls_self_signed"`
	Storage            StorageConfig       `toml:"storage"`
	EventLog           EventLogConfig      `toml:"eventlog"`
	Environments       []EnvironmentConfig `toml:"environment"`

	// Computed fields (not from TOML)
	ParsedHost string // host:port extracted from base_url
	BasePath   string // path prefix extracted from base_url
}

// StorageConfig selects the key-value backend for local and session scopes.
type StorageConfig struct {
	Driver      string        `toml:"driver"` // memory, sqlite, redis
	SQLitePath  string        `toml:"sqlite_path"`
	RedisURL    string        `toml:"redis_url"`
	RedisPrefix string        `toml:"redis_prefix"`
	SessionTTL  time.Duration `toml:"session_ttl"` // redis only
}

// EventLogConfig configures the batched event logger.
type EventLogConfig struct {
	DBPath           string        `toml:"db_path"`
	BackendURL       string        `toml:"backend_url"` // empty disables shipping
	BatchSize        int           `toml:"batch_size"`
	FlushInterval    time.Duration `toml:"flush_interval"`
	BreakerThreshold int           `toml:"breaker_threshold"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown"`
}

// EnvironmentConfig defines one identity-provider environment and the client registered in it.
type EnvironmentConfig struct {
	Name                  string            `toml:"name"`
	EnvironmentID         string            `toml:"environment_id"`
	Region                string            `toml:"region"`              // e.g. pingone.com, pingone.eu
	Issuer                string            `toml:"issuer"`              // overrides https://auth.{region}/{environment_id}/as
	ManagementBaseURL     string            `toml:"management_base_url"` // overrides https://api.{region}
	Discovery             bool              `toml:"discovery"`           // use .well-known/openid-configuration
	ClientID              string            `toml:"client_id"`
	ClientSecret          string            `toml:"client_secret"`
	AuthMethod            string            `toml:"auth_method"`      // client_secret_basic, client_secret_post, client_secret_jwt, private_key_jwt, none
	PrivateKeyPath        string            `toml:"private_key_path"` // PEM key for private_key_jwt
	PrivateKeyID          string            `toml:"private_key_id"`
	RedirectURI           string            `toml:"redirect_uri"`
	CallbackPath          string            `toml:"callback_path"`
	Scopes                []string          `toml:"scopes"`
	ResponseType          string            `toml:"response_type"`
	ExtraAuthParams       map[string]string `toml:"extra_auth_params"`
	PostLogoutRedirectURI string            `toml:"post_logout_redirect_uri"`
	LogoutIDTokenHint     *bool             `toml:"logout_id_token_hint"` // default: true
	CIBA                  CIBAConfig        `toml:"ciba"`
	Device                DeviceConfig      `toml:"device"`
	Management            ManagementConfig  `toml:"management"`
}

// CIBAConfig holds defaults for backchannel authentication requests.
type CIBAConfig struct {
	BackendURL      string        `toml:"backend_url"` // base URL of the /ciba-initiate, /ciba-token proxy
	Scope           string        `toml:"scope"`
	LoginHint       string        `toml:"login_hint"`
	BindingMessage  string        `toml:"binding_message"`
	RequestContext  string        `toml:"request_context"`
	DefaultInterval time.Duration `toml:"default_interval"`
}

// DeviceConfig holds defaults for the device authorization grant.
type DeviceConfig struct {
	Scope           string        `toml:"scope"`
	DefaultInterval time.Duration `toml:"default_interval"`
}

// ManagementConfig holds the worker application used for management API calls.
// Empty values fall back to the environment's client credentials.
type ManagementConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AuthMethod   string `toml:"auth_method"` // client_secret_basic (default) or client_secret_post
}

// Endpoints is the derived set of authorization server URLs for an environment.
type Endpoints struct {
	Issuer              string
	Authorization       string
	Token               string
	Introspection       string
	Revocation          string
	UserInfo            string
	JWKS                string
	Signoff             string
	DeviceAuthorization string
	BackchannelAuth     string
	Management          string
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML configuration data and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL(cfg.ListenAddr, cfg.TLSEnabled())
	}

	if cfg.TLSSelfSigned && (cfg.TLSCertPath != "" || cfg.TLSKeyPath != "") {
		return nil, fmt.Errorf("tls_self_signed and tls_cert_path/tls_key_path are mutually exclusive")
	}
	if (cfg.TLSCertPath != "") != (cfg.TLSKeyPath != "") {
		return nil, fmt.Errorf("both tls_cert_path and tls_key_path must be specified together")
	}
	if err := parseBaseURL(&cfg.BaseURL, &cfg.ParsedHost, &cfg.BasePath); err != nil {
		return nil, err
	}

	if err := applyStorageDefaults(&cfg.Storage); err != nil {
		return nil, err
	}
	applyEventLogDefaults(&cfg.EventLog)

	seen := make(map[string]bool)
	for i := range cfg.Environments {
		env := &cfg.Environments[i]
		applyEnvironmentDefaults(env, cfg.BaseURL)
		if err := validateEnvironment(env); err != nil {
			return nil, fmt.Errorf("environment[%d] (%s): %w", i, env.Name, err)
		}
		if seen[env.Name] {
			return nil, fmt.Errorf("environment[%d]: duplicate name %q", i, env.Name)
		}
		seen[env.Name] = true
	}

	return cfg, nil
}

// Environment returns the named environment, or the first one when name is empty.
func (c *Config) Environment(name string) (*EnvironmentConfig, error) {
	if len(c.Environments) == 0 {
		return nil, fmt.Errorf("no [[environment]] entries defined")
	}
	if name == "" {
		return &c.Environments[0], nil
	}
	for i := range c.Environments {
		if c.Environments[i].Name == name {
			return &c.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("environment %q not found", name)
}

// TLSEnabled returns true if TLS is configured (self-signed or cert files).
func (c *Config) TLSEnabled() bool {
	return c.TLSSelfSigned || (c.TLSCertPath != "" && c.TLSKeyPath != "")
}

// IssuerURL returns the issuer for this environment.
func (e *EnvironmentConfig) IssuerURL() string {
	if e.Issuer != "" {
		return strings.TrimRight(e.Issuer, "/")
	}
	return "https://auth." + e.Region + "/" + e.EnvironmentID + "/as"
}

// Endpoints derives the authorization server endpoints from the issuer.
func (e *EnvironmentConfig) Endpoints() Endpoints {
	iss := e.IssuerURL()
	mgmt := e.ManagementBaseURL
	if mgmt == "" {
		mgmt = "https://api." + e.Region
	}
	return Endpoints{
		Issuer:              iss,
		Authorization:       iss + "/authorize",
		Token:               iss + "/token",
		Introspection:       iss + "/introspect",
		Revocation:          iss + "/revoke",
		UserInfo:            iss + "/userinfo",
		JWKS:                iss + "/jwks",
		Signoff:             iss + "/signoff",
		DeviceAuthorization: iss + "/device_authorization",
		BackchannelAuth:     iss + "/bc-authorize",
		Management:          strings.TrimRight(mgmt, "/"),
	}
}

// RequiresSecret reports whether the auth method needs a client secret.
func RequiresSecret(authMethod string) bool {
	switch authMethod {
	case "none", "private_key_jwt":
		return false
	default:
		return true
	}
}

// parseBaseURL validates and parses a base_url, setting the computed host and basePath fields.
func parseBaseURL(baseURL *string, parsedHost *string, basePath *string) error {
	u, err := url.Parse(*baseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", *baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q: scheme must be http or https", *baseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q: host is required", *baseURL)
	}
	*parsedHost = u.Host
	p := strings.TrimRight(u.Path, "/")
	*basePath = p
	*baseURL = u.Scheme + "://" + u.Host + p
	return nil
}

func applyStorageDefaults(c *StorageConfig) error {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	switch c.Driver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			c.SQLitePath = "data/playground.db"
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("storage: redis_url is required for driver redis")
		}
		if c.RedisPrefix == "" {
			c.RedisPrefix = "oauthplayground"
		}
		if c.SessionTTL == 0 {
			c.SessionTTL = 24 * time.Hour
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Driver)
	}
	return nil
}

func applyEventLogDefaults(c *EventLogConfig) {
	if c.DBPath == "" {
		c.DBPath = "data/eventlog.db"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
}

func applyEnvironmentDefaults(c *EnvironmentConfig, baseURL string) {
	if c.Region == "" {
		c.Region = "pingone.com"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	if c.ResponseType == "" {
		c.ResponseType = "code"
	}
	if c.AuthMethod == "" {
		c.AuthMethod = "client_secret_basic"
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/callback"
	}
	if c.RedirectURI == "" {
		c.RedirectURI = baseURL + c.CallbackPath
	}
	if c.CIBA.BackendURL == "" {
		c.CIBA.BackendURL = baseURL
	}
	if c.CIBA.Scope == "" {
		c.CIBA.Scope = "openid profile"
	}
	if c.CIBA.DefaultInterval <= 0 {
		c.CIBA.DefaultInterval = 5 * time.Second
	}
	if c.Device.Scope == "" {
		c.Device.Scope = "openid profile"
	}
	if c.Device.DefaultInterval <= 0 {
		c.Device.DefaultInterval = 5 * time.Second
	}
	if c.Management.ClientID == "" {
		c.Management.ClientID = c.ClientID
		c.Management.ClientSecret = c.ClientSecret
		c.Management.AuthMethod = c.AuthMethod
	}
	if c.Management.AuthMethod == "" {
		c.Management.AuthMethod = "client_secret_basic"
	}
}

func validateEnvironment(c *EnvironmentConfig) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.EnvironmentID == "" && c.Issuer == "" {
		return fmt.Errorf("either environment_id or issuer is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	switch c.AuthMethod {
	case "client_secret_basic", "client_secret_post", "client_secret_jwt":
		if c.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for auth_method %s", c.AuthMethod)
		}
	case "private_key_jwt":
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private_key_path is required for auth_method private_key_jwt")
		}
	case "none":
	default:
		return fmt.Errorf("unknown auth_method %q", c.AuthMethod)
	}
	return nil
}

// defaultBaseURL derives a loopback URL from the listen address.
func defaultBaseURL(listenAddr string, tls bool) string {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		return scheme + "://localhost"
	}
	return scheme + "://localhost:" + port
}
