package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Supported upstream providers.
const (
	ProviderGoogle    = "google"
	ProviderGitHub    = "github"
	ProviderMicrosoft = "microsoft"
	ProviderGeneric   = "generic-oauth"
)

const (
	// DefaultScope is requested from providers that do not define their own.
	DefaultScope = "openid email profile"

	// DefaultProviderTimeout bounds every call to the upstream provider.
	DefaultProviderTimeout = 10 * time.Second

	defaultHost = "localhost"
	defaultPort = "8765"
)

// Preset holds the well-known endpoints of a provider.
type Preset struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	Scope                 string
}

var presets = map[string]Preset{
	ProviderGoogle: {
		Issuer:                "https://accounts.google.com",
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		UserInfoEndpoint:      "https://www.googleapis.com/oauth2/v2/userinfo",
		Scope:                 DefaultScope,
	},
	ProviderGitHub: {
		Issuer:                "https://github.com",
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserInfoEndpoint:      "https://api.github.com/user",
		Scope:                 "user:email read:user",
	},
	ProviderMicrosoft: {
		Issuer:                "https://login.microsoftonline.com/common/v2.0",
		AuthorizationEndpoint: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenEndpoint:         "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		UserInfoEndpoint:      "https://graph.microsoft.com/oidc/userinfo",
		Scope:                 DefaultScope,
	},
	ProviderGeneric: {
		Issuer:                "https://generic-oauth-provider.com",
		AuthorizationEndpoint: "https://generic-oauth-provider.com/oauth/authorize",
		TokenEndpoint:         "https://generic-oauth-provider.com/oauth/token",
		UserInfoEndpoint:      "https://generic-oauth-provider.com/userinfo",
		Scope:                 DefaultScope,
	},
}

// LookupPreset returns the preset for a provider name.
func LookupPreset(provider string) (Preset, bool) {
	p, ok := presets[provider]
	return p, ok
}

// Config is the authentication configuration, read once at startup.
type Config struct {
	Enabled      bool
	Provider     string
	ClientID     string
	ClientSecret string
	Issuer       string
	Scope        string
	RedirectURI  string

	// Explicit endpoints override the provider preset.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string

	// ProviderTimeout bounds each upstream call.
	ProviderTimeout time.Duration
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(os.Getenv)
}

// LoadConfigFrom reads the configuration through getenv, fills preset
// endpoints and validates the result. Generic providers with an issuer and
// missing endpoints still need Discover.
func LoadConfigFrom(getenv func(string) string) (Config, error) {
	cfg := Config{
		Enabled:               strings.EqualFold(strings.TrimSpace(getenv("AUTH_ENABLED")), "true"),
		ClientID:              strings.TrimSpace(getenv("OAUTH_CLIENT_ID")),
		ClientSecret:          strings.TrimSpace(getenv("OAUTH_CLIENT_SECRET")),
		Issuer:                strings.TrimSpace(getenv("OAUTH_ISSUER")),
		Scope:                 strings.TrimSpace(getenv("OAUTH_SCOPE")),
		RedirectURI:           strings.TrimSpace(getenv("OAUTH_REDIRECT_URI")),
		AuthorizationEndpoint: strings.TrimSpace(getenv("OAUTH_AUTHORIZATION_ENDPOINT")),
		TokenEndpoint:         strings.TrimSpace(getenv("OAUTH_TOKEN_ENDPOINT")),
		UserInfoEndpoint:      strings.TrimSpace(getenv("OAUTH_USERINFO_ENDPOINT")),
		ProviderTimeout:       DefaultProviderTimeout,
	}
	if cfg.Enabled {
		cfg.Provider = strings.TrimSpace(getenv("AUTH_PROVIDER"))
	}

	if raw := strings.TrimSpace(getenv("OAUTH_PROVIDER_TIMEOUT")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			return Config{}, fmt.Errorf("invalid OAUTH_PROVIDER_TIMEOUT %q", raw)
		}
		cfg.ProviderTimeout = timeout
	}

	if cfg.RedirectURI == "" {
		host := strings.TrimSpace(getenv("HOST"))
		if host == "" {
			host = defaultHost
		}
		port := strings.TrimSpace(getenv("PORT"))
		if port == "" {
			port = defaultPort
		}
		cfg.RedirectURI = fmt.Sprintf("http://%s:%s/auth/callback", host, port)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.applyPreset()
	if !cfg.NeedsDiscovery() {
		if err := cfg.checkEndpoints(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate reports incomplete authentication settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Provider == "" {
		return errors.New("Provider must be specified when authentication is enabled")
	}
	if _, ok := LookupPreset(c.Provider); !ok {
		return fmt.Errorf("unsupported provider %q (supported: google, github, microsoft, generic-oauth)", c.Provider)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("OAuth authentication is enabled but OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET are not provided")
	}
	return nil
}

// NeedsDiscovery reports whether endpoints must be discovered from the issuer.
func (c Config) NeedsDiscovery() bool {
	return c.Enabled && c.Provider == ProviderGeneric && c.Issuer != "" &&
		(c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" || c.UserInfoEndpoint == "")
}

// applyPreset fills unset fields from the provider preset. Endpoints of a
// generic provider with an issuer are left for Discover.
func (c *Config) applyPreset() {
	preset, ok := LookupPreset(c.Provider)
	if !ok {
		if c.Scope == "" {
			c.Scope = DefaultScope
		}
		return
	}
	if c.Scope == "" {
		c.Scope = preset.Scope
	}
	if c.NeedsDiscovery() {
		return
	}
	if c.Issuer == "" {
		c.Issuer = preset.Issuer
	}
	if c.AuthorizationEndpoint == "" {
		c.AuthorizationEndpoint = preset.AuthorizationEndpoint
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = preset.TokenEndpoint
	}
	if c.UserInfoEndpoint == "" {
		c.UserInfoEndpoint = preset.UserInfoEndpoint
	}
}

// Discover fills missing endpoints from the issuer's OpenID configuration.
// It is a no-op unless NeedsDiscovery is true.
func (c *Config) Discover(ctx context.Context, client *http.Client) error {
	if !c.NeedsDiscovery() {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: c.timeout()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), c.Issuer)
	if err != nil {
		return fmt.Errorf("discover OIDC configuration for %s: %w", c.Issuer, err)
	}

	endpoint := provider.Endpoint()
	if c.AuthorizationEndpoint == "" {
		c.AuthorizationEndpoint = endpoint.AuthURL
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = endpoint.TokenURL
	}
	if c.UserInfoEndpoint == "" {
		c.UserInfoEndpoint = provider.UserInfoEndpoint()
	}
	if err := c.checkEndpoints(); err != nil {
		return fmt.Errorf("issuer %s: %w", c.Issuer, err)
	}
	return nil
}

// checkEndpoints requires every upstream endpoint once auth is enabled.
// Bearer tokens are checked against the userinfo endpoint.
func (c Config) checkEndpoints() error {
	if !c.Enabled {
		return nil
	}
	var missing []string
	if c.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization")
	}
	if c.TokenEndpoint == "" {
		missing = append(missing, "token")
	}
	if c.UserInfoEndpoint == "" {
		missing = append(missing, "userinfo")
	}
	if len(missing) > 0 {
		return fmt.Errorf("no %s endpoint configured or discovered", strings.Join(missing, ", "))
	}
	return nil
}

// Scopes returns the configured scope split on spaces.
func (c Config) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasCredentials reports whether a client id and secret are configured.
func (c Config) HasCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func (c Config) timeout() time.Duration {
	if c.ProviderTimeout <= 0 {
		return DefaultProviderTimeout
	}
	return c.ProviderTimeout
}
