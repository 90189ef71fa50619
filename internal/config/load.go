package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgellow/gatekeep/internal/log"
)

// Twitch production endpoints.
const (
	DefaultAuthURL     = "https://id.twitch.tv/oauth2/authorize"
	DefaultTokenURL    = "https://id.twitch.tv/oauth2/token"
	DefaultRevokeURL   = "https://id.twitch.tv/oauth2/revoke"
	DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"
	DefaultAPIURL      = "https://api.twitch.tv/helix"
	DefaultIssuer      = "https://id.twitch.tv/oauth2"
	DefaultJWKSURL     = "https://id.twitch.tv/oauth2/keys"
)

// MinSigningSecretLength is the shortest accepted session signing secret.
const MinSigningSecretLength = 32

// Load reads a JSON config file, resolves env references and validates
// the result. Any error is fatal for startup.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != Version {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// validateRawConfig rejects secrets written inline in the file.
func validateRawConfig(rawConfig map[string]any) error {
	secrets := []struct {
		section string
		name    string
	}{
		{"provider", "clientSecret"},
		{"session", "signingSecret"},
		{"revocation", "redisPassword"},
	}

	for _, secret := range secrets {
		section, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.name]
		if !exists {
			continue
		}
		if err := validateEnvVarReference(value, secret.name, secret.section+"."+secret.name); err != nil {
			return fmt.Errorf("%s", err.Message)
		}
	}
	return nil
}

// ApplyDefaults fills optional settings. Credentials are never defaulted.
func ApplyDefaults(c *Config) {
	if c.Version == "" {
		c.Version = Version
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	p := &c.Provider
	if len(p.Scopes) == 0 {
		p.Scopes = []string{"user:read:email"}
	}
	setDefault(&p.AuthURL, DefaultAuthURL)
	setDefault(&p.TokenURL, DefaultTokenURL)
	setDefault(&p.RevokeURL, DefaultRevokeURL)
	setDefault(&p.ValidateURL, DefaultValidateURL)
	setDefault(&p.APIURL, DefaultAPIURL)
	setDefault(&p.Issuer, DefaultIssuer)
	setDefault(&p.JWKSURL, DefaultJWKSURL)
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	if p.ValidateRPS == 0 {
		p.ValidateRPS = 10
	}
	if p.ValidateBurst == 0 {
		p.ValidateBurst = 20
	}

	s := &c.Session
	setDefault(&s.Issuer, "gatekeep")
	if s.TokenTTL == 0 {
		s.TokenTTL = time.Hour
	}
	if s.StateTTL == 0 {
		s.StateTTL = 10 * time.Minute
	}
	if s.RefreshCookieTTL == 0 {
		s.RefreshCookieTTL = 30 * 24 * time.Hour
	}
	setDefault(&s.SameSite, "lax")
	setDefault(&s.LoginPath, "/login")
	setDefault(&s.LandingPath, "/dashboard")
	if len(s.ProtectedPrefixes) == 0 {
		s.ProtectedPrefixes = []string{"/dashboard", "/profile", "/admin"}
	}

	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	setDefault(&c.Storage.ProfilesCollection, "gatekeep_profiles")
	setDefault(&c.Storage.EntitiesCollection, "gatekeep_entities")

	if c.Revocation.Kind == "" {
		c.Revocation.Kind = RevocationMemory
	}
	setDefault(&c.Revocation.KeyPrefix, "gatekeep:revoked:")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// ValidateConfig validates the resolved configuration. Missing OAuth
// credentials or a weak signing secret fail fast instead of degrading.
func ValidateConfig(c *Config) error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	p := c.Provider
	if p.ClientID == "" {
		return fmt.Errorf("provider.clientId is required")
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("provider.clientSecret is required")
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("provider.redirectUri is required")
	}
	u, err := url.Parse(p.RedirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.redirectUri must be an absolute URL, got %q", p.RedirectURI)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	if p.ValidateRPS < 0 || p.ValidateBurst < 0 {
		return fmt.Errorf("provider.validateRps and validateBurst cannot be negative")
	}

	s := c.Session
	if len(s.SigningSecret) < MinSigningSecretLength {
		return fmt.Errorf("session.signingSecret must be at least %d characters (got %d). Generate with: openssl rand -base64 32", MinSigningSecretLength, len(s.SigningSecret))
	}
	if s.TokenTTL <= 0 || s.StateTTL <= 0 || s.RefreshCookieTTL <= 0 {
		return fmt.Errorf("session TTLs must be positive")
	}
	switch strings.ToLower(s.SameSite) {
	case "lax", "strict":
	default:
		return fmt.Errorf("session.sameSite must be lax or strict, got %q", s.SameSite)
	}
	for _, path := range append([]string{s.LoginPath, s.LandingPath}, s.ProtectedPrefixes...) {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("session paths must start with '/', got %q", path)
		}
	}

	switch c.Storage.Kind {
	case StorageMemory:
		log.LogWarn("Using in-memory storage; profiles and entities are lost on restart")
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s storage", c.Storage.Kind)
		}
	case StorageFirestore:
		if c.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unsupported storage kind %q", c.Storage.Kind)
	}

	switch c.Revocation.Kind {
	case RevocationMemory, RevocationNone:
	case RevocationRedis:
		if c.Revocation.RedisAddr == "" {
			return fmt.Errorf("revocation.redisAddr is required when using redis revocation")
		}
	default:
		return fmt.Errorf("unsupported revocation kind %q", c.Revocation.Kind)
	}

	return nil
}

// CallbackPath is the path component of the redirect URI, where the
// provider sends the user back and where the state cookie is scoped.
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.Provider.RedirectURI)
	if err != nil || u.Path == "" {
		return "/callback"
	}
	return u.Path
}
