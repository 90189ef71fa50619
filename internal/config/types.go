package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the only config file version this build accepts.
const Version = "v1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON resolves a string or {"$env": "VAR"} reference.
func (s *Secret) UnmarshalJSON(data []byte) error {
	v, err := ParseConfigValue(data)
	if err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

// StorageKind selects the profile and entity backend.
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageSQLite    StorageKind = "sqlite"
	StoragePostgres  StorageKind = "postgres"
	StorageFirestore StorageKind = "firestore"
)

// RevocationKind selects the session token deny-list backend.
type RevocationKind string

const (
	RevocationMemory RevocationKind = "memory"
	RevocationRedis  RevocationKind = "redis"
	RevocationNone   RevocationKind = "none"
)

type ServerConfig struct {
	BaseURL        string   `json:"baseURL" env:"BASE_URL"`
	Addr           string   `json:"addr" env:"ADDR"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// ProviderConfig describes the Twitch OAuth2 application. Endpoint URLs
// default to Twitch production and exist so tests can point at fakes.
type ProviderConfig struct {
	ClientID     string   `json:"clientId" env:"CLIENT_ID"`
	ClientSecret Secret   `json:"clientSecret" env:"CLIENT_SECRET"`
	RedirectURI  string   `json:"redirectUri" env:"REDIRECT_URI"`
	Scopes       []string `json:"scopes,omitempty" env:"SCOPES" envSeparator:" "`

	AuthURL     string `json:"authUrl,omitempty" env:"AUTH_URL"`
	TokenURL    string `json:"tokenUrl,omitempty" env:"TOKEN_URL"`
	RevokeURL   string `json:"revokeUrl,omitempty" env:"REVOKE_URL"`
	ValidateURL string `json:"validateUrl,omitempty" env:"VALIDATE_URL"`
	APIURL      string `json:"apiUrl,omitempty" env:"API_URL"`
	Issuer      string `json:"issuer,omitempty" env:"ISSUER"`
	JWKSURL     string `json:"jwksUrl,omitempty" env:"JWKS_URL"`

	Timeout       time.Duration `json:"timeout,omitempty" env:"TIMEOUT"`
	ValidateRPS   float64       `json:"validateRps,omitempty" env:"VALIDATE_RPS"`
	ValidateBurst int           `json:"validateBurst,omitempty" env:"VALIDATE_BURST"`
}

// SessionConfig controls the internal session token and cookies.
type SessionConfig struct {
	SigningSecret Secret        `json:"signingSecret" env:"SIGNING_SECRET"`
	Issuer        string        `json:"issuer,omitempty" env:"ISSUER"`
	TokenTTL      time.Duration `json:"tokenTtl,omitempty" env:"TOKEN_TTL"`
	StateTTL      time.Duration `json:"stateTtl,omitempty" env:"STATE_TTL"`
	// RefreshCookieTTL bounds how long the provider refresh token cookie lives.
	RefreshCookieTTL  time.Duration `json:"refreshCookieTtl,omitempty" env:"REFRESH_COOKIE_TTL"`
	SameSite          string        `json:"sameSite,omitempty" env:"SAME_SITE"`
	LoginPath         string        `json:"loginPath,omitempty" env:"LOGIN_PATH"`
	LandingPath       string        `json:"landingPath,omitempty" env:"LANDING_PATH"`
	ProtectedPrefixes []string      `json:"protectedPrefixes,omitempty" env:"PROTECTED_PREFIXES" envSeparator:","`
}

type StorageConfig struct {
	Kind               StorageKind `json:"kind,omitempty" env:"KIND"`
	DSN                Secret      `json:"dsn,omitempty" env:"DSN"`
	GCPProject         string      `json:"gcpProject,omitempty" env:"GCP_PROJECT"`
	FirestoreDatabase  string      `json:"firestoreDatabase,omitempty" env:"FIRESTORE_DATABASE"`
	ProfilesCollection string      `json:"profilesCollection,omitempty" env:"PROFILES_COLLECTION"`
	EntitiesCollection string      `json:"entitiesCollection,omitempty" env:"ENTITIES_COLLECTION"`
}

type RevocationConfig struct {
	Kind          RevocationKind `json:"kind,omitempty" env:"KIND"`
	RedisAddr     string         `json:"redisAddr,omitempty" env:"REDIS_ADDR"`
	RedisPassword Secret         `json:"redisPassword,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int            `json:"redisDb,omitempty" env:"REDIS_DB"`
	KeyPrefix     string         `json:"keyPrefix,omitempty" env:"KEY_PREFIX"`
}

// Config is the fully resolved configuration, validated once at startup
// and injected into every component.
type Config struct {
	Version    string           `json:"version"`
	Server     ServerConfig     `json:"server" envPrefix:"SERVER_"`
	Provider   ProviderConfig   `json:"provider" envPrefix:"TWITCH_"`
	Session    SessionConfig    `json:"session" envPrefix:"SESSION_"`
	Storage    StorageConfig    `json:"storage" envPrefix:"STORAGE_"`
	Revocation RevocationConfig `json:"revocation" envPrefix:"REVOCATION_"`
}

// ParseConfigValue parses a JSON value that is either a plain string or
// a {"$env": "VAR"} reference, resolving the reference immediately.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
