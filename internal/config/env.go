package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable read by LoadFromEnv,
// e.g. GATEKEEP_TWITCH_CLIENT_ID or GATEKEEP_SESSION_SIGNING_SECRET.
const EnvPrefix = "GATEKEEP_"

// LoadFromEnv builds the configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	var config Config
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}
