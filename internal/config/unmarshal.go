package config

import (
	"encoding/json"
	"fmt"
	"time"
)

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalJSON resolves env references and duration strings.
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		ClientID      json.RawMessage `json:"clientId"`
		ClientSecret  Secret          `json:"clientSecret"`
		RedirectURI   json.RawMessage `json:"redirectUri"`
		Scopes        []string        `json:"scopes"`
		AuthURL       string          `json:"authUrl"`
		TokenURL      string          `json:"tokenUrl"`
		RevokeURL     string          `json:"revokeUrl"`
		ValidateURL   string          `json:"validateUrl"`
		APIURL        string          `json:"apiUrl"`
		Issuer        string          `json:"issuer"`
		JWKSURL       string          `json:"jwksUrl"`
		Timeout       string          `json:"timeout"`
		ValidateRPS   float64         `json:"validateRps"`
		ValidateBurst int             `json:"validateBurst"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.ClientID != nil {
		v, err := ParseConfigValue(raw.ClientID)
		if err != nil {
			return fmt.Errorf("parsing clientId: %w", err)
		}
		p.ClientID = v
	}
	if raw.RedirectURI != nil {
		v, err := ParseConfigValue(raw.RedirectURI)
		if err != nil {
			return fmt.Errorf("parsing redirectUri: %w", err)
		}
		p.RedirectURI = v
	}

	timeout, err := parseDuration("timeout", raw.Timeout)
	if err != nil {
		return err
	}

	p.ClientSecret = raw.ClientSecret
	p.Scopes = raw.Scopes
	p.AuthURL = raw.AuthURL
	p.TokenURL = raw.TokenURL
	p.RevokeURL = raw.RevokeURL
	p.ValidateURL = raw.ValidateURL
	p.APIURL = raw.APIURL
	p.Issuer = raw.Issuer
	p.JWKSURL = raw.JWKSURL
	p.Timeout = timeout
	p.ValidateRPS = raw.ValidateRPS
	p.ValidateBurst = raw.ValidateBurst
	return nil
}

// UnmarshalJSON resolves the signing secret and duration strings.
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		SigningSecret     Secret   `json:"signingSecret"`
		Issuer            string   `json:"issuer"`
		TokenTTL          string   `json:"tokenTtl"`
		StateTTL          string   `json:"stateTtl"`
		RefreshCookieTTL  string   `json:"refreshCookieTtl"`
		SameSite          string   `json:"sameSite"`
		LoginPath         string   `json:"loginPath"`
		LandingPath       string   `json:"landingPath"`
		ProtectedPrefixes []string `json:"protectedPrefixes"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.TokenTTL, err = parseDuration("tokenTtl", raw.TokenTTL); err != nil {
		return err
	}
	if s.StateTTL, err = parseDuration("stateTtl", raw.StateTTL); err != nil {
		return err
	}
	if s.RefreshCookieTTL, err = parseDuration("refreshCookieTtl", raw.RefreshCookieTTL); err != nil {
		return err
	}

	s.SigningSecret = raw.SigningSecret
	s.Issuer = raw.Issuer
	s.SameSite = raw.SameSite
	s.LoginPath = raw.LoginPath
	s.LandingPath = raw.LandingPath
	s.ProtectedPrefixes = raw.ProtectedPrefixes
	return nil
}
