package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrTokenExpired     = errors.New("token expired")
)

// TokenSigner produces HMAC-signed JSON envelopes with a fixed lifetime.
// The format is base64url(json envelope) "." base64url(hmac).
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenSigner creates a signer. A zero ttl yields envelopes that never expire.
func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock returns a copy of the signer that reads time from now.
func (ts TokenSigner) WithClock(now func() time.Time) TokenSigner {
	ts.now = now
	return ts
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt int64           `json:"exp,omitempty"`
}

// Sign marshals v, wraps it with an expiry and signs the result.
func (ts TokenSigner) Sign(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	env := envelope{Data: payload}
	if ts.ttl > 0 {
		env.ExpiresAt = ts.now().Add(ts.ttl).Unix()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + SignData(encoded, ts.signingKey), nil
}

// Verify checks the signature and expiry, then unmarshals the payload into v.
func (ts TokenSigner) Verify(token string, v any) error {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || signature == "" {
		return ErrMalformedToken
	}

	if !ValidateSignedData(encoded, signature, ts.signingKey) {
		return ErrInvalidSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if env.ExpiresAt != 0 && !ts.now().Before(time.Unix(env.ExpiresAt, 0)) {
		return ErrTokenExpired
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
