// Package sessiontoken issues and verifies the internal HS256 session JWT.
package sessiontoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dgellow/gatekeep/internal/role"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid session token")

// issuedAtSkew tolerates instance clocks running slightly apart. It applies
// to iat only; exp is enforced exactly.
const issuedAtSkew = 5 * time.Second

// Claims represents the claims for a session token
type Claims struct {
	Role role.Role `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and verifies session tokens with a shared secret.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. The secret is used as the raw HMAC key so
// other services holding the same secret can verify tokens.
func NewSigner(secret []byte, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be greater than zero")
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the signer that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

// TTL returns the lifetime of issued tokens.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue signs a token for subject with the given role.
func (s *Signer) Issue(subject string, r role.Role) (string, *Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, fmt.Errorf("subject is required")
	}

	now := s.now().UTC().Truncate(time.Second)
	claims := &Claims{
		Role: r,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, algorithm, issuer, expiry and subject. Every
// failure is reported as ErrInvalidToken wrapping the cause.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: token id missing", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(s.now().Add(issuedAtSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	claims.Role = role.Parse(string(claims.Role))
	return claims, nil
}

// LooksLikeJWT reports whether token has the three-segment compact form.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
