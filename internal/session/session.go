// Package session validates the credentials a request presents: either a
// provider-issued access token or the internally signed session JWT.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/revocation"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/sessiontoken"
)

// Flavor identifies which kind of credential produced an identity.
type Flavor int

const (
	FlavorProvider Flavor = iota + 1
	FlavorSession
)

func (f Flavor) String() string {
	switch f {
	case FlavorProvider:
		return "provider"
	case FlavorSession:
		return "session"
	default:
		return "unknown"
	}
}

// Identity is the authenticated principal behind a credential.
type Identity struct {
	// Subject is the profile id for session tokens and the provider user
	// id for provider tokens.
	Subject    string
	ProviderID string
	Login      string
	Flavor     Flavor
	// Role is only populated from session token claims. Callers needing
	// the current role resolve it through rbac.
	Role      role.Role
	TokenID   string
	ExpiresAt time.Time
}

// Result is the outcome of a validation. Identity is zero unless Valid.
type Result struct {
	Valid    bool
	Identity Identity
}

var invalid = Result{}

// TokenIntrospector is the part of idp.Provider the validator needs.
type TokenIntrospector interface {
	Validate(ctx context.Context, accessToken string) (*idp.TokenInfo, error)
}

// Validator checks credentials. It never returns errors: any failure,
// including a broken deny-list, yields an invalid result.
type Validator struct {
	provider TokenIntrospector
	signer   *sessiontoken.Signer
	denyList revocation.DenyList
	now      func() time.Time

	group singleflight.Group
}

// NewValidator creates a validator. A nil denyList disables revocation checks.
func NewValidator(provider TokenIntrospector, signer *sessiontoken.Signer, denyList revocation.DenyList) *Validator {
	if denyList == nil {
		denyList = revocation.Noop{}
	}
	return &Validator{
		provider: provider,
		signer:   signer,
		denyList: denyList,
		now:      time.Now,
	}
}

// Validate dispatches on the token's shape: compact JWTs take the session
// path, anything else is introspected at the provider.
func (v *Validator) Validate(ctx context.Context, token string) Result {
	if token == "" {
		return invalid
	}
	if sessiontoken.LooksLikeJWT(token) {
		return v.ValidateSessionToken(ctx, token)
	}
	return v.ValidateProviderToken(ctx, token)
}

// ValidateProviderToken introspects an access token at the provider.
// Concurrent calls for the same token share one upstream request.
func (v *Validator) ValidateProviderToken(ctx context.Context, token string) Result {
	if token == "" || v.provider == nil {
		return invalid
	}

	// The shared call outlives any single caller; the provider applies its
	// own timeout.
	detached := context.WithoutCancel(ctx)
	ch := v.group.DoChan(tokenKey(token), func() (any, error) {
		return v.provider.Validate(detached, token)
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		log.LogDebugWithFields("session", "Caller gave up waiting for token validation", map[string]any{
			"error": ctx.Err().Error(),
		})
		return invalid
	}

	res, err := r.Val, r.Err
	if err != nil {
		if errors.Is(err, idp.ErrInvalidToken) {
			log.LogDebugWithFields("session", "Provider rejected access token", map[string]any{
				"shared": r.Shared,
			})
		} else {
			log.LogWarnWithFields("session", "Provider token validation failed", map[string]any{
				"error":  err.Error(),
				"shared": r.Shared,
			})
		}
		return invalid
	}

	info, ok := res.(*idp.TokenInfo)
	if !ok || info == nil || info.UserID == "" || info.ClientID == "" {
		return invalid
	}

	id := Identity{
		Subject:    info.UserID,
		ProviderID: info.UserID,
		Login:      info.Login,
		Flavor:     FlavorProvider,
	}
	if info.ExpiresIn > 0 {
		id.ExpiresAt = v.now().Add(time.Duration(info.ExpiresIn) * time.Second)
	}
	return Result{Valid: true, Identity: id}
}

// ValidateSessionToken verifies an internal session JWT and checks that
// it has not been revoked.
func (v *Validator) ValidateSessionToken(ctx context.Context, token string) Result {
	if token == "" || v.signer == nil {
		return invalid
	}

	claims, err := v.signer.Verify(token)
	if err != nil {
		log.LogDebugWithFields("session", "Session token rejected", map[string]any{
			"error": err.Error(),
		})
		return invalid
	}

	revoked, err := v.denyList.IsRevoked(ctx, claims.ID)
	if err != nil {
		log.LogErrorWithFields("session", "Revocation lookup failed, rejecting token", map[string]any{
			"subject": claims.Subject,
			"error":   err.Error(),
		})
		return invalid
	}
	if revoked {
		log.LogDebugWithFields("session", "Session token is revoked", map[string]any{
			"subject": claims.Subject,
		})
		return invalid
	}

	id := Identity{
		Subject: claims.Subject,
		Flavor:  FlavorSession,
		Role:    claims.Role,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return Result{Valid: true, Identity: id}
}

// tokenKey avoids holding raw tokens as map keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type identityKey struct{}

// WithIdentity attaches a validated identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
