// Package rbac resolves roles and gates privileged actions.
package rbac

import (
	"context"
	"errors"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
)

// ProfileReader is the read side of storage.ProfileStore.
type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (*storage.Profile, error)
	GetProfileByProviderID(ctx context.Context, providerID string) (*storage.Profile, error)
}

// Resolver maps an identity to its stored role. It fails closed: any
// lookup problem resolves to role.User.
type Resolver struct {
	profiles ProfileReader
}

func NewResolver(profiles ProfileReader) *Resolver {
	return &Resolver{profiles: profiles}
}

// Resolve returns the current role for id. Session identities are looked
// up by profile id and provider identities by provider user id, so a
// demotion takes effect without waiting for tokens to expire.
func (r *Resolver) Resolve(ctx context.Context, id session.Identity) role.Role {
	if r.profiles == nil || id.Subject == "" {
		return role.User
	}

	var (
		profile *storage.Profile
		err     error
	)
	switch id.Flavor {
	case session.FlavorSession:
		profile, err = r.profiles.GetProfile(ctx, id.Subject)
	case session.FlavorProvider:
		providerID := id.ProviderID
		if providerID == "" {
			providerID = id.Subject
		}
		profile, err = r.profiles.GetProfileByProviderID(ctx, providerID)
	default:
		return role.User
	}

	if err != nil {
		if !errors.Is(err, storage.ErrProfileNotFound) {
			log.LogErrorWithFields("rbac", "Profile lookup failed, defaulting to user role", map[string]any{
				"subject": id.Subject,
				"flavor":  id.Flavor.String(),
				"error":   err.Error(),
			})
		}
		return role.User
	}
	if profile == nil {
		return role.User
	}
	return role.Parse(string(profile.Role))
}

// IsAdmin reports whether id currently holds the admin role.
func (r *Resolver) IsAdmin(ctx context.Context, id session.Identity) bool {
	return r.Resolve(ctx, id).IsAdmin()
}

// SessionTokenValidator verifies internal session tokens.
type SessionTokenValidator interface {
	ValidateSessionToken(ctx context.Context, token string) session.Result
}

// Gate authorizes privileged actions presented with a bearer session token.
type Gate struct {
	validator SessionTokenValidator
	resolver  *Resolver
}

func NewGate(validator SessionTokenValidator, resolver *Resolver) *Gate {
	return &Gate{validator: validator, resolver: resolver}
}

// RequireAdmin returns the caller's identity if token is a valid session
// token whose subject is currently an admin. Invalid tokens are
// Unauthorized and non-admins Forbidden.
func (g *Gate) RequireAdmin(ctx context.Context, token string) (session.Identity, error) {
	res := g.validator.ValidateSessionToken(ctx, token)
	if !res.Valid {
		return session.Identity{}, autherr.Unauthorized("authentication required", nil)
	}

	current := g.resolver.Resolve(ctx, res.Identity)
	if !current.IsAdmin() {
		log.LogWarnWithFields("rbac", "Admin action denied", map[string]any{
			"subject": res.Identity.Subject,
			"role":    string(current),
		})
		return session.Identity{}, autherr.Forbidden("admin role required")
	}

	id := res.Identity
	id.Role = current
	return id, nil
}
