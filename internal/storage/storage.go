package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/gatekeep/internal/role"
)

// ErrProfileNotFound is returned when no profile matches the lookup key
var ErrProfileNotFound = errors.New("profile not found")

// ErrEntityNotFound is returned when a moderatable entity doesn't exist
var ErrEntityNotFound = errors.New("entity not found")

// ErrNotPending is returned by TransitionStatus when the entity exists but
// has already left the pending state.
var ErrNotPending = errors.New("entity is not pending")

// Profile is the local record of a user who has signed in with the provider.
type Profile struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	DisplayName string    `json:"display_name"`
	Role        role.Role `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status is the moderation state of an entity.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Entity is a user-submitted record awaiting moderation.
type Entity struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	OwnerRef  string    `json:"owner_ref"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileStore reads and creates profiles. Roles are never changed by
// EnsureProfile; SetRole is the operator path.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByProviderID(ctx context.Context, providerID string) (*Profile, error)
	// EnsureProfile returns the profile for providerID, creating it with
	// role user if absent. created reports whether a row was inserted.
	EnsureProfile(ctx context.Context, providerID, displayName string) (profile *Profile, created bool, err error)
	SetRole(ctx context.Context, providerID string, r role.Role) error
}

// EntityStore holds moderatable entities.
type EntityStore interface {
	CreateEntity(ctx context.Context, ownerRef string) (*Entity, error)
	GetEntity(ctx context.Context, id string) (*Entity, error)
	ListPending(ctx context.Context, limit int) ([]Entity, error)
	// TransitionStatus atomically moves id from `from` to `to`. It returns
	// ErrNotPending when the stored status differs from `from`, and
	// ErrEntityNotFound when the entity doesn't exist.
	TransitionStatus(ctx context.Context, id string, from, to Status) (*Entity, error)
}

// Storage combines all storage capabilities needed by gatekeep
type Storage interface {
	ProfileStore
	EntityStore
	Close() error
}

// DefaultListLimit caps ListPending when callers pass a non-positive limit.
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}
