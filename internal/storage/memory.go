package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/role"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps profiles and entities in mutex-guarded maps.
// Intended for development and tests.
type MemoryStorage struct {
	profilesMu   sync.RWMutex
	profiles     map[string]*Profile // by ID
	byProviderID map[string]string   // providerID -> ID

	entitiesMu sync.Mutex
	entities   map[string]*Entity

	now func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		profiles:     make(map[string]*Profile),
		byProviderID: make(map[string]string),
		entities:     make(map[string]*Entity),
		now:          time.Now,
	}
}

func (s *MemoryStorage) GetProfile(_ context.Context, id string) (*Profile, error) {
	s.profilesMu.RLock()
	defer s.profilesMu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStorage) GetProfileByProviderID(_ context.Context, providerID string) (*Profile, error) {
	s.profilesMu.RLock()
	defer s.profilesMu.RUnlock()

	id, ok := s.byProviderID[providerID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *s.profiles[id]
	return &cp, nil
}

func (s *MemoryStorage) EnsureProfile(_ context.Context, providerID, displayName string) (*Profile, bool, error) {
	s.profilesMu.Lock()
	defer s.profilesMu.Unlock()

	if id, ok := s.byProviderID[providerID]; ok {
		cp := *s.profiles[id]
		return &cp, false, nil
	}

	p := &Profile{
		ID:          uuid.NewString(),
		ProviderID:  providerID,
		DisplayName: displayName,
		Role:        role.User,
		CreatedAt:   s.now().UTC(),
	}
	s.profiles[p.ID] = p
	s.byProviderID[providerID] = p.ID

	log.LogInfoWithFields("storage", "Created profile", map[string]any{
		"profile_id":  p.ID,
		"provider_id": providerID,
	})

	cp := *p
	return &cp, true, nil
}

func (s *MemoryStorage) SetRole(_ context.Context, providerID string, r role.Role) error {
	s.profilesMu.Lock()
	defer s.profilesMu.Unlock()

	id, ok := s.byProviderID[providerID]
	if !ok {
		return ErrProfileNotFound
	}
	s.profiles[id].Role = r
	return nil
}

func (s *MemoryStorage) CreateEntity(_ context.Context, ownerRef string) (*Entity, error) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()

	now := s.now().UTC()
	e := &Entity{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		OwnerRef:  ownerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entities[e.ID] = e
	cp := *e
	return &cp, nil
}

func (s *MemoryStorage) GetEntity(_ context.Context, id string) (*Entity, error) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStorage) ListPending(_ context.Context, limit int) ([]Entity, error) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()

	pending := make([]Entity, 0)
	for _, e := range s.entities {
		if e.Status == StatusPending {
			pending = append(pending, *e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})

	if n := normalizeLimit(limit); len(pending) > n {
		pending = pending[:n]
	}
	return pending, nil
}

// TransitionStatus compares and swaps under the entities mutex.
func (s *MemoryStorage) TransitionStatus(_ context.Context, id string, from, to Status) (*Entity, error) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	if e.Status != from {
		return nil, ErrNotPending
	}
	e.Status = to
	e.UpdatedAt = s.now().UTC()
	cp := *e
	return &cp, nil
}

func (s *MemoryStorage) Close() error { return nil }
