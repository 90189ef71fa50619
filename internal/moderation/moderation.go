// Package moderation applies admin decisions to pending entities.
package moderation

import (
	"context"
	"errors"
	"strings"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
)

// Authorizer admits admin callers. *rbac.Gate implements it.
type Authorizer interface {
	RequireAdmin(ctx context.Context, token string) (session.Identity, error)
}

// Request is a moderation decision.
type Request struct {
	EntityID  string         `json:"entityId"`
	NewStatus storage.Status `json:"newStatus"`
}

type Service struct {
	gate     Authorizer
	entities storage.EntityStore
}

func NewService(gate Authorizer, entities storage.EntityStore) *Service {
	return &Service{gate: gate, entities: entities}
}

// Moderate moves a pending entity to approved or rejected on behalf of an
// admin. Checks run in order: authentication, role, input, then an atomic
// pending-only transition. Of two concurrent decisions on one entity
// exactly one succeeds; the other gets a not-found error.
func (s *Service) Moderate(ctx context.Context, token string, req Request) (*storage.Entity, error) {
	caller, err := s.gate.RequireAdmin(ctx, token)
	if err != nil {
		return nil, err
	}

	entityID := strings.TrimSpace(req.EntityID)
	if entityID == "" {
		return nil, autherr.Validation("entityId is required")
	}
	if !req.NewStatus.IsTerminal() {
		return nil, autherr.Validation("newStatus must be approved or rejected")
	}

	entity, err := s.entities.TransitionStatus(ctx, entityID, storage.StatusPending, req.NewStatus)
	switch {
	case errors.Is(err, storage.ErrEntityNotFound), errors.Is(err, storage.ErrNotPending):
		return nil, autherr.NotFound("already moderated or not found", err)
	case err != nil:
		return nil, autherr.Internal("failed to update entity", err)
	}

	log.LogInfoWithFields("moderation", "Entity moderated", map[string]any{
		"entity":    entity.ID,
		"status":    string(entity.Status),
		"moderator": caller.Subject,
	})
	return entity, nil
}

// Pending lists the moderation queue, oldest first, for an admin caller.
func (s *Service) Pending(ctx context.Context, token string, limit int) ([]storage.Entity, error) {
	if _, err := s.gate.RequireAdmin(ctx, token); err != nil {
		return nil, err
	}
	entities, err := s.entities.ListPending(ctx, limit)
	if err != nil {
		return nil, autherr.Internal("failed to list pending entities", err)
	}
	return entities, nil
}
