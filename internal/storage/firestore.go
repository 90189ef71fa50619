package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/role"
)

// FirestoreStorage implements Storage using Google Cloud Firestore.
//
// Profiles are keyed by provider id so EnsureProfile can create inside a
// transaction without a separate uniqueness index. Entities are keyed by id.
type FirestoreStorage struct {
	client             *firestore.Client
	projectID          string
	profilesCollection string
	entitiesCollection string
	now                func() time.Time
}

var _ Storage = (*FirestoreStorage)(nil)

// ProfileDoc is the Firestore representation of a Profile
type ProfileDoc struct {
	ID          string    `firestore:"id"`
	ProviderID  string    `firestore:"provider_id"`
	DisplayName string    `firestore:"display_name"`
	Role        string    `firestore:"role"`
	CreatedAt   time.Time `firestore:"created_at"`
}

func (d ProfileDoc) toProfile() *Profile {
	return &Profile{
		ID:          d.ID,
		ProviderID:  d.ProviderID,
		DisplayName: d.DisplayName,
		Role:        role.Parse(d.Role),
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

// EntityDoc is the Firestore representation of an Entity
type EntityDoc struct {
	ID        string    `firestore:"id"`
	Status    string    `firestore:"status"`
	OwnerRef  string    `firestore:"owner_ref"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (d EntityDoc) toEntity() *Entity {
	return &Entity{
		ID:        d.ID,
		Status:    Status(d.Status),
		OwnerRef:  d.OwnerRef,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, profilesCollection, entitiesCollection string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if profilesCollection == "" || entitiesCollection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":  projectID,
		"database": database,
	})

	return &FirestoreStorage{
		client:             client,
		projectID:          projectID,
		profilesCollection: profilesCollection,
		entitiesCollection: entitiesCollection,
		now:                time.Now,
	}, nil
}

func (s *FirestoreStorage) profiles() *firestore.CollectionRef {
	return s.client.Collection(s.profilesCollection)
}

func (s *FirestoreStorage) entities() *firestore.CollectionRef {
	return s.client.Collection(s.entitiesCollection)
}

func (s *FirestoreStorage) GetProfile(ctx context.Context, id string) (*Profile, error) {
	iter := s.profiles().Where("id", "==", id).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	var pd ProfileDoc
	if err := doc.DataTo(&pd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return pd.toProfile(), nil
}

func (s *FirestoreStorage) GetProfileByProviderID(ctx context.Context, providerID string) (*Profile, error) {
	doc, err := s.profiles().Doc(providerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var pd ProfileDoc
	if err := doc.DataTo(&pd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return pd.toProfile(), nil
}

func (s *FirestoreStorage) EnsureProfile(ctx context.Context, providerID, displayName string) (*Profile, bool, error) {
	ref := s.profiles().Doc(providerID)

	var (
		result  ProfileDoc
		created bool
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		doc, err := tx.Get(ref)
		if err == nil {
			return doc.DataTo(&result)
		}
		if status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get profile: %w", err)
		}

		result = ProfileDoc{
			ID:          uuid.NewString(),
			ProviderID:  providerID,
			DisplayName: displayName,
			Role:        string(role.User),
			CreatedAt:   s.now().UTC(),
		}
		created = true
		return tx.Create(ref, result)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure profile: %w", err)
	}

	if created {
		log.LogInfoWithFields("storage", "Created profile", map[string]any{
			"profile_id":  result.ID,
			"provider_id": providerID,
		})
	}
	return result.toProfile(), created, nil
}

func (s *FirestoreStorage) SetRole(ctx context.Context, providerID string, r role.Role) error {
	_, err := s.profiles().Doc(providerID).Update(ctx, []firestore.Update{
		{Path: "role", Value: string(r)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrProfileNotFound
		}
		return fmt.Errorf("failed to set role: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) CreateEntity(ctx context.Context, ownerRef string) (*Entity, error) {
	now := s.now().UTC()
	doc := EntityDoc{
		ID:        uuid.NewString(),
		Status:    string(StatusPending),
		OwnerRef:  ownerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.entities().Doc(doc.ID).Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	return doc.toEntity(), nil
}

func (s *FirestoreStorage) GetEntity(ctx context.Context, id string) (*Entity, error) {
	doc, err := s.entities().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	var ed EntityDoc
	if err := doc.DataTo(&ed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return ed.toEntity(), nil
}

func (s *FirestoreStorage) ListPending(ctx context.Context, limit int) ([]Entity, error) {
	iter := s.entities().
		Where("status", "==", string(StatusPending)).
		OrderBy("created_at", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(normalizeLimit(limit)).
		Documents(ctx)
	defer iter.Stop()

	entities := make([]Entity, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pending entities: %w", err)
		}

		var ed EntityDoc
		if err := doc.DataTo(&ed); err != nil {
			log.LogErrorWithFields("storage", "Failed to unmarshal entity", map[string]any{
				"id":    doc.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		entities = append(entities, *ed.toEntity())
	}
	return entities, nil
}

// TransitionStatus reads and updates inside one transaction; Firestore
// retries the function when a concurrent write invalidates the read.
func (s *FirestoreStorage) TransitionStatus(ctx context.Context, id string, from, to Status) (*Entity, error) {
	ref := s.entities().Doc(id)

	var result EntityDoc
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrEntityNotFound
			}
			return fmt.Errorf("failed to get entity: %w", err)
		}

		if err := doc.DataTo(&result); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}
		if Status(result.Status) != from {
			return ErrNotPending
		}

		result.Status = string(to)
		result.UpdatedAt = s.now().UTC()
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: result.Status},
			{Path: "updated_at", Value: result.UpdatedAt},
		})
	})
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrNotPending) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition entity: %w", err)
	}
	return result.toEntity(), nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
