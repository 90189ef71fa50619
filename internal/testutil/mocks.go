package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/storage"
)

// MockStorage is a testify mock of storage.Storage.
type MockStorage struct {
	mock.Mock
}

var _ storage.Storage = (*MockStorage)(nil)

func (m *MockStorage) GetProfile(ctx context.Context, id string) (*storage.Profile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Profile), args.Error(1)
}

func (m *MockStorage) GetProfileByProviderID(ctx context.Context, providerID string) (*storage.Profile, error) {
	args := m.Called(ctx, providerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Profile), args.Error(1)
}

func (m *MockStorage) EnsureProfile(ctx context.Context, providerID, displayName string) (*storage.Profile, bool, error) {
	args := m.Called(ctx, providerID, displayName)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*storage.Profile), args.Bool(1), args.Error(2)
}

func (m *MockStorage) SetRole(ctx context.Context, providerID string, r role.Role) error {
	return m.Called(ctx, providerID, r).Error(0)
}

func (m *MockStorage) CreateEntity(ctx context.Context, ownerRef string) (*storage.Entity, error) {
	args := m.Called(ctx, ownerRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Entity), args.Error(1)
}

func (m *MockStorage) GetEntity(ctx context.Context, id string) (*storage.Entity, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Entity), args.Error(1)
}

func (m *MockStorage) ListPending(ctx context.Context, limit int) ([]storage.Entity, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Entity), args.Error(1)
}

func (m *MockStorage) TransitionStatus(ctx context.Context, id string, from, to storage.Status) (*storage.Entity, error) {
	args := m.Called(ctx, id, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Entity), args.Error(1)
}

func (m *MockStorage) Close() error {
	return m.Called().Error(0)
}
