package moderation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/sessiontoken"
	"github.com/dgellow/gatekeep/internal/storage"
	"github.com/dgellow/gatekeep/internal/testutil"
)

type fixture struct {
	svc        *Service
	store      *storage.MemoryStorage
	adminToken string
	userToken  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	admin, _, err := store.EnsureProfile(ctx, "100", "Admin")
	require.NoError(t, err)
	require.NoError(t, store.SetRole(ctx, "100", role.Admin))
	user, _, err := store.EnsureProfile(ctx, "200", "User")
	require.NoError(t, err)

	signer, err := sessiontoken.NewSigner([]byte(strings.Repeat("m", 32)), "gatekeep", time.Hour)
	require.NoError(t, err)
	adminToken, _, err := signer.Issue(admin.ID, role.Admin)
	require.NoError(t, err)
	userToken, _, err := signer.Issue(user.ID, role.User)
	require.NoError(t, err)

	gate := rbac.NewGate(session.NewValidator(nil, signer, nil), rbac.NewResolver(store))
	return &fixture{
		svc:        NewService(gate, store),
		store:      store,
		adminToken: adminToken,
		userToken:  userToken,
	}
}

func TestModerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entity, err := f.store.CreateEntity(ctx, "owner-1")
	require.NoError(t, err)

	got, err := f.svc.Moderate(ctx, f.adminToken, Request{EntityID: entity.ID, NewStatus: storage.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status)

	_, err = f.svc.Moderate(ctx, f.adminToken, Request{EntityID: entity.ID, NewStatus: storage.StatusRejected})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, autherr.HTTPStatus(err))

	stored, err := f.store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, stored.Status, "terminal state is immutable")
}

func TestModerate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entity, err := f.store.CreateEntity(ctx, "owner-1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		req    Request
		status int
	}{
		{"no token", "", Request{EntityID: entity.ID, NewStatus: storage.StatusApproved}, http.StatusUnauthorized},
		{"bad token", "x.y.z", Request{EntityID: entity.ID, NewStatus: storage.StatusApproved}, http.StatusUnauthorized},
		{"non-admin", f.userToken, Request{EntityID: entity.ID, NewStatus: storage.StatusApproved}, http.StatusForbidden},
		{"non-admin with bad input", f.userToken, Request{NewStatus: "bogus"}, http.StatusForbidden},
		{"missing entity id", f.adminToken, Request{NewStatus: storage.StatusApproved}, http.StatusBadRequest},
		{"pending is not a decision", f.adminToken, Request{EntityID: entity.ID, NewStatus: storage.StatusPending}, http.StatusBadRequest},
		{"unknown status", f.adminToken, Request{EntityID: entity.ID, NewStatus: "deleted"}, http.StatusBadRequest},
		{"unknown entity", f.adminToken, Request{EntityID: "missing", NewStatus: storage.StatusRejected}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Moderate(ctx, tt.token, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.status, autherr.HTTPStatus(err))
		})
	}

	stored, err := f.store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, stored.Status)
}

func TestModerate_ConcurrentDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entity, err := f.store.CreateEntity(ctx, "owner-1")
	require.NoError(t, err)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := storage.StatusApproved
			if i%2 == 1 {
				status = storage.StatusRejected
			}
			_, err := f.svc.Moderate(ctx, f.adminToken, Request{EntityID: entity.ID, NewStatus: status})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if autherr.HTTPStatus(err) == http.StatusNotFound {
				notFound++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, notFound)
}

func TestModerate_StorageFailure(t *testing.T) {
	m := &testutil.MockStorage{}
	m.On("TransitionStatus", mock.Anything, "e1", storage.StatusPending, storage.StatusApproved).
		Return(nil, errors.New("disk full"))

	svc := NewService(allowAll{}, m)
	_, err := svc.Moderate(context.Background(), "token", Request{EntityID: "e1", NewStatus: storage.StatusApproved})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, autherr.HTTPStatus(err))
	m.AssertExpectations(t)
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.CreateEntity(ctx, "owner-1")
	require.NoError(t, err)
	second, err := f.store.CreateEntity(ctx, "owner-2")
	require.NoError(t, err)
	_, err = f.svc.Moderate(ctx, f.adminToken, Request{EntityID: first.ID, NewStatus: storage.StatusRejected})
	require.NoError(t, err)

	queue, err := f.svc.Pending(ctx, f.adminToken, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, second.ID, queue[0].ID)

	_, err = f.svc.Pending(ctx, f.userToken, 0)
	assert.Equal(t, http.StatusForbidden, autherr.HTTPStatus(err))
}

type allowAll struct{}

func (allowAll) RequireAdmin(context.Context, string) (session.Identity, error) {
	return session.Identity{Subject: "admin"}, nil
}
