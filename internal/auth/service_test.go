package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/revocation"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/sessiontoken"
	"github.com/dgellow/gatekeep/internal/storage"
	"github.com/dgellow/gatekeep/internal/testutil"
)

var bob = testutil.FakeUser{ID: "4242", Login: "bob", DisplayName: "Bob"}

type harness struct {
	svc      *Service
	fake     *testutil.FakeTwitch
	store    *storage.MemoryStorage
	tokens   *sessiontoken.Signer
	denyList *revocation.MemoryDenyList
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := testutil.NewFakeTwitch(t)
	store := storage.NewMemoryStorage()
	denyList := revocation.NewMemoryDenyList()

	cfg := config.SessionConfig{
		SigningSecret: config.Secret(strings.Repeat("z", 32)),
		Issuer:        "gatekeep",
		TokenTTL:      time.Hour,
		StateTTL:      10 * time.Minute,
		LandingPath:   "/dashboard",
	}
	tokens, err := sessiontoken.NewSigner([]byte(cfg.SigningSecret), cfg.Issuer, cfg.TokenTTL)
	require.NoError(t, err)

	provider := idp.NewTwitch(fake.ProviderConfig("http://localhost:8080/callback"))
	svc, err := NewService(cfg, provider, store, tokens, rbac.NewResolver(store), denyList)
	require.NoError(t, err)

	return &harness{svc: svc, fake: fake, store: store, tokens: tokens, denyList: denyList}
}

// login runs BeginLogin and returns the state the provider would echo.
func (h *harness) login(t *testing.T, returnTo string) (*LoginStart, string) {
	t.Helper()
	start, err := h.svc.BeginLogin(returnTo)
	require.NoError(t, err)
	u, err := url.Parse(start.AuthURL)
	require.NoError(t, err)
	return start, u.Query().Get("state")
}

func TestBeginLogin(t *testing.T) {
	h := newHarness(t)

	start, state := h.login(t, "/profile?tab=1")
	assert.NotEmpty(t, state)
	assert.NotEmpty(t, start.StateCookie)
	assert.NotContains(t, start.StateCookie, state, "nonce is not stored in clear")
	assert.Equal(t, "/profile?tab=1", start.ReturnTo)

	_, other := h.login(t, "")
	assert.NotEqual(t, state, other, "each login gets a fresh nonce")
}

func TestBeginLogin_Unconfigured(t *testing.T) {
	cfg := config.SessionConfig{SigningSecret: config.Secret(strings.Repeat("z", 32)), StateTTL: time.Minute}
	svc, err := NewService(cfg, idp.NewTwitch(config.ProviderConfig{}), storage.NewMemoryStorage(), nil, nil, nil)
	require.NoError(t, err)

	_, err = svc.BeginLogin("/")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, autherr.HTTPStatus(err))
	assert.True(t, autherr.IsKind(err, autherr.KindConfiguration))
}

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/profile", "/profile"},
		{"/a/b?c=d", "/a/b?c=d"},
		{"", "/landing"},
		{"profile", "/landing"},
		{"//evil.example", "/landing"},
		{"/\\evil.example", "/landing"},
		{"https://evil.example/x", "/landing"},
		{"javascript:alert(1)", "/landing"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeReturnTo(tt.in, "/landing"))
		})
	}
}

func TestCompleteLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, state := h.login(t, "/profile")
	h.fake.AddCode("code-1", bob, "")

	res, err := h.svc.CompleteLogin(ctx, CallbackInput{Code: "code-1", State: state, StateCookie: start.StateCookie})
	require.NoError(t, err)
	assert.True(t, res.ProfileCreated)
	assert.Equal(t, "/profile", res.ReturnTo)
	assert.Equal(t, bob.ID, res.Profile.ProviderID)
	assert.Equal(t, "Bob", res.Profile.DisplayName)
	assert.Equal(t, role.User, res.Profile.Role)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	claims, err := h.tokens.Verify(res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, res.Profile.ID, claims.Subject)
	assert.Equal(t, role.User, claims.Role)

	t.Run("second login keeps the profile and picks up its role", func(t *testing.T) {
		require.NoError(t, h.store.SetRole(ctx, bob.ID, role.Admin))
		start, state := h.login(t, "")
		h.fake.AddCode("code-2", bob, "")

		again, err := h.svc.CompleteLogin(ctx, CallbackInput{Code: "code-2", State: state, StateCookie: start.StateCookie})
		require.NoError(t, err)
		assert.False(t, again.ProfileCreated)
		assert.Equal(t, res.Profile.ID, again.Profile.ID)
		assert.Equal(t, role.Admin, again.SessionClaims.Role)
		assert.Equal(t, "/dashboard", again.ReturnTo)
	})
}

func TestCompleteLogin_StateChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, state := h.login(t, "")
	_, otherState := h.login(t, "")
	h.fake.AddCode("code", bob, "")

	expired := *h.svc
	expired.stateSigner = h.svc.stateSigner.WithClock(func() time.Time { return time.Now().Add(time.Hour) })

	tests := []struct {
		name string
		svc  *Service
		in   CallbackInput
	}{
		{"state mismatch", h.svc, CallbackInput{Code: "code", State: otherState, StateCookie: start.StateCookie}},
		{"missing cookie", h.svc, CallbackInput{Code: "code", State: state}},
		{"missing state", h.svc, CallbackInput{Code: "code", StateCookie: start.StateCookie}},
		{"tampered cookie", h.svc, CallbackInput{Code: "code", State: state, StateCookie: start.StateCookie + "x"}},
		{"expired state", &expired, CallbackInput{Code: "code", State: state, StateCookie: start.StateCookie}},
		{"provider error", h.svc, CallbackInput{Error: "access_denied", State: state, StateCookie: start.StateCookie}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.CompleteLogin(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, autherr.IsKind(err, autherr.KindUnauthorized), err.Error())
		})
	}
	assert.Zero(t, h.fake.Calls(testutil.PathToken), "no exchange without a valid state")

	_, err := h.svc.CompleteLogin(ctx, CallbackInput{State: state, StateCookie: start.StateCookie})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, autherr.HTTPStatus(err))
}

func TestCompleteLogin_UpstreamErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, state := h.login(t, "")
	_, err := h.svc.CompleteLogin(ctx, CallbackInput{Code: "unknown", State: state, StateCookie: start.StateCookie})
	require.Error(t, err)
	e, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.KindUpstream, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.HTTPStatus())
	assert.Contains(t, e.Detail, "Invalid authorization code")

	h.fake.AddCode("code", bob, "")
	h.fake.FailNext(testutil.PathToken, http.StatusInternalServerError, `{"message":"boom"}`)
	_, err = h.svc.CompleteLogin(ctx, CallbackInput{Code: "code", State: state, StateCookie: start.StateCookie})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, autherr.HTTPStatus(err))
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	profile, _, err := h.store.EnsureProfile(ctx, bob.ID, bob.DisplayName)
	require.NoError(t, err)
	_, refresh := h.fake.IssueTokens(bob)

	res, err := h.svc.Refresh(ctx, refresh)
	require.NoError(t, err)
	assert.NotEqual(t, refresh, res.Tokens.RefreshToken)
	require.NotEmpty(t, res.SessionToken)
	assert.Equal(t, profile.ID, res.SessionClaims.Subject)

	t.Run("stale token requires reauth", func(t *testing.T) {
		_, err := h.svc.Refresh(ctx, refresh)
		require.Error(t, err)
		e, ok := autherr.As(err)
		require.True(t, ok)
		assert.True(t, e.ReauthRequired)
		assert.Equal(t, http.StatusBadRequest, e.HTTPStatus())
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := h.svc.Refresh(ctx, "  ")
		assert.Equal(t, http.StatusBadRequest, autherr.HTTPStatus(err))
		assert.True(t, autherr.IsKind(err, autherr.KindValidation))
	})

	t.Run("provider outage is not a reauth", func(t *testing.T) {
		h.fake.FailNext(testutil.PathToken, http.StatusServiceUnavailable, `{}`)
		_, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken)
		require.Error(t, err)
		e, ok := autherr.As(err)
		require.True(t, ok)
		assert.False(t, e.ReauthRequired)
		assert.Equal(t, http.StatusBadGateway, e.HTTPStatus())
	})
}

func TestRefresh_UnknownProfile(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.fake.IssueTokens(bob)

	res, err := h.svc.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.Empty(t, res.SessionToken)
}

func TestRefresh_ConcurrentSameToken(t *testing.T) {
	h := newHarness(t)
	_, refresh := h.fake.IssueTokens(bob)

	const n = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		reauth int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(context.Background(), refresh)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if e, isAuth := autherr.As(err); isAuth && e.ReauthRequired {
				reauth++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, reauth)
	assert.Equal(t, n, h.fake.Calls(testutil.PathToken))
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	access, _ := h.fake.IssueTokens(bob)
	token, _, err := h.tokens.Issue("profile-1", role.User)
	require.NoError(t, err)

	res := h.svc.Logout(ctx, LogoutInput{AccessToken: access, SessionToken: token})
	assert.True(t, res.ProviderRevoked)
	assert.True(t, res.SessionRevoked)
	assert.False(t, h.fake.IsAccessTokenActive(access))

	v := session.NewValidator(nil, h.tokens, h.denyList)
	assert.False(t, v.ValidateSessionToken(ctx, token).Valid)

	t.Run("idempotent", func(t *testing.T) {
		again := h.svc.Logout(ctx, LogoutInput{AccessToken: access, SessionToken: token})
		assert.False(t, again.ProviderRevoked)
		assert.True(t, again.SessionRevoked)
		assert.Equal(t, 1, h.denyList.Len())
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		assert.Equal(t, LogoutResult{}, h.svc.Logout(ctx, LogoutInput{}))
		assert.Equal(t, LogoutResult{}, h.svc.Logout(ctx, LogoutInput{SessionToken: "garbage"}))
	})
}
