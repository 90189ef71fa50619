package idp

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/testutil"
)

var alice = testutil.FakeUser{ID: "1001", Login: "alice", DisplayName: "Alice", Email: "alice@example.com"}

func newTestTwitch(t *testing.T) (*Twitch, *testutil.FakeTwitch) {
	t.Helper()
	fake := testutil.NewFakeTwitch(t)
	return NewTwitch(fake.ProviderConfig("http://localhost:8080/callback")), fake
}

func TestTwitch_AuthURL(t *testing.T) {
	p, fake := newTestTwitch(t)

	raw, err := p.AuthURL("state-123", "nonce-abc")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, fake.Server.URL+testutil.PathAuthorize, u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, fake.ClientID, q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/callback", q.Get("redirect_uri"))
	assert.Equal(t, "user:read:email", q.Get("scope"))
	assert.Empty(t, q.Get("nonce"), "nonce is only sent with openid")
}

func TestTwitch_AuthURL_Unconfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ProviderConfig
	}{
		{"missing client id", config.ProviderConfig{RedirectURI: "http://localhost/callback"}},
		{"missing redirect uri", config.ProviderConfig{ClientID: "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTwitch(tt.cfg).AuthURL("state", "")
			require.Error(t, err)
			assert.True(t, autherr.IsKind(err, autherr.KindConfiguration))
			assert.Equal(t, http.StatusInternalServerError, autherr.HTTPStatus(err))
		})
	}
}

func TestTwitch_ExchangeCode(t *testing.T) {
	p, fake := newTestTwitch(t)
	fake.AddCode("good-code", alice, "")

	before := time.Now()
	pair, err := p.ExchangeCode(context.Background(), "good-code", "")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(14400), pair.ExpiresIn)
	assert.WithinDuration(t, before.Add(4*time.Hour), pair.ExpiresAt(), 5*time.Second)

	t.Run("code is single use", func(t *testing.T) {
		_, err := p.ExchangeCode(context.Background(), "good-code", "")
		require.Error(t, err)
		e, ok := autherr.As(err)
		require.True(t, ok)
		assert.Equal(t, autherr.KindUpstream, e.Kind)
		assert.Equal(t, http.StatusBadRequest, e.Status)
		assert.Equal(t, http.StatusBadRequest, e.HTTPStatus())
		assert.Contains(t, e.Detail, "Invalid authorization code")
	})
}

func TestTwitch_ExchangeCode_MissingSecret(t *testing.T) {
	fake := testutil.NewFakeTwitch(t)
	cfg := fake.ProviderConfig("http://localhost/callback")
	cfg.ClientSecret = ""

	_, err := NewTwitch(cfg).ExchangeCode(context.Background(), "code", "")
	require.Error(t, err)
	assert.True(t, autherr.IsKind(err, autherr.KindConfiguration))
	assert.Zero(t, fake.Calls(testutil.PathToken))
}

func TestTwitch_ExchangeCode_Timeout(t *testing.T) {
	fake := testutil.NewFakeTwitch(t)
	cfg := fake.ProviderConfig("http://localhost/callback")
	cfg.Timeout = 50 * time.Millisecond
	fake.AddCode("slow", alice, "")
	fake.SetDelay(500 * time.Millisecond)

	_, err := NewTwitch(cfg).ExchangeCode(context.Background(), "slow", "")
	require.Error(t, err)
	e, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.KindUpstream, e.Kind)
	assert.Zero(t, e.Status)
	assert.Equal(t, http.StatusBadGateway, e.HTTPStatus())
}

func TestTwitch_ExchangeCode_ServerError(t *testing.T) {
	p, fake := newTestTwitch(t)
	fake.AddCode("code", alice, "")
	fake.FailNext(testutil.PathToken, http.StatusServiceUnavailable, `{"message":"down"}`)

	_, err := p.ExchangeCode(context.Background(), "code", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, autherr.HTTPStatus(err))
}

func TestTwitch_ExchangeCode_IDToken(t *testing.T) {
	fake := testutil.NewFakeTwitch(t)
	fake.EnableIDTokens(t)
	p := NewTwitch(fake.ProviderConfig("http://localhost/callback"))

	raw, err := p.AuthURL("state", "nonce-1")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", u.Query().Get("nonce"))

	t.Run("matching nonce", func(t *testing.T) {
		fake.AddCode("c1", alice, "nonce-1")
		pair, err := p.ExchangeCode(context.Background(), "c1", "nonce-1")
		require.NoError(t, err)
		assert.NotEmpty(t, pair.IDToken)
	})

	t.Run("mismatched nonce", func(t *testing.T) {
		fake.AddCode("c2", alice, "nonce-other")
		_, err := p.ExchangeCode(context.Background(), "c2", "nonce-1")
		require.Error(t, err)
		assert.True(t, autherr.IsKind(err, autherr.KindUnauthorized))
		e, ok := autherr.As(err)
		require.True(t, ok)
		assert.Equal(t, "invalid or expired login state", e.Message)
		assert.NotContains(t, e.Message, "nonce")
	})
}

func TestTwitch_Refresh_Rotates(t *testing.T) {
	p, fake := newTestTwitch(t)
	_, refresh := fake.IssueTokens(alice)

	pair, err := p.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	assert.NotEqual(t, refresh, pair.RefreshToken)
	assert.NotEmpty(t, pair.AccessToken)

	_, err = p.Refresh(context.Background(), refresh)
	require.Error(t, err)
	e, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.KindUpstream, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.HTTPStatus())
	assert.Contains(t, e.Detail, "Invalid refresh token")
	assert.Equal(t, 2, fake.Calls(testutil.PathToken), "refresh must not retry")
}

func TestTwitch_Refresh_Validation(t *testing.T) {
	p, fake := newTestTwitch(t)

	_, err := p.Refresh(context.Background(), "")
	require.Error(t, err)
	assert.True(t, autherr.IsKind(err, autherr.KindValidation))
	assert.Zero(t, fake.Calls(testutil.PathToken))
}

func TestTwitch_Validate(t *testing.T) {
	p, fake := newTestTwitch(t)
	access, _ := fake.IssueTokens(alice)

	info, err := p.Validate(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, info.UserID)
	assert.Equal(t, alice.Login, info.Login)
	assert.Equal(t, fake.ClientID, info.ClientID)
	assert.Equal(t, []string{"user:read:email"}, info.Scopes)

	t.Run("unknown token", func(t *testing.T) {
		_, err := p.Validate(context.Background(), "bogus")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty token", func(t *testing.T) {
		calls := fake.Calls(testutil.PathValidate)
		_, err := p.Validate(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.Equal(t, calls, fake.Calls(testutil.PathValidate))
	})

	t.Run("missing ids", func(t *testing.T) {
		fake.FailNext(testutil.PathValidate, http.StatusOK, `{"client_id":"`+fake.ClientID+`","login":"alice"}`)
		_, err := p.Validate(context.Background(), access)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("issued to another client", func(t *testing.T) {
		fake.FailNext(testutil.PathValidate, http.StatusOK, `{"client_id":"someone-else","user_id":"1001"}`)
		_, err := p.Validate(context.Background(), access)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("provider outage", func(t *testing.T) {
		fake.FailNext(testutil.PathValidate, http.StatusInternalServerError, `{}`)
		_, err := p.Validate(context.Background(), access)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidToken)
		assert.True(t, autherr.IsKind(err, autherr.KindUpstream))
	})
}

func TestTwitch_Validate_RateLimited(t *testing.T) {
	fake := testutil.NewFakeTwitch(t)
	cfg := fake.ProviderConfig("http://localhost/callback")
	cfg.ValidateRPS = 0.001
	cfg.ValidateBurst = 1
	p := NewTwitch(cfg)
	access, _ := fake.IssueTokens(alice)

	_, err := p.Validate(context.Background(), access)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Validate(ctx, access)
	require.Error(t, err)
	assert.True(t, autherr.IsKind(err, autherr.KindUpstream))
	assert.Equal(t, 1, fake.Calls(testutil.PathValidate))
}

func TestTwitch_Revoke(t *testing.T) {
	p, fake := newTestTwitch(t)
	access, _ := fake.IssueTokens(alice)

	require.NoError(t, p.Revoke(context.Background(), access))
	assert.False(t, fake.IsAccessTokenActive(access))

	_, err := p.Validate(context.Background(), access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	err = p.Revoke(context.Background(), access)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, autherr.HTTPStatus(err))

	require.NoError(t, p.Revoke(context.Background(), ""))
}

func TestTwitch_UserInfo(t *testing.T) {
	p, fake := newTestTwitch(t)
	access, _ := fake.IssueTokens(alice)

	user, err := p.UserInfo(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, user.ProviderID)
	assert.Equal(t, alice.Login, user.Login)
	assert.Equal(t, alice.DisplayName, user.DisplayName)
	assert.Equal(t, alice.Email, user.Email)

	t.Run("empty data", func(t *testing.T) {
		fake.FailNext(testutil.PathUsers, http.StatusOK, `{"data":[]}`)
		_, err := p.UserInfo(context.Background(), access)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadGateway, autherr.HTTPStatus(err))
	})

	t.Run("bad token", func(t *testing.T) {
		_, err := p.UserInfo(context.Background(), "bogus")
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, autherr.HTTPStatus(err))
	})
}
