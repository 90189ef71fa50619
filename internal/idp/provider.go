package idp

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken is returned when the provider reports that an access
// token is unknown, expired or revoked.
var ErrInvalidToken = errors.New("provider token invalid")

// TokenPair is the provider-issued credential set. Refresh tokens rotate:
// after a successful refresh the previous refresh token must not be reused.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"-"`
	// IDToken is set when the openid scope was granted.
	IDToken string `json:"-"`
}

// ExpiresAt returns when the access token expires, or the zero time when
// the provider did not say.
func (p *TokenPair) ExpiresAt() time.Time {
	if p.ExpiresIn <= 0 {
		return time.Time{}
	}
	return p.IssuedAt.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// TokenInfo is the result of introspecting an access token.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in"`
}

// UserInfo is the provider's public profile of the signed-in user.
type UserInfo struct {
	ProviderID      string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Email           string `json:"email,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

// Provider abstracts the OAuth2 operations the auth flows need.
type Provider interface {
	// AuthURL returns the authorization URL. nonce is bound into the ID
	// token when the openid scope is requested.
	AuthURL(state, nonce string) (string, error)

	// ExchangeCode exchanges an authorization code for tokens. When an ID
	// token is returned it is verified against nonce.
	ExchangeCode(ctx context.Context, code, nonce string) (*TokenPair, error)

	// Refresh exchanges a refresh token for a new pair. It never retries.
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Revoke invalidates an access token at the provider.
	Revoke(ctx context.Context, accessToken string) error

	// Validate introspects an access token. It returns ErrInvalidToken
	// when the provider rejects the token.
	Validate(ctx context.Context, accessToken string) (*TokenInfo, error)

	// UserInfo fetches the profile of the token's owner.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}
