package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/time/rate"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/ioutil"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/urlutil"
)

// Twitch implements Provider for Twitch OAuth2 and the Helix API.
//
// The HTTP client and ID token verifier are built once on first use, so
// constructing a Twitch never performs I/O.
type Twitch struct {
	cfg    config.ProviderConfig
	oauth  oauth2.Config
	client func() *http.Client
	// verifier is nil-returning when openid is not requested.
	verifier func() *oidc.IDTokenVerifier
	limiter  *rate.Limiter
}

var _ Provider = (*Twitch)(nil)

// loginRejected is the only reason a client sees for a failed ID token check.
const loginRejected = "invalid or expired login state"

// Option customizes a Twitch provider.
type Option func(*twitchOptions)

type twitchOptions struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the default client, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *twitchOptions) { o.httpClient = c }
}

// NewTwitch creates a Twitch provider from the resolved provider config.
// Missing credentials are reported on first use as configuration errors.
func NewTwitch(cfg config.ProviderConfig, opts ...Option) *Twitch {
	var o twitchOptions
	for _, opt := range opts {
		opt(&o)
	}

	endpoint := twitch.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.Timeout = timeout

	limit := rate.Inf
	if cfg.ValidateRPS > 0 {
		limit = rate.Limit(cfg.ValidateRPS)
	}
	burst := cfg.ValidateBurst
	if burst <= 0 {
		burst = 1
	}

	t := &Twitch{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: string(cfg.ClientSecret),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		limiter: rate.NewLimiter(limit, burst),
	}

	t.client = sync.OnceValue(func() *http.Client {
		if o.httpClient != nil {
			return o.httpClient
		}
		return &http.Client{Timeout: timeout}
	})

	t.verifier = sync.OnceValue(func() *oidc.IDTokenVerifier {
		if !t.wantsIDToken() || cfg.JWKSURL == "" {
			return nil
		}
		ctx := oidc.ClientContext(context.Background(), t.client())
		keys := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		return oidc.NewVerifier(cfg.Issuer, keys, &oidc.Config{ClientID: cfg.ClientID})
	})

	return t
}

func (t *Twitch) wantsIDToken() bool {
	return slices.Contains(t.cfg.Scopes, oidc.ScopeOpenID)
}

func (t *Twitch) checkConfigured() error {
	if t.cfg.ClientID == "" {
		return autherr.Configuration("oauth client id is not configured")
	}
	if t.cfg.RedirectURI == "" {
		return autherr.Configuration("oauth redirect uri is not configured")
	}
	return nil
}

// withTimeout bounds ctx by the provider timeout and installs the shared
// HTTP client for x/oauth2.
func (t *Twitch) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client())
	return context.WithTimeout(ctx, t.cfg.Timeout)
}

func (t *Twitch) AuthURL(state, nonce string) (string, error) {
	if err := t.checkConfigured(); err != nil {
		return "", err
	}
	var opts []oauth2.AuthCodeOption
	if nonce != "" && t.wantsIDToken() {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return t.oauth.AuthCodeURL(state, opts...), nil
}

func (t *Twitch) ExchangeCode(ctx context.Context, code, nonce string) (*TokenPair, error) {
	if err := t.checkConfigured(); err != nil {
		return nil, err
	}
	if t.cfg.ClientSecret == "" {
		return nil, autherr.Configuration("oauth client secret is not configured")
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	tok, err := t.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, translateError("token exchange", err)
	}

	pair := tokenPair(tok)
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if err := t.verifyIDToken(ctx, raw, nonce); err != nil {
			return nil, err
		}
		pair.IDToken = raw
	}
	return pair, nil
}

func (t *Twitch) verifyIDToken(ctx context.Context, raw, nonce string) error {
	verifier := t.verifier()
	if verifier == nil {
		return nil
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		log.LogWarnWithFields("idp", "ID token verification failed", map[string]any{
			"error": err.Error(),
		})
		return autherr.Unauthorized(loginRejected, fmt.Errorf("verify id token: %w", err))
	}
	if nonce != "" && idToken.Nonce != nonce {
		log.LogWarnWithFields("idp", "ID token nonce mismatch", nil)
		return autherr.Unauthorized(loginRejected, errors.New("id token nonce mismatch"))
	}
	return nil
}

// Refresh uses a token source seeded with an already expired token, which
// forces exactly one refresh_token grant.
func (t *Twitch) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, autherr.Validation("refresh token is required")
	}
	if t.cfg.ClientID == "" || t.cfg.ClientSecret == "" {
		return nil, autherr.Configuration("oauth client credentials are not configured")
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := t.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, translateError("token refresh", err)
	}
	return tokenPair(tok), nil
}

func (t *Twitch) Revoke(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	form := url.Values{
		"client_id": {t.cfg.ClientID},
		"token":     {accessToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client().Do(req)
	if err != nil {
		return translateError("token revocation", err)
	}
	defer ioutil.DrainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError("token revocation", resp)
	}
	return nil
}

// Validate calls the introspection endpoint, waiting on the local rate
// limiter first. Only a 200 carrying both client and user ids is valid.
func (t *Twitch) Validate(ctx context.Context, accessToken string) (*TokenInfo, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, autherr.Upstream("token validation rate limited", 0, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.ValidateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, translateError("token validation", err)
	}
	defer ioutil.DrainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("token validation", resp)
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: malformed validate response: %v", ErrInvalidToken, err)
	}
	if info.UserID == "" || info.ClientID == "" {
		return nil, fmt.Errorf("%w: validate response missing user or client id", ErrInvalidToken)
	}
	if t.cfg.ClientID != "" && info.ClientID != t.cfg.ClientID {
		log.LogWarnWithFields("idp", "Token was issued to a different client", map[string]any{
			"user_id": info.UserID,
		})
		return nil, fmt.Errorf("%w: token issued to another client", ErrInvalidToken)
	}
	return &info, nil
}

type helixUsersResponse struct {
	Data []UserInfo `json:"data"`
}

func (t *Twitch) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	endpoint, err := urlutil.JoinPath(t.cfg.APIURL, "users")
	if err != nil {
		return nil, autherr.Configuration("invalid provider api url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build users request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", t.cfg.ClientID)

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, translateError("user lookup", err)
	}
	defer ioutil.DrainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("user lookup", resp)
	}

	var users helixUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, autherr.Upstream("user lookup returned malformed body", resp.StatusCode, "", err)
	}
	if len(users.Data) == 0 || users.Data[0].ProviderID == "" {
		return nil, autherr.Upstream("user lookup returned no user", resp.StatusCode, "", nil)
	}
	return &users.Data[0], nil
}

func tokenPair(tok *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now(),
		ExpiresIn:    tok.ExpiresIn,
	}
	if pair.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		pair.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return pair
}
