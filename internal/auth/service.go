package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/revocation"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/sessiontoken"
	"github.com/dgellow/gatekeep/internal/storage"
	"github.com/dgellow/gatekeep/internal/urlutil"
)

// AuthState is carried in the signed state cookie across the provider
// round trip.
type AuthState struct {
	Nonce    string    `json:"nonce"`
	ReturnTo string    `json:"return_to"`
	IssuedAt time.Time `json:"issued_at"`
}

// Service runs the login, refresh and logout flows against the provider.
type Service struct {
	provider    idp.Provider
	profiles    storage.ProfileStore
	tokens      *sessiontoken.Signer
	resolver    *rbac.Resolver
	denyList    revocation.DenyList
	stateSigner crypto.TokenSigner
	landingPath string
}

// NewService creates the auth service. The state signing key is derived
// from the session secret so it never equals the JWT key.
func NewService(
	cfg config.SessionConfig,
	provider idp.Provider,
	profiles storage.ProfileStore,
	tokens *sessiontoken.Signer,
	resolver *rbac.Resolver,
	denyList revocation.DenyList,
) (*Service, error) {
	key, err := crypto.DeriveKey([]byte(cfg.SigningSecret), crypto.PurposeAuthState)
	if err != nil {
		return nil, fmt.Errorf("failed to derive state key: %w", err)
	}
	if denyList == nil {
		denyList = revocation.Noop{}
	}
	landing := cfg.LandingPath
	if landing == "" {
		landing = "/"
	}
	return &Service{
		provider:    provider,
		profiles:    profiles,
		tokens:      tokens,
		resolver:    resolver,
		denyList:    denyList,
		stateSigner: crypto.NewTokenSigner(key, cfg.StateTTL),
		landingPath: landing,
	}, nil
}

// LoginStart is what the login handler needs to redirect the browser.
type LoginStart struct {
	AuthURL string
	// StateCookie is the signed AuthState for the state cookie.
	StateCookie string
	ReturnTo    string
}

// BeginLogin creates a fresh nonce, binds it with returnTo into a signed
// state and builds the provider authorization URL. Unsafe return targets
// are replaced by the landing path.
func (s *Service) BeginLogin(returnTo string) (*LoginStart, error) {
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, autherr.Internal("failed to generate state nonce", err)
	}

	st := AuthState{
		Nonce:    nonce,
		ReturnTo: SafeReturnTo(returnTo, s.landingPath),
		IssuedAt: time.Now().UTC(),
	}
	signed, err := s.stateSigner.Sign(st)
	if err != nil {
		return nil, autherr.Internal("failed to sign state", err)
	}

	authURL, err := s.provider.AuthURL(nonce, nonce)
	if err != nil {
		return nil, err
	}

	log.LogDebugWithFields("auth", "Starting login", map[string]any{
		"returnTo": st.ReturnTo,
	})
	return &LoginStart{AuthURL: authURL, StateCookie: signed, ReturnTo: st.ReturnTo}, nil
}

// CallbackInput is the provider redirect plus the state cookie.
type CallbackInput struct {
	Code             string
	State            string
	StateCookie      string
	Error            string
	ErrorDescription string
}

// LoginResult is a completed login.
type LoginResult struct {
	Tokens         *idp.TokenPair
	SessionToken   string
	SessionClaims  *sessiontoken.Claims
	Profile        *storage.Profile
	User           *idp.UserInfo
	ProfileCreated bool
	ReturnTo       string
}

// CompleteLogin verifies the state, exchanges the code and establishes
// the local profile and session token.
func (s *Service) CompleteLogin(ctx context.Context, in CallbackInput) (*LoginResult, error) {
	if in.Error != "" {
		log.LogWarnWithFields("auth", "Provider returned an authorization error", map[string]any{
			"error":       in.Error,
			"description": in.ErrorDescription,
		})
		return nil, autherr.Unauthorized("authorization was denied", fmt.Errorf("provider error: %s", in.Error))
	}

	st, err := s.verifyState(in.State, in.StateCookie)
	if err != nil {
		return nil, err
	}

	if in.Code == "" {
		return nil, autherr.Validation("missing authorization code")
	}

	pair, err := s.provider.ExchangeCode(ctx, in.Code, st.Nonce)
	if err != nil {
		log.LogErrorWithFields("auth", "Code exchange failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	user, err := s.provider.UserInfo(ctx, pair.AccessToken)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to fetch provider profile", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.Login
	}
	profile, created, err := s.profiles.EnsureProfile(ctx, user.ProviderID, displayName)
	if err != nil {
		return nil, autherr.Internal("failed to store profile", err)
	}

	r := s.resolver.Resolve(ctx, session.Identity{Subject: profile.ID, Flavor: session.FlavorSession})
	token, claims, err := s.tokens.Issue(profile.ID, r)
	if err != nil {
		return nil, autherr.Internal("failed to issue session token", err)
	}

	log.LogInfoWithFields("auth", "Login completed", map[string]any{
		"profile":  profile.ID,
		"provider": profile.ProviderID,
		"created":  created,
		"role":     string(r),
	})

	return &LoginResult{
		Tokens:         pair,
		SessionToken:   token,
		SessionClaims:  claims,
		Profile:        profile,
		User:           user,
		ProfileCreated: created,
		ReturnTo:       st.ReturnTo,
	}, nil
}

func (s *Service) verifyState(queryState, cookie string) (*AuthState, error) {
	if queryState == "" || cookie == "" {
		return nil, autherr.Unauthorized("invalid or expired login state", nil)
	}

	var st AuthState
	if err := s.stateSigner.Verify(cookie, &st); err != nil {
		return nil, autherr.Unauthorized("invalid or expired login state", err)
	}
	if st.Nonce == "" || !crypto.EqualStrings(st.Nonce, queryState) {
		return nil, autherr.Unauthorized("invalid or expired login state", fmt.Errorf("state mismatch"))
	}
	return &st, nil
}

// RefreshResult carries the rotated provider pair and, when the owner is
// known locally, a re-issued session token.
type RefreshResult struct {
	Tokens        *idp.TokenPair
	SessionToken  string
	SessionClaims *sessiontoken.Claims
}

// Refresh exchanges refreshToken exactly once. A provider rejection marks
// the error as requiring re-authentication; the consumed token must not be
// retried.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, autherr.Validation("refresh_token is required")
	}

	pair, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if e, ok := autherr.As(err); ok && e.Kind == autherr.KindUpstream && e.Status >= 400 && e.Status < 500 {
			e.ReauthRequired = true
		}
		log.LogWarnWithFields("auth", "Token refresh failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	res := &RefreshResult{Tokens: pair}
	token, claims, err := s.reissue(ctx, pair.AccessToken)
	if err != nil {
		log.LogWarnWithFields("auth", "Refreshed without a session token", map[string]any{
			"error": err.Error(),
		})
	} else {
		res.SessionToken, res.SessionClaims = token, claims
	}
	return res, nil
}

// reissue mints a session token for the owner of a fresh access token,
// re-reading the role from storage.
func (s *Service) reissue(ctx context.Context, accessToken string) (string, *sessiontoken.Claims, error) {
	info, err := s.provider.Validate(ctx, accessToken)
	if err != nil {
		return "", nil, fmt.Errorf("validate refreshed token: %w", err)
	}
	profile, err := s.profiles.GetProfileByProviderID(ctx, info.UserID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup profile: %w", err)
	}
	r := s.resolver.Resolve(ctx, session.Identity{Subject: profile.ID, Flavor: session.FlavorSession})
	return s.tokens.Issue(profile.ID, r)
}

// LogoutInput is whatever credentials the client still holds.
type LogoutInput struct {
	AccessToken  string
	SessionToken string
}

// LogoutResult reports what was actually invalidated.
type LogoutResult struct {
	ProviderRevoked bool
	SessionRevoked  bool
}

// Logout revokes what it can and never fails. Upstream revocation is best
// effort; a verifiable session token is deny-listed until it expires.
func (s *Service) Logout(ctx context.Context, in LogoutInput) LogoutResult {
	var res LogoutResult

	if in.AccessToken != "" {
		if err := s.provider.Revoke(ctx, in.AccessToken); err != nil {
			log.LogWarnWithFields("auth", "Provider token revocation failed", map[string]any{
				"error": err.Error(),
			})
		} else {
			res.ProviderRevoked = true
		}
	}

	if in.SessionToken != "" {
		claims, err := s.tokens.Verify(in.SessionToken)
		if err == nil && claims.ExpiresAt != nil {
			if err := s.denyList.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				log.LogErrorWithFields("auth", "Failed to deny-list session token", map[string]any{
					"subject": claims.Subject,
					"error":   err.Error(),
				})
			} else {
				res.SessionRevoked = true
				log.LogInfoWithFields("auth", "Session revoked", map[string]any{
					"subject": claims.Subject,
				})
			}
		}
	}

	return res
}

// SafeReturnTo returns target if it is a local absolute path, otherwise
// fallback.
func SafeReturnTo(target, fallback string) string {
	if !urlutil.IsLocalPath(target) {
		return fallback
	}
	return target
}
