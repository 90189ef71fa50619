package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/dgellow/gatekeep/internal/config"
)

// FakeUser is a Twitch account known to FakeTwitch.
type FakeUser struct {
	ID          string
	Login       string
	DisplayName string
	Email       string
}

// FakeTwitch is an httptest server speaking the subset of the Twitch
// OAuth2 and Helix APIs that gatekeep uses. Codes are single use and
// refresh tokens rotate, as on the real service.
type FakeTwitch struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string

	mu      sync.Mutex
	codes   map[string]fakeGrant
	access  map[string]FakeUser
	refresh map[string]FakeUser
	calls   map[string]int
	fail    map[string]fakeFailure
	delay   time.Duration
	seq     int
	// approve is the user the authorize endpoint signs in, if any.
	approve *FakeUser

	idKey *rsa.PrivateKey
}

type fakeGrant struct {
	user  FakeUser
	nonce string
}

type fakeFailure struct {
	status int
	body   string
}

const (
	PathAuthorize = "/oauth2/authorize"
	PathToken     = "/oauth2/token"
	PathRevoke    = "/oauth2/revoke"
	PathValidate  = "/oauth2/validate"
	PathKeys      = "/oauth2/keys"
	PathUsers     = "/helix/users"
)

// NewFakeTwitch starts a fake provider that is closed with the test.
func NewFakeTwitch(t *testing.T) *FakeTwitch {
	t.Helper()
	f := &FakeTwitch{
		ClientID:     "fake-client-id",
		ClientSecret: "fake-client-secret",
		codes:        make(map[string]fakeGrant),
		access:       make(map[string]FakeUser),
		refresh:      make(map[string]FakeUser),
		calls:        make(map[string]int),
		fail:         make(map[string]fakeFailure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathAuthorize, f.handleAuthorize)
	mux.HandleFunc("POST "+PathToken, f.handleToken)
	mux.HandleFunc("POST "+PathRevoke, f.handleRevoke)
	mux.HandleFunc("GET "+PathValidate, f.handleValidate)
	mux.HandleFunc("GET "+PathKeys, f.handleKeys)
	mux.HandleFunc("GET "+PathUsers, f.handleUsers)

	f.Server = httptest.NewServer(f.intercept(mux))
	t.Cleanup(f.Server.Close)
	return f
}

// ProviderConfig returns a provider config pointing at the fake.
func (f *FakeTwitch) ProviderConfig(redirectURI string) config.ProviderConfig {
	scopes := []string{"user:read:email"}
	if f.idKey != nil {
		scopes = append(scopes, "openid")
	}
	return config.ProviderConfig{
		ClientID:     f.ClientID,
		ClientSecret: config.Secret(f.ClientSecret),
		RedirectURI:  redirectURI,
		Scopes:       scopes,
		AuthURL:      f.Server.URL + PathAuthorize,
		TokenURL:     f.Server.URL + PathToken,
		RevokeURL:    f.Server.URL + PathRevoke,
		ValidateURL:  f.Server.URL + PathValidate,
		APIURL:       f.Server.URL + "/helix",
		Issuer:       f.Server.URL + "/oauth2",
		JWKSURL:      f.Server.URL + PathKeys,
		Timeout:      2 * time.Second,
	}
}

// EnableIDTokens makes the token endpoint return RS256 ID tokens, served
// with a matching JWKS.
func (f *FakeTwitch) EnableIDTokens(t *testing.T) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	f.mu.Lock()
	f.idKey = key
	f.mu.Unlock()
}

// AddCode registers an authorization code for user. nonce is echoed in
// the ID token when ID tokens are enabled.
func (f *FakeTwitch) AddCode(code string, user FakeUser, nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = fakeGrant{user: user, nonce: nonce}
}

// ApproveAs makes the authorize endpoint consent as user and redirect
// back with a fresh code, like a browser that is already signed in.
func (f *FakeTwitch) ApproveAs(user FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approve = &user
}

// IssueTokens mints a token pair for user directly.
func (f *FakeTwitch) IssueTokens(user FakeUser) (accessToken, refreshToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintLocked(user)
}

// FailNext makes the next request to path answer with status and body.
func (f *FakeTwitch) FailNext(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = fakeFailure{status: status, body: body}
}

// SetDelay delays every response, for timeout tests.
func (f *FakeTwitch) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many requests reached path.
func (f *FakeTwitch) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// IsAccessTokenActive reports whether the access token is still known.
func (f *FakeTwitch) IsAccessTokenActive(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.access[token]
	return ok
}

func (f *FakeTwitch) mintLocked(user FakeUser) (string, string) {
	f.seq++
	access := fmt.Sprintf("access-%s-%d", user.ID, f.seq)
	refresh := fmt.Sprintf("refresh-%s-%d", user.ID, f.seq)
	f.access[access] = user
	f.refresh[refresh] = user
	return access, refresh
}

func (f *FakeTwitch) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		failure, failing := f.fail[r.URL.Path]
		delete(f.fail, r.URL.Path)
		delay := f.delay
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if failing {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failure.status)
			_, _ = w.Write([]byte(failure.body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func twitchError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "message": message})
}

func (f *FakeTwitch) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != f.ClientID || q.Get("response_type") != "code" {
		twitchError(w, http.StatusBadRequest, "invalid client or response type")
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		twitchError(w, http.StatusBadRequest, "invalid redirect uri")
		return
	}

	f.mu.Lock()
	user := f.approve
	var code string
	if user != nil {
		f.seq++
		code = fmt.Sprintf("code-%s-%d", user.ID, f.seq)
		f.codes[code] = fakeGrant{user: *user, nonce: q.Get("nonce")}
	}
	f.mu.Unlock()

	back := redirect.Query()
	back.Set("state", q.Get("state"))
	if user == nil {
		back.Set("error", "access_denied")
		back.Set("error_description", "The user denied you access")
	} else {
		back.Set("code", code)
	}
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (f *FakeTwitch) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		twitchError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if r.PostForm.Get("client_id") != f.ClientID || r.PostForm.Get("client_secret") != f.ClientSecret {
		twitchError(w, http.StatusForbidden, "invalid client secret")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		user  FakeUser
		nonce string
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		grant, ok := f.codes[r.PostForm.Get("code")]
		if !ok {
			twitchError(w, http.StatusBadRequest, "Invalid authorization code")
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		user, nonce = grant.user, grant.nonce
	case "refresh_token":
		u, ok := f.refresh[r.PostForm.Get("refresh_token")]
		if !ok {
			twitchError(w, http.StatusBadRequest, "Invalid refresh token")
			return
		}
		delete(f.refresh, r.PostForm.Get("refresh_token"))
		user = u
	default:
		twitchError(w, http.StatusBadRequest, "unsupported grant type")
		return
	}

	access, refresh := f.mintLocked(user)
	resp := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    14400,
		"scope":         []string{"user:read:email"},
		"token_type":    "bearer",
	}
	if f.idKey != nil && r.PostForm.Get("grant_type") == "authorization_code" {
		idToken, err := f.signIDToken(user, nonce)
		if err != nil {
			twitchError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeTwitch) signIDToken(user FakeUser, nonce string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: f.idKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "fake-key"),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := map[string]any{
		"iss":                f.Server.URL + "/oauth2",
		"sub":                user.ID,
		"aud":                f.ClientID,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"preferred_username": user.Login,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func (f *FakeTwitch) handleKeys(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	key := f.idKey
	f.mu.Unlock()

	set := jose.JSONWebKeySet{}
	if key != nil {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     "fake-key",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	writeJSON(w, http.StatusOK, set)
}

func (f *FakeTwitch) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") != f.ClientID {
		twitchError(w, http.StatusBadRequest, "missing client id")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	token := r.PostForm.Get("token")
	if _, ok := f.access[token]; !ok {
		twitchError(w, http.StatusBadRequest, "Invalid token")
		return
	}
	delete(f.access, token)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeTwitch) handleValidate(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "OAuth ")
	f.mu.Lock()
	user, known := f.access[token]
	f.mu.Unlock()

	if !ok || !known {
		twitchError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":  f.ClientID,
		"login":      user.Login,
		"scopes":     []string{"user:read:email"},
		"user_id":    user.ID,
		"expires_in": 14400,
	})
}

func (f *FakeTwitch) handleUsers(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if r.Header.Get("Client-Id") != f.ClientID {
		twitchError(w, http.StatusUnauthorized, "Client ID and OAuth token do not match")
		return
	}
	f.mu.Lock()
	user, known := f.access[token]
	f.mu.Unlock()

	if !ok || !known {
		twitchError(w, http.StatusUnauthorized, "Invalid OAuth token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{{
			"id":                user.ID,
			"login":             user.Login,
			"display_name":      user.DisplayName,
			"email":             user.Email,
			"profile_image_url": "https://static-cdn.example/" + user.Login + ".png",
		}},
	})
}
