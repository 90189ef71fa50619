package cookie

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/envutil"
	"github.com/dgellow/gatekeep/internal/log"
)

// Cookie names used by gatekeep
const (
	StateCookie   = "gk_state"
	SessionCookie = "gk_session"
	AccessCookie  = "gk_access"
	RefreshCookie = "gk_refresh"
)

// Session is the browser-held credential set. SessionToken is the internal
// JWT; the provider pair rides alongside so the session can be refreshed.
type Session struct {
	SessionToken string
	AccessToken  string
	RefreshToken string
	// ExpiresAt is when the provider access token expires.
	ExpiresAt time.Time
}

// Empty reports whether no credential was found.
func (s Session) Empty() bool {
	return s.SessionToken == "" && s.AccessToken == "" && s.RefreshToken == ""
}

// SessionStore persists sessions across requests.
type SessionStore interface {
	Load(r *http.Request) Session
	Persist(w http.ResponseWriter, s Session)
	Clear(w http.ResponseWriter)
}

// Store keeps sessions in HttpOnly cookies. All cookies must be written
// before the response status.
type Store struct {
	sameSite   http.SameSite
	secure     bool
	statePath  string
	stateTTL   time.Duration
	sessionTTL time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

var _ SessionStore = (*Store)(nil)

// NewStore creates a cookie store. statePath scopes the state cookie,
// normally the OAuth callback path.
func NewStore(cfg config.SessionConfig, statePath string) *Store {
	sameSite := http.SameSiteLaxMode
	if strings.EqualFold(cfg.SameSite, "strict") {
		sameSite = http.SameSiteStrictMode
	}
	if statePath == "" {
		statePath = "/"
	}
	return &Store{
		sameSite:   sameSite,
		secure:     !envutil.IsDev(),
		statePath:  statePath,
		stateTTL:   cfg.StateTTL,
		sessionTTL: cfg.TokenTTL,
		refreshTTL: cfg.RefreshCookieTTL,
		now:        time.Now,
	}
}

func (s *Store) set(w http.ResponseWriter, name, value, path string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
		MaxAge:   int(maxAge.Seconds()),
	})
}

func (s *Store) clear(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
		MaxAge:   -1,
	})
}

// Load reads the session cookies. Missing cookies leave fields empty.
func (s *Store) Load(r *http.Request) Session {
	return Session{
		SessionToken: Get(r, SessionCookie),
		AccessToken:  Get(r, AccessCookie),
		RefreshToken: Get(r, RefreshCookie),
	}
}

// Persist writes the non-empty parts of sess. The access cookie lives
// until the provider token expires.
func (s *Store) Persist(w http.ResponseWriter, sess Session) {
	if sess.SessionToken != "" {
		s.set(w, SessionCookie, sess.SessionToken, "/", s.sessionTTL)
	}
	if sess.AccessToken != "" {
		ttl := s.sessionTTL
		if !sess.ExpiresAt.IsZero() {
			ttl = sess.ExpiresAt.Sub(s.now())
		}
		if ttl > 0 {
			s.set(w, AccessCookie, sess.AccessToken, "/", ttl)
		}
	}
	if sess.RefreshToken != "" {
		s.set(w, RefreshCookie, sess.RefreshToken, "/", s.refreshTTL)
	}

	log.LogTraceWithFields("cookie", "Session cookies set", map[string]any{
		"secure":   s.secure,
		"sameSite": s.sameSite,
	})
}

// Clear expires every session cookie, including the state cookie.
func (s *Store) Clear(w http.ResponseWriter) {
	s.clear(w, SessionCookie, "/")
	s.clear(w, AccessCookie, "/")
	s.clear(w, RefreshCookie, "/")
	s.ClearState(w)
	log.LogTraceWithFields("cookie", "Session cookies cleared", nil)
}

// SetState stores the signed authorization state for the callback.
func (s *Store) SetState(w http.ResponseWriter, value string) {
	s.set(w, StateCookie, value, s.statePath, s.stateTTL)
}

// State returns the signed authorization state, or "".
func (s *Store) State(r *http.Request) string {
	return Get(r, StateCookie)
}

func (s *Store) ClearState(w http.ResponseWriter) {
	s.clear(w, StateCookie, s.statePath)
}

// Get retrieves a cookie value from the request, or "" if absent.
func Get(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
