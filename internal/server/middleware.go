package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/gatekeep/internal/cookie"
	jsonwriter "github.com/dgellow/gatekeep/internal/json"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/session"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions. The last one is
// the outermost.
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware adds CORS headers to responses
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Credentials are only allowed for listed origins
			if origin != "" && allowedMap[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			} else if len(allowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// NewLoggerMiddleware logs each request and tags its context with a
// request id, taken from the client when present.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := log.WithRequestID(r.Context(), requestID)

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			// Query strings are omitted: the callback carries the authorization code.
			log.LogInfoCtx(ctx, prefix, "request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorCtx(r.Context(), prefix, "Recovered from panic", map[string]any{
						"panic": err,
						"path":  r.URL.Path,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RouteGuardConfig lists the paths the guard acts on.
type RouteGuardConfig struct {
	LoginPath         string
	LandingPath       string
	ProtectedPrefixes []string
}

// NewRouteGuard redirects anonymous visitors of protected paths to the
// login page, and signed-in visitors of the login page to the landing
// page. It never refreshes: an expired session counts as no session.
// When a session is valid its identity is attached to the request context.
func NewRouteGuard(cfg RouteGuardConfig, sessions cookie.SessionStore, validator *session.Validator) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			isLogin := path == cfg.LoginPath
			isProtected := false
			for _, prefix := range cfg.ProtectedPrefixes {
				if pathHasPrefix(path, prefix) {
					isProtected = true
					break
				}
			}

			if !isLogin && !isProtected {
				next.ServeHTTP(w, r)
				return
			}

			id, ok := identityFromSession(r, sessions, validator)
			switch {
			case isProtected && !ok:
				target := cfg.LoginPath + "?return_to=" + url.QueryEscape(r.URL.RequestURI())
				log.LogDebugCtx(r.Context(), "guard", "Redirecting anonymous request to login", map[string]any{
					"path": path,
				})
				http.Redirect(w, r, target, http.StatusFound)
			case isLogin && ok:
				http.Redirect(w, r, cfg.LandingPath, http.StatusFound)
			case ok:
				next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// identityFromSession validates the cookie session, preferring the
// internal session token over a provider round trip.
func identityFromSession(r *http.Request, sessions cookie.SessionStore, validator *session.Validator) (session.Identity, bool) {
	if id, ok := session.IdentityFromContext(r.Context()); ok {
		return id, true
	}
	sess := sessions.Load(r)
	if tok := strings.TrimSpace(sess.SessionToken); tok != "" {
		if res := validator.ValidateSessionToken(r.Context(), tok); res.Valid {
			return res.Identity, true
		}
	}
	if tok := strings.TrimSpace(sess.AccessToken); tok != "" {
		if res := validator.ValidateProviderToken(r.Context(), tok); res.Valid {
			return res.Identity, true
		}
	}
	return session.Identity{}, false
}
