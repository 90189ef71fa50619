package server

import (
	"net/http"

	"github.com/dgellow/gatekeep/internal/auth"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/moderation"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
)

// Routes configures paths that come from configuration.
type Routes struct {
	LoginPath         string
	CallbackPath      string
	LandingPath       string
	ProtectedPrefixes []string
	AllowedOrigins    []string
}

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Auth       *auth.Service
	Validator  *session.Validator
	Resolver   *rbac.Resolver
	Moderation *moderation.Service
	Profiles   storage.ProfileStore
	Sessions   *cookie.Store
	Metrics    *metrics.Metrics

	// HealthChecks are probed by /health; nil means liveness only.
	HealthChecks map[string]HealthCheck
}

// NewHandler builds the routed handler with the standard middleware stack.
func NewHandler(routes Routes, deps Deps) http.Handler {
	authHandlers := NewAuthHandlers(deps.Auth, deps.Validator, deps.Sessions, deps.Metrics, routes.LoginPath)
	accessHandlers := NewAccessHandlers(deps.Validator, deps.Resolver, deps.Moderation, deps.Profiles, deps.Sessions, deps.Metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+routes.LoginPath, authHandlers.LoginHandler)
	mux.HandleFunc("GET "+routes.CallbackPath, authHandlers.CallbackHandler)
	mux.HandleFunc("POST /session/refresh", authHandlers.RefreshHandler)
	mux.HandleFunc("POST /session/logout", authHandlers.LogoutHandler)
	mux.HandleFunc("POST /session/verify", authHandlers.VerifyHandler)

	mux.HandleFunc("POST /access/check-role", accessHandlers.CheckRoleHandler)
	mux.HandleFunc("POST /moderate", accessHandlers.ModerateHandler)
	mux.HandleFunc("GET /moderate/pending", accessHandlers.PendingHandler)
	mux.HandleFunc("GET /dashboard", accessHandlers.DashboardHandler)
	mux.HandleFunc("GET /profile", accessHandlers.ProfileHandler)

	mux.Handle("GET /health", NewHealthHandler(deps.HealthChecks))
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	guard := NewRouteGuard(RouteGuardConfig{
		LoginPath:         routes.LoginPath,
		LandingPath:       routes.LandingPath,
		ProtectedPrefixes: routes.ProtectedPrefixes,
	}, deps.Sessions, deps.Validator)

	return ChainMiddleware(mux,
		deps.Metrics.Instrument,
		guard,
		NewCORSMiddleware(routes.AllowedOrigins),
		NewLoggerMiddleware("http"),
		NewRecoverMiddleware("http"),
	)
}
