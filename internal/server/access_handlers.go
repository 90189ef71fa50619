package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/cookie"
	jsonwriter "github.com/dgellow/gatekeep/internal/json"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/moderation"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
)

// AccessHandlers serves role checks, moderation and the protected pages.
type AccessHandlers struct {
	validator  *session.Validator
	resolver   *rbac.Resolver
	moderation *moderation.Service
	profiles   storage.ProfileStore
	sessions   cookie.SessionStore
	metrics    *metrics.Metrics
}

func NewAccessHandlers(
	validator *session.Validator,
	resolver *rbac.Resolver,
	mod *moderation.Service,
	profiles storage.ProfileStore,
	sessions cookie.SessionStore,
	m *metrics.Metrics,
) *AccessHandlers {
	return &AccessHandlers{
		validator:  validator,
		resolver:   resolver,
		moderation: mod,
		profiles:   profiles,
		sessions:   sessions,
		metrics:    m,
	}
}

type roleResponse struct {
	Role    role.Role `json:"role"`
	IsAdmin bool      `json:"isAdmin"`
}

// CheckRoleHandler reports the current role of the cookie session.
func (h *AccessHandlers) CheckRoleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromSession(r, h.sessions, h.validator)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "authentication required")
		return
	}
	current := h.resolver.Resolve(r.Context(), id)
	_ = jsonwriter.Write(w, roleResponse{Role: current, IsAdmin: current.IsAdmin()})
}

// ModerateHandler applies an admin decision to a pending entity.
func (h *AccessHandlers) ModerateHandler(w http.ResponseWriter, r *http.Request) {
	var req moderation.Request
	// A malformed body is reported after the caller is authorized.
	if err := decodeOptionalJSON(r, &req); err != nil {
		req = moderation.Request{}
	}

	entity, err := h.moderation.Moderate(r.Context(), bearerToken(r), req)
	h.metrics.AuthEvent(metrics.EventModerate, outcome(err))
	if err != nil {
		jsonwriter.WriteAuthError(w, err)
		return
	}
	_ = jsonwriter.Write(w, entity)
}

// PendingHandler lists the moderation queue.
func (h *AccessHandlers) PendingHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonwriter.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entities, err := h.moderation.Pending(r.Context(), bearerToken(r), limit)
	if err != nil {
		jsonwriter.WriteAuthError(w, err)
		return
	}
	_ = jsonwriter.Write(w, map[string]any{"entities": entities})
}

type dashboardResponse struct {
	Subject string    `json:"subject"`
	Login   string    `json:"login,omitempty"`
	Kind    string    `json:"kind"`
	Role    role.Role `json:"role"`
	IsAdmin bool      `json:"isAdmin"`
}

// DashboardHandler is the landing page for signed-in users. It relies on
// the route guard having attached an identity.
func (h *AccessHandlers) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "authentication required")
		return
	}
	current := h.resolver.Resolve(r.Context(), id)
	_ = jsonwriter.Write(w, dashboardResponse{
		Subject: id.Subject,
		Login:   id.Login,
		Kind:    id.Flavor.String(),
		Role:    current,
		IsAdmin: current.IsAdmin(),
	})
}

// ProfileHandler returns the stored profile of the signed-in user.
func (h *AccessHandlers) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "authentication required")
		return
	}

	var (
		profile *storage.Profile
		err     error
	)
	if id.Flavor == session.FlavorSession {
		profile, err = h.profiles.GetProfile(r.Context(), id.Subject)
	} else {
		profile, err = h.profiles.GetProfileByProviderID(r.Context(), id.ProviderID)
	}
	switch {
	case errors.Is(err, storage.ErrProfileNotFound):
		jsonwriter.WriteAuthError(w, autherr.NotFound("profile not found", err))
		return
	case err != nil:
		jsonwriter.WriteAuthError(w, autherr.Internal("failed to load profile", err))
		return
	}
	_ = jsonwriter.Write(w, profile)
}
