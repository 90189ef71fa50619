package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dgellow/gatekeep/internal/auth"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/cookie"
	jsonwriter "github.com/dgellow/gatekeep/internal/json"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

// AuthHandlers serves the login, session and verification endpoints.
type AuthHandlers struct {
	auth      *auth.Service
	validator *session.Validator
	sessions  *cookie.Store
	metrics   *metrics.Metrics
	loginPath string
}

func NewAuthHandlers(
	authService *auth.Service,
	validator *session.Validator,
	sessions *cookie.Store,
	m *metrics.Metrics,
	loginPath string,
) *AuthHandlers {
	return &AuthHandlers{
		auth:      authService,
		validator: validator,
		sessions:  sessions,
		metrics:   m,
		loginPath: loginPath,
	}
}

// outcome maps an error to a metrics outcome label.
func outcome(err error) string {
	e, ok := autherr.As(err)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case !ok:
		return metrics.OutcomeFailure
	case e.ReauthRequired:
		return metrics.OutcomeReauth
	case e.Kind == autherr.KindUpstream:
		return metrics.OutcomeUpstream
	case e.Kind == autherr.KindForbidden || e.Kind == autherr.KindUnauthorized:
		return metrics.OutcomeDenied
	case e.Kind == autherr.KindValidation:
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeFailure
	}
}

// LoginHandler starts the authorization code flow.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	start, err := h.auth.BeginLogin(r.URL.Query().Get("return_to"))
	h.metrics.AuthEvent(metrics.EventLogin, outcome(err))
	if err != nil {
		log.LogErrorCtx(r.Context(), "auth", "Failed to start login", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteAuthError(w, err)
		return
	}

	h.sessions.SetState(w, start.StateCookie)
	http.Redirect(w, r, start.AuthURL, http.StatusFound)
}

type callbackResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	ExpiresIn    int64            `json:"expires_in"`
	SessionToken string           `json:"session_token"`
	Profile      *storage.Profile `json:"profile"`
}

// CallbackHandler completes the flow. The state cookie is consumed on
// every outcome.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := auth.CallbackInput{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		StateCookie:      h.sessions.State(r),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	h.sessions.ClearState(w)

	res, err := h.auth.CompleteLogin(r.Context(), in)
	h.metrics.AuthEvent(metrics.EventCallback, outcome(err))
	if err != nil {
		jsonwriter.WriteAuthError(w, err)
		return
	}

	h.sessions.Persist(w, cookie.Session{
		SessionToken: res.SessionToken,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt(),
	})

	if wantsJSON(r) {
		_ = jsonwriter.Write(w, callbackResponse{
			AccessToken:  res.Tokens.AccessToken,
			RefreshToken: res.Tokens.RefreshToken,
			ExpiresIn:    res.Tokens.ExpiresIn,
			SessionToken: res.SessionToken,
			Profile:      res.Profile,
		})
		return
	}
	http.Redirect(w, r, res.ReturnTo, http.StatusFound)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionToken string `json:"session_token,omitempty"`
}

// decodeOptionalJSON decodes a JSON body if there is one.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// RefreshHandler rotates the provider token pair. The refresh token comes
// from the body, falling back to the refresh cookie.
func (h *AuthHandlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.metrics.AuthEvent(metrics.EventRefresh, metrics.OutcomeMalformed)
		jsonwriter.WriteBadRequest(w, "request body must be JSON")
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = h.sessions.Load(r).RefreshToken
	}

	res, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	h.metrics.AuthEvent(metrics.EventRefresh, outcome(err))
	if err != nil {
		status, resp := jsonwriter.ErrorResponseFor(err)
		if resp.Reauth {
			resp.Login = h.loginPath
			h.sessions.Clear(w)
		}
		jsonwriter.WriteErrorResponse(w, status, resp)
		return
	}

	h.sessions.Persist(w, cookie.Session{
		SessionToken: res.SessionToken,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt(),
	})
	_ = jsonwriter.Write(w, refreshResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresIn:    res.Tokens.ExpiresIn,
		SessionToken: res.SessionToken,
	})
}

// LogoutHandler revokes what it can, clears every session cookie and
// always reports success.
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Load(r)
	in := auth.LogoutInput{
		AccessToken:  sess.AccessToken,
		SessionToken: sess.SessionToken,
	}
	if in.SessionToken == "" {
		in.SessionToken = bearerToken(r)
	}

	h.auth.Logout(r.Context(), in)
	h.metrics.AuthEvent(metrics.EventLogout, metrics.OutcomeSuccess)

	h.sessions.Clear(w)
	_ = jsonwriter.Write(w, map[string]bool{"ok": true})
}

type verifyResponse struct {
	Valid     bool       `json:"valid"`
	Subject   string     `json:"subject,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// VerifyHandler checks a bearer credential of either flavor.
func (h *AuthHandlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	res := h.validator.Validate(r.Context(), bearerToken(r))
	if !res.Valid {
		h.metrics.AuthEvent(metrics.EventVerify, metrics.OutcomeDenied)
		_ = jsonwriter.WriteResponse(w, http.StatusUnauthorized, verifyResponse{Valid: false})
		return
	}

	h.metrics.AuthEvent(metrics.EventVerify, metrics.OutcomeSuccess)
	resp := verifyResponse{
		Valid:   true,
		Subject: res.Identity.Subject,
		Kind:    res.Identity.Flavor.String(),
	}
	if !res.Identity.ExpiresAt.IsZero() {
		exp := res.Identity.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	_ = jsonwriter.Write(w, resp)
}
