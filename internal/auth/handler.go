package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// SessionResponse is the principal snapshot handed to clients at session start.
type SessionResponse struct {
	State        rbac.SessionState        `json:"state"`
	Principal    *rbac.Principal          `json:"principal,omitempty"`
	Capabilities map[rbac.Capability]bool `json:"capabilities"`
	CSRFToken    string                   `json:"csrf_token"`
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	sessions   *shared.SessionManager
	csrf       *shared.CSRFManager
	validate   *validator.Validate
	principals rbac.PrincipalLoader
	rbac       rbac.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, validate *validator.Validate, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		sessions:   sessions,
		csrf:       csrf,
		validate:   validate,
		principals: rbacMW.Loader,
		rbac:       rbacMW,
	}
}

// MountRoutes registers auth routes on the API router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/session", h.showSession)
	r.With(h.rbac.RequireAuthenticated).Get("/me", h.showPrincipal)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, errors.New("session missing"))
		return
	}
	var req loginRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("email", req.Email))
		httpx.RespondError(w, shared.Errorf(shared.ErrUnauthenticated, "invalid email or password"))
		return
	}
	principal, err := h.principals.LoadPrincipal(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("load principal after login", slog.Int64("user_id", user.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	sess.Regenerate()
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	token, err := h.csrf.EnsureToken(sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RegisterSession(r.Context(), LoginSession{
		ID:        sess.ID,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(h.sessions.TTL()),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	httpx.JSON(w, http.StatusOK, snapshot(rbac.Authenticated(principal), token))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessions.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

// showSession always answers 200 so an anonymous client can obtain the CSRF
// token it needs to log in.
func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrf.EnsureToken(sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	state := rbac.SessionFrom(r.Context())
	if state.State != rbac.SessionAuthenticated {
		state = rbac.Anonymous()
	}
	httpx.JSON(w, http.StatusOK, snapshot(state, token))
}

func (h *Handler) showPrincipal(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, rbac.SessionFrom(r.Context()).Principal)
}

func snapshot(s rbac.Session, csrfToken string) SessionResponse {
	return SessionResponse{
		State:        s.State,
		Principal:    s.Principal,
		Capabilities: s.Authorizer().Capabilities(),
		CSRFToken:    csrfToken,
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
