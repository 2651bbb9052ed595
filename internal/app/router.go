package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ptw-platform/ptw/internal/attachments"
	"github.com/ptw-platform/ptw/internal/auth"
	"github.com/ptw-platform/ptw/internal/observability"
	"github.com/ptw-platform/ptw/internal/permits"
	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/roles"
	"github.com/ptw-platform/ptw/internal/shared"
	"github.com/ptw-platform/ptw/internal/users"
	"github.com/ptw-platform/ptw/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics

	AuthHandler        *auth.Handler
	PermitsHandler     *permits.Handler
	AttachmentsHandler *attachments.Handler
	RolesHandler       *roles.Handler
	UsersHandler       *users.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with PTW defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			RBAC:           params.RBACMiddleware,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)

		r.Route("/api", func(r chi.Router) {
			params.AuthHandler.MountRoutes(r)
			r.Route("/permits", params.PermitsHandler.MountRoutes)
			if params.AttachmentsHandler != nil {
				r.Route("/attachments", params.AttachmentsHandler.MountRoutes)
			}
			if params.RolesHandler != nil {
				r.Route("/roles", params.RolesHandler.MountRoutes)
			}
			if params.UsersHandler != nil {
				r.Route("/users", params.UsersHandler.MountRoutes)
			}
			if params.PermissionsHandler != nil {
				r.Route("/permissions", params.PermissionsHandler.MountRoutes)
			}
		})
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireCapability(rbac.CapViewStatistics))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	return r
}
