package attachments

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// Handler exposes ID-proof upload and download endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler builds the attachment handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbacMW}
}

// MountRoutes registers attachment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireCapability(rbac.CapCreatePermit)).Post("/id-proofs", h.createUpload)
	r.With(h.rbac.RequireCapability(rbac.CapViewPermits)).Get("/*", h.download)
}

type uploadRequest struct {
	ContentType string `json:"content_type" validate:"required"`
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	upload, err := h.service.NewIDProofUpload(r.Context(), req.ContentType)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, upload)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.DownloadURL(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		h.fail(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if !shared.IsTaxonomy(err) {
		h.logger.Error("attachment request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
