package permits

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// IdempotencyHeader carries the caller's idempotency key on transitions.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the permit API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler builds a permit handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbacMW}
}

// MountRoutes registers permit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireCapability(rbac.CapViewPermits))
		r.Get("/", h.list)
		r.Get("/pending-count", h.pendingCount)
		r.Get("/{id}", h.get)
		r.Get("/{id}/actions", h.actions)
	})
	r.With(h.rbac.RequireCapability(rbac.CapCreatePermit)).Post("/", h.create)
	r.With(h.rbac.RequireCapability(rbac.CapViewStatistics)).Get("/stats", h.stats)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/actions", h.transition)
	})
}

type listResponse struct {
	Items      []Permit          `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

type actionsResponse struct {
	Permit  Permit   `json:"permit"`
	Actions []Action `json:"actions"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perPage := shared.PageFromRequest(r)
	filter := ListFilter{
		Status:   Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		WorkType: WorkType(strings.ToUpper(strings.TrimSpace(q.Get("work_type")))),
		Page:     page,
		PerPage:  perPage,
	}
	if raw := q.Get("requested_by"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, shared.Errorf(shared.ErrValidation, "requested_by must be numeric"))
			return
		}
		filter.RequestedBy = id
	}
	items, pagination, err := h.service.List(r.Context(), rbac.AuthorizerFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Pagination: pagination})
}

func (h *Handler) pendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.PendingCount(r.Context(), rbac.AuthorizerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), rbac.AuthorizerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), rbac.AuthorizerFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) actions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	p, actions, err := h.service.AvailableActions(r.Context(), rbac.AuthorizerFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, actionsResponse{Permit: p, Actions: actions})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.Bind(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Create(r.Context(), rbac.AuthorizerFrom(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := httpx.Bind(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Update(r.Context(), rbac.AuthorizerFrom(r.Context()), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), rbac.AuthorizerFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permitID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	action, err := ParseAction(string(req.Action))
	if err != nil {
		httpx.RespondError(w, shared.Errorf(shared.ErrValidation, "unknown action %q", req.Action))
		return
	}
	req.Action = action
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	p, err := h.service.Transition(r.Context(), rbac.AuthorizerFrom(r.Context()), id, req, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) permitID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Errorf(shared.ErrValidation, "invalid permit id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsTaxonomy(err) {
		h.logger.Error("permit request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
