package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
)

// PermissionsHandler serves the permission catalogue for the role-management surface.
type PermissionsHandler struct {
	rbac Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireCapability(CapManageRoles))
		r.Get("/", h.listPermissions)
	})
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"groups":       GroupByModule(Catalogue()),
		"capabilities": capabilityCatalogue(),
	})
}

type capabilityEntry struct {
	Capability     Capability `json:"capability"`
	PermissionKeys []string   `json:"permission_keys"`
}

func capabilityCatalogue() []capabilityEntry {
	out := make([]capabilityEntry, 0, len(capabilityOrder))
	for _, c := range capabilityOrder {
		out = append(out, capabilityEntry{Capability: c, PermissionKeys: c.PermissionKeys()})
	}
	return out
}
