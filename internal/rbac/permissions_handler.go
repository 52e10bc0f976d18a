package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatekeeper/internal/acl"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// PermissionsHandler exposes read-only role and permission listings.
type PermissionsHandler struct {
	logger       *slog.Logger
	service      *Service
	rbac         Middleware
	allowDefault bool
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, rbac Middleware) *PermissionsHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PermissionsHandler{
		logger:       logger,
		service:      service,
		rbac:         rbac,
		allowDefault: rbac.Guard.Provider().Config().AllowDefault,
	}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole("admin"))
		r.Get("/roles", h.listRoles)
		r.Get("/permissions", h.listPermissions)
		r.Get("/users/{username}/permissions", h.userPermissions)
	})
}

type roleJSON struct {
	Key    string          `json:"key"`
	Name   string          `json:"name"`
	Grants map[string]bool `json:"grants"`
}

type permissionJSON struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (h *PermissionsHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	out := make([]roleJSON, 0, len(roles))
	for _, role := range roles {
		item := roleJSON{Key: role.Key, Name: role.Name, Grants: make(map[string]bool, len(role.Permissions))}
		for _, g := range role.Permissions {
			item.Grants[g.Permission.Key] = g.Value != 0
		}
		out = append(out, item)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	out := make([]permissionJSON, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionJSON{Key: p.Key, Name: p.Name})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *PermissionsHandler) userPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.EffectivePermissions(r.Context(), chi.URLParam(r, "username"), h.allowDefault)
	if err != nil {
		h.fail(w, "user permissions", err)
		return
	}
	out := make([]acl.Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	httpx.JSON(w, http.StatusOK, out)
}

func (h *PermissionsHandler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
