package rbac

import (
	"net/http"
	"slices"
	"strings"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Guard  *auth.Guard
	Policy auth.Policy
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	if len(normalized) == 0 {
		return m.require(auth.Requirement{})
	}
	allowDefault := m.Guard.Provider().Config().AllowDefault
	return m.require(auth.Requirement{Predicates: []auth.Predicate{func(u *auth.User) bool {
		access := u.ACL(allowDefault)
		for _, p := range normalized {
			if access.HasPermission(p) {
				return true
			}
		}
		return false
	}}})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(auth.Requirement{Permissions: normalizePermissions(perms)})
}

// RequireRole ensures the current user holds one of roles.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return m.require(auth.Requirement{Roles: roles})
}

func (m Middleware) require(req auth.Requirement) func(http.Handler) http.Handler {
	return m.Guard.RequireAuth(auth.AuthOptions{Requirement: req, Policy: m.Policy})
}

// normalizePermissions trims, sorts and de-duplicates keys, dropping blanks.
func normalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
