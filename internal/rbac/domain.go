package rbac

import (
	"fmt"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// ErrInvalidInput is returned when a key, name or username is blank.
var ErrInvalidInput = fmt.Errorf("rbac: %w", shared.ErrInvalidInput)

// Grant pairs a permission key with an allow or deny value.
type Grant struct {
	Permission string
	Allow      bool
}

// RoleSeed describes a role to create during seeding.
type RoleSeed struct {
	Key    string
	Name   string
	Grants []Grant
}

// SeedData is the reference data written by Seed.
type SeedData struct {
	Permissions []auth.Permission
	Roles       []RoleSeed
}

// DefaultSeed returns the stock guest, regular and admin roles.
func DefaultSeed() SeedData {
	return SeedData{
		Permissions: []auth.Permission{
			{Key: "create", Name: "Create"},
			{Key: "read", Name: "Read"},
			{Key: "update", Name: "Update"},
			{Key: "delete", Name: "Delete"},
		},
		Roles: []RoleSeed{
			{Key: "guest", Name: "Guest", Grants: []Grant{{"read", true}}},
			{Key: "regular", Name: "Regular", Grants: []Grant{{"create", true}, {"read", true}, {"update", true}}},
			{Key: "admin", Name: "Admin", Grants: []Grant{{"create", true}, {"read", true}, {"update", true}, {"delete", true}}},
		},
	}
}

func value(allow bool) int16 {
	if allow {
		return auth.Allow
	}
	return auth.Deny
}
