// Package acl resolves the effective permissions of a subject from its
// ordered role memberships and explicit per-user overrides.
package acl

// Grant is a single permission value attached to a role or a user.
type Grant struct {
	Key   string
	Name  string
	Value bool
}

// RoleGrant is a role membership with the grants it carries, in stored order.
type RoleGrant struct {
	Key    string
	Grants []Grant
}

// Subject is anything whose access can be resolved.
type Subject interface {
	RoleGrants() []RoleGrant
	PermissionOverrides() []Grant
}

// Permission is a resolved entry in the effective permission set.
type Permission struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Value     bool   `json:"value"`
	Inherited bool   `json:"inherited"`
}

// Option configures an Acl.
type Option func(*Acl)

// WithAllowDefault sets the answer for keys absent from the resolved set.
func WithAllowDefault(allow bool) Option {
	return func(a *Acl) {
		a.allowDefault = allow
	}
}

// Acl answers role and permission queries for one subject. The resolved
// permission set is computed once and never refreshed; build a new Acl to
// observe changes. An Acl is not safe for concurrent use.
type Acl struct {
	subject      Subject
	allowDefault bool
	permissions  map[string]Permission
}

// New builds an Acl for subject. Unknown permissions are allowed unless
// WithAllowDefault(false) is supplied.
func New(subject Subject, opts ...Option) *Acl {
	a := &Acl{subject: subject, allowDefault: true}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllowDefault reports the policy applied to unknown permission keys.
func (a *Acl) AllowDefault() bool {
	return a.allowDefault
}

// HasRole reports whether the subject holds any of the given role keys.
func (a *Acl) HasRole(keys ...string) bool {
	if a.subject == nil || len(keys) == 0 {
		return false
	}
	wanted := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}
	for _, role := range a.subject.RoleGrants() {
		if _, ok := wanted[role.Key]; ok {
			return true
		}
	}
	return false
}

// Permissions returns the effective permission set keyed by permission key.
func (a *Acl) Permissions() map[string]Permission {
	if a.permissions != nil {
		return a.permissions
	}
	resolved := make(map[string]Permission)
	if a.subject != nil {
		for _, role := range a.subject.RoleGrants() {
			for _, grant := range role.Grants {
				resolved[grant.Key] = Permission{Key: grant.Key, Name: grant.Name, Value: grant.Value, Inherited: true}
			}
		}
		for _, grant := range a.subject.PermissionOverrides() {
			resolved[grant.Key] = Permission{Key: grant.Key, Name: grant.Name, Value: grant.Value, Inherited: false}
		}
	}
	a.permissions = resolved
	return resolved
}

// HasPermission reports the effective value of key, falling back to the
// default policy when key is not resolved.
func (a *Acl) HasPermission(key string) bool {
	permission, ok := a.Permissions()[key]
	if !ok {
		return a.allowDefault
	}
	return permission.Value
}

// HasPermissions reports whether every key is granted.
func (a *Acl) HasPermissions(keys ...string) bool {
	for _, key := range keys {
		if !a.HasPermission(key) {
			return false
		}
	}
	return true
}
