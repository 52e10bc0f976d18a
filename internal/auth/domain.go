package auth

import (
	"strings"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/acl"
)

// Permission values stored on role and user grants.
const (
	Deny  int16 = 0
	Allow int16 = 1
)

// Permission is static reference data naming an action.
type Permission struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Key       string    `gorm:"size:255;not null;uniqueIndex" json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the pluralised table name.
func (Permission) TableName() string { return "permissions" }

// Role groups permission grants under a key.
type Role struct {
	ID          uint64           `gorm:"primaryKey" json:"id"`
	Name        string           `gorm:"size:255;not null" json:"name"`
	Key         string           `gorm:"size:255;not null;uniqueIndex" json:"key"`
	Permissions []RolePermission `gorm:"constraint:OnDelete:CASCADE" json:"permissions,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// TableName overrides the pluralised table name.
func (Role) TableName() string { return "roles" }

// AddPermission grants (or denies) permission on the role. An existing grant
// for the same permission is updated in place.
func (r *Role) AddPermission(permission Permission, value int16) {
	for i := range r.Permissions {
		if r.Permissions[i].PermissionID == permission.ID && permission.ID != 0 {
			r.Permissions[i].Value = value
			r.Permissions[i].Permission = permission
			return
		}
	}
	r.Permissions = append(r.Permissions, RolePermission{RoleID: r.ID, PermissionID: permission.ID, Permission: permission, Value: value})
}

// RolePermission associates a role with a permission value.
type RolePermission struct {
	ID           uint64     `gorm:"primaryKey"`
	RoleID       uint64     `gorm:"not null;uniqueIndex:idx_role_permission"`
	PermissionID uint64     `gorm:"not null;uniqueIndex:idx_role_permission"`
	Permission   Permission `gorm:"constraint:OnDelete:CASCADE"`
	Value        int16      `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

// TableName overrides the pluralised table name.
func (RolePermission) TableName() string { return "roles_has_permissions" }

// UserPermission is an explicit per-user override.
type UserPermission struct {
	ID           uint64     `gorm:"primaryKey"`
	UserID       uint64     `gorm:"not null;uniqueIndex:idx_user_permission"`
	PermissionID uint64     `gorm:"not null;uniqueIndex:idx_user_permission"`
	Permission   Permission `gorm:"constraint:OnDelete:CASCADE"`
	Value        int16      `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

// TableName overrides the pluralised table name.
func (UserPermission) TableName() string { return "users_has_permissions" }

// UserRole is a role membership. Its ID orders the user's roles.
type UserRole struct {
	ID     uint64 `gorm:"primaryKey"`
	UserID uint64 `gorm:"not null;uniqueIndex:idx_user_role"`
	RoleID uint64 `gorm:"not null;uniqueIndex:idx_user_role"`
	Role   Role   `gorm:"constraint:OnDelete:CASCADE"`
}

// TableName overrides the pluralised table name.
func (UserRole) TableName() string { return "users_has_roles" }

// ForgottenPasswordToken authorises a single password reset.
type ForgottenPasswordToken struct {
	ID        uint64 `gorm:"primaryKey"`
	Token     string `gorm:"size:255;not null;index"`
	UserID    uint64 `gorm:"not null;index"`
	User      *User  `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// TableName overrides the pluralised table name.
func (ForgottenPasswordToken) TableName() string { return "forgotten_password_tokens" }

// User is an account that can authenticate.
type User struct {
	ID                      uint64                   `gorm:"primaryKey" json:"id"`
	Username                string                   `gorm:"size:255;not null;uniqueIndex" json:"username"`
	Email                   *string                  `gorm:"size:255;uniqueIndex" json:"email,omitempty"`
	Password                string                   `gorm:"size:255;not null" json:"-"`
	Salt                    string                   `gorm:"size:255;not null" json:"-"`
	Roles                   []UserRole               `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Permissions             []UserPermission         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ForgottenPasswordTokens []ForgottenPasswordToken `json:"-"`
	CreatedAt               time.Time                `json:"created_at"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

// TableName overrides the pluralised table name.
func (User) TableName() string { return "users" }

// EmailAddress returns the user's email or an empty string.
func (u *User) EmailAddress() string {
	if u == nil || u.Email == nil {
		return ""
	}
	return *u.Email
}

// SetEmail assigns the email address; blank clears it.
func (u *User) SetEmail(email string) {
	email = strings.TrimSpace(email)
	if email == "" {
		u.Email = nil
		return
	}
	u.Email = &email
}

// Field returns the value of a lookup column.
func (u *User) Field(name string) string {
	switch name {
	case FieldEmail:
		return u.EmailAddress()
	default:
		return u.Username
	}
}

// SetPassword stores a new hash and salt.
func (u *User) SetPassword(hash, salt string) {
	u.Password = hash
	u.Salt = salt
	u.Touch()
}

// Touch refreshes the modification time.
func (u *User) Touch() {
	u.UpdatedAt = time.Now().UTC()
}

// AddPermission sets an explicit override for permission.
func (u *User) AddPermission(permission Permission, value int16) {
	for i := range u.Permissions {
		if u.Permissions[i].PermissionID == permission.ID && permission.ID != 0 {
			u.Permissions[i].Value = value
			u.Permissions[i].Permission = permission
			return
		}
	}
	u.Permissions = append(u.Permissions, UserPermission{UserID: u.ID, PermissionID: permission.ID, Permission: permission, Value: value})
}

// AddRole appends a role membership.
func (u *User) AddRole(role Role) {
	for _, existing := range u.Roles {
		if existing.RoleID == role.ID && role.ID != 0 {
			return
		}
	}
	u.Roles = append(u.Roles, UserRole{UserID: u.ID, RoleID: role.ID, Role: role})
}

// RoleKeys lists the keys of the user's roles in membership order.
func (u *User) RoleKeys() []string {
	keys := make([]string, 0, len(u.Roles))
	for _, membership := range u.Roles {
		keys = append(keys, membership.Role.Key)
	}
	return keys
}

// RoleGrants implements acl.Subject.
func (u *User) RoleGrants() []acl.RoleGrant {
	grants := make([]acl.RoleGrant, 0, len(u.Roles))
	for _, membership := range u.Roles {
		role := acl.RoleGrant{Key: membership.Role.Key, Grants: make([]acl.Grant, 0, len(membership.Role.Permissions))}
		for _, rp := range membership.Role.Permissions {
			role.Grants = append(role.Grants, acl.Grant{Key: rp.Permission.Key, Name: rp.Permission.Name, Value: rp.Value != Deny})
		}
		grants = append(grants, role)
	}
	return grants
}

// PermissionOverrides implements acl.Subject.
func (u *User) PermissionOverrides() []acl.Grant {
	grants := make([]acl.Grant, 0, len(u.Permissions))
	for _, up := range u.Permissions {
		grants = append(grants, acl.Grant{Key: up.Permission.Key, Name: up.Permission.Name, Value: up.Value != Deny})
	}
	return grants
}

// ACL builds a fresh access-control list for the user.
func (u *User) ACL(allowDefault bool) *acl.Acl {
	return acl.New(u, acl.WithAllowDefault(allowDefault))
}

// Models lists every entity for schema migration.
func Models() []any {
	return []any{&Permission{}, &Role{}, &RolePermission{}, &User{}, &UserRole{}, &UserPermission{}, &ForgottenPasswordToken{}}
}
