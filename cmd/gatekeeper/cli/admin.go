package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Exit codes returned by AdminCLI commands.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitNotFound = 2
)

// Options controls where and how command output is written.
type Options struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o Options) normalize() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// AdminService is the subset of rbac.Service used by the CLI.
type AdminService interface {
	ListRoles(ctx context.Context) ([]auth.Role, error)
	ListPermissions(ctx context.Context) ([]auth.Permission, error)
	CreateRole(ctx context.Context, key, name string) (auth.Role, error)
	CreatePermission(ctx context.Context, key, name string) (auth.Permission, error)
	GrantRolePermission(ctx context.Context, roleKey, permissionKey string, allow bool) (auth.Role, auth.Permission, error)
	CreateUser(ctx context.Context, username, email, plain string) (*auth.User, error)
	AddUserRole(ctx context.Context, username, roleKey string) (*auth.User, auth.Role, error)
	SetUserPermission(ctx context.Context, username, permissionKey string, allow bool) (*auth.User, auth.Permission, error)
	Seed(ctx context.Context, data rbac.SeedData) error
}

// AdminCLI implements the user, role and permission maintenance commands.
type AdminCLI struct {
	service AdminService
}

// NewAdminCLI constructs an AdminCLI.
func NewAdminCLI(service AdminService) (*AdminCLI, error) {
	if service == nil {
		return nil, errors.New("admin cli: service is required")
	}
	return &AdminCLI{service: service}, nil
}

// RoleSummary is the JSON shape of a role.
type RoleSummary struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Permissions map[string]bool `json:"permissions"`
}

// PermissionSummary is the JSON shape of a permission.
type PermissionSummary struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Result is the JSON shape of a mutating command.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ListRoles prints every role with its grants.
func (c *AdminCLI) ListRoles(ctx context.Context, opts Options) int {
	opts = opts.normalize()
	roles, err := c.service.ListRoles(ctx)
	if err != nil {
		return fail(opts, "role list", err)
	}
	out := make([]RoleSummary, 0, len(roles))
	for _, role := range roles {
		summary := RoleSummary{Key: role.Key, Name: role.Name, Permissions: make(map[string]bool, len(role.Permissions))}
		for _, grant := range role.Permissions {
			summary.Permissions[grant.Permission.Key] = grant.Value == auth.Allow
		}
		out = append(out, summary)
	}
	if opts.JSONOutput {
		return encode(opts, "role list", out)
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tNAME\tPERMISSIONS")
	for _, role := range out {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", role.Key, role.Name, formatGrants(role.Permissions))
	}
	_ = tw.Flush()
	return ExitOK
}

// ListPermissions prints every permission.
func (c *AdminCLI) ListPermissions(ctx context.Context, opts Options) int {
	opts = opts.normalize()
	perms, err := c.service.ListPermissions(ctx)
	if err != nil {
		return fail(opts, "permission list", err)
	}
	out := make([]PermissionSummary, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermissionSummary{Key: p.Key, Name: p.Name})
	}
	if opts.JSONOutput {
		return encode(opts, "permission list", out)
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tNAME")
	for _, p := range out {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", p.Key, p.Name)
	}
	_ = tw.Flush()
	return ExitOK
}

// AddRole creates a role.
func (c *AdminCLI) AddRole(ctx context.Context, opts Options, key, name string) int {
	opts = opts.normalize()
	role, err := c.service.CreateRole(ctx, key, name)
	if err != nil {
		return fail(opts, "role add", err)
	}
	return done(opts, fmt.Sprintf("Added role %s", role.Key))
}

// AddPermission creates a permission.
func (c *AdminCLI) AddPermission(ctx context.Context, opts Options, key, name string) int {
	opts = opts.normalize()
	perm, err := c.service.CreatePermission(ctx, key, name)
	if err != nil {
		return fail(opts, "permission add", err)
	}
	return done(opts, fmt.Sprintf("Added permission %s", perm.Key))
}

// AddPermissionToRole grants or denies permissionKey on roleKey.
func (c *AdminCLI) AddPermissionToRole(ctx context.Context, opts Options, permissionKey, roleKey string, allow bool) int {
	opts = opts.normalize()
	role, perm, err := c.service.GrantRolePermission(ctx, roleKey, permissionKey, allow)
	if err != nil {
		return fail(opts, "role add-permission", err)
	}
	return done(opts, fmt.Sprintf("Added permission %s to role %s (%s)", perm.Key, role.Key, valueLabel(allow)))
}

// CreateUser creates a user with password.
func (c *AdminCLI) CreateUser(ctx context.Context, opts Options, username, email, plain string) int {
	opts = opts.normalize()
	if plain == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "user create: password is required")
		return ExitFailure
	}
	user, err := c.service.CreateUser(ctx, username, email, plain)
	if err != nil {
		return fail(opts, "user create", err)
	}
	return done(opts, fmt.Sprintf("Created user %s", user.Username))
}

// AddRoleToUser appends roleKey to the user's roles.
func (c *AdminCLI) AddRoleToUser(ctx context.Context, opts Options, username, roleKey string) int {
	opts = opts.normalize()
	user, role, err := c.service.AddUserRole(ctx, username, roleKey)
	if err != nil {
		return fail(opts, "user add-role", err)
	}
	return done(opts, fmt.Sprintf("Added role %s to user %s", role.Key, user.Username))
}

// AddPermissionToUser sets an explicit permission override on the user.
func (c *AdminCLI) AddPermissionToUser(ctx context.Context, opts Options, username, permissionKey string, allow bool) int {
	opts = opts.normalize()
	user, perm, err := c.service.SetUserPermission(ctx, username, permissionKey, allow)
	if err != nil {
		return fail(opts, "user add-permission", err)
	}
	return done(opts, fmt.Sprintf("Added permission %s to user %s (%s)", perm.Key, user.Username, valueLabel(allow)))
}

// Seed writes the default roles and permissions.
func (c *AdminCLI) Seed(ctx context.Context, opts Options) int {
	opts = opts.normalize()
	if err := c.service.Seed(ctx, rbac.DefaultSeed()); err != nil {
		return fail(opts, "seed", err)
	}
	return done(opts, "Seeded default roles and permissions")
}

// GeneratePassword prints a random password.
func GeneratePassword(opts Options, length int) int {
	opts = opts.normalize()
	pw, err := rbac.GeneratePassword(length)
	if err != nil {
		return fail(opts, "password generate", err)
	}
	if opts.JSONOutput {
		return encode(opts, "password generate", map[string]string{"password": pw})
	}
	_, _ = fmt.Fprintln(opts.Stdout, pw)
	return ExitOK
}

func done(opts Options, message string) int {
	if opts.JSONOutput {
		return encode(opts, "output", Result{OK: true, Message: message})
	}
	_, _ = fmt.Fprintln(opts.Stdout, message)
	return ExitOK
}

func encode(opts Options, op string, v any) int {
	if err := json.NewEncoder(opts.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", op, err)
		return ExitFailure
	}
	return ExitOK
}

func fail(opts Options, op string, err error) int {
	_, _ = fmt.Fprintf(opts.Stderr, "%s: %v\n", op, err)
	if errors.Is(err, shared.ErrNotFound) {
		return ExitNotFound
	}
	return ExitFailure
}

func formatGrants(grants map[string]bool) string {
	keys := make([]string, 0, len(grants))
	for key := range grants {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key + "=" + valueLabel(grants[key])
	}
	return strings.Join(parts, ", ")
}

func valueLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
