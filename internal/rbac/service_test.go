package rbac_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/auth/authtest"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
	_ "github.com/odyssey-erp/gatekeeper/testing"
)

func newService(t *testing.T) *rbac.Service {
	t.Helper()
	return rbac.NewService(authtest.OpenDB(t), authtest.Config().Hasher)
}

func TestSeedIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx, rbac.DefaultSeed()))
	require.NoError(t, svc.Seed(ctx, rbac.DefaultSeed()))

	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 3)
	assert.Equal(t, "admin", roles[0].Key)
	assert.Len(t, roles[0].Permissions, 4)

	perms, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, 4)
}

func TestCreateRoleAndPermission(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "editor", "Editor")
	require.NoError(t, err)
	assert.NotZero(t, role.ID)

	_, err = svc.CreateRole(ctx, "editor", "Editor again")
	assert.ErrorIs(t, err, shared.ErrDuplicate)
	_, err = svc.CreateRole(ctx, " ", "Blank")
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)

	_, err = svc.CreatePermission(ctx, "publish", "Publish")
	require.NoError(t, err)

	_, _, err = svc.GrantRolePermission(ctx, "editor", "publish", true)
	require.NoError(t, err)
	_, _, err = svc.GrantRolePermission(ctx, "editor", "publish", false)
	require.NoError(t, err)

	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.Len(t, roles[0].Permissions, 1)
	assert.Equal(t, auth.Deny, roles[0].Permissions[0].Value)

	_, _, err = svc.GrantRolePermission(ctx, "ghost", "publish", true)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUserAdministration(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Seed(ctx, rbac.DefaultSeed()))

	user, err := svc.CreateUser(ctx, "simon", "simon@example.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, authtest.Config().Hasher.Verify("s3cret", user.Password, user.Salt))

	_, err = svc.CreateUser(ctx, "simon", "", "x")
	assert.ErrorIs(t, err, shared.ErrDuplicate)

	updated, role, err := svc.AddUserRole(ctx, "simon", "regular")
	require.NoError(t, err)
	assert.Equal(t, "regular", role.Key)
	assert.Equal(t, []string{"regular"}, updated.RoleKeys(), "returned user includes the new role")
	_, _, err = svc.AddUserRole(ctx, "simon", "regular")
	require.NoError(t, err, "adding a held role is a no-op")
	updated, _, err = svc.SetUserPermission(ctx, "simon", "create", false)
	require.NoError(t, err)
	require.Len(t, updated.Permissions, 1)
	assert.Equal(t, auth.Deny, updated.Permissions[0].Value)

	perms, err := svc.EffectivePermissions(ctx, "simon", true)
	require.NoError(t, err)
	assert.False(t, perms["create"].Value)
	assert.False(t, perms["create"].Inherited)
	assert.True(t, perms["update"].Value)
	assert.True(t, perms["update"].Inherited)

	_, _, err = svc.AddUserRole(ctx, "nobody", "regular")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGeneratePassword(t *testing.T) {
	a, err := rbac.GeneratePassword(16)
	require.NoError(t, err)
	b, err := rbac.GeneratePassword(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)

	_, err = rbac.GeneratePassword(0)
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)
}

func TestCreateUserRejectsOverlongPassword(t *testing.T) {
	svc := rbac.NewService(authtest.OpenDB(t), authtest.Config().Hasher, rbac.WithPasswordMaxLength(6))
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "long", "", "1234567")
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.CreateUser(ctx, "exact", "", "123456")
	require.NoError(t, err)

	_, err = newService(t).CreateUser(ctx, "default", "", strings.Repeat("p", auth.DefaultProviderConfig().PasswordMaxLength+1))
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)
}
