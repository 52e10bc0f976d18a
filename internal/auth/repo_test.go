package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/auth/authtest"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
	_ "github.com/odyssey-erp/gatekeeper/testing"
)

func TestRepositoryLoadsUserGraphInOrder(t *testing.T) {
	conn := authtest.OpenDB(t)
	authtest.Seed(t, conn, authtest.Config().Hasher)
	repo := auth.NewRepository(conn)

	user, err := repo.FindUserByField(context.Background(), auth.FieldUsername, "complex")
	require.NoError(t, err)
	assert.Equal(t, []string{"guest", "admin"}, user.RoleKeys())
	require.Len(t, user.Roles[1].Role.Permissions, 3)
	require.Len(t, user.Permissions, 1)
	assert.Equal(t, "delete", user.Permissions[0].Permission.Key)
	assert.Equal(t, auth.Deny, user.Permissions[0].Value)

	byEmail, err := repo.FindUserByField(context.Background(), auth.FieldEmail, "complex@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	byID, err := repo.FindUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "complex", byID.Username)
}

func TestRepositoryNotFoundAndDuplicate(t *testing.T) {
	conn := authtest.OpenDB(t)
	authtest.Seed(t, conn, authtest.Config().Hasher)
	repo := auth.NewRepository(conn)
	ctx := context.Background()

	_, err := repo.FindUserByField(ctx, auth.FieldUsername, "nobody")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = repo.FindUserByField(ctx, auth.FieldUsername, "")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = repo.FindUserByField(ctx, "password", "x")
	assert.Error(t, err)

	err = repo.CreateUser(ctx, &auth.User{Username: "admin", Password: "x", Salt: "y"})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestRepositoryTokenLifecycle(t *testing.T) {
	conn := authtest.OpenDB(t)
	fx := authtest.Seed(t, conn, authtest.Config().Hasher)
	repo := auth.NewRepository(conn)
	ctx := context.Background()
	user := fx.Users["regular"]

	older := &auth.ForgottenPasswordToken{Token: "same", UserID: user.ID}
	newer := &auth.ForgottenPasswordToken{Token: "same", UserID: user.ID}
	require.NoError(t, repo.CreateToken(ctx, older))
	require.NoError(t, repo.CreateToken(ctx, newer))

	found, err := repo.FindLatestToken(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)
	require.NotNil(t, found.User)
	assert.Equal(t, "regular", found.User.Username)
	assert.Equal(t, []string{"regular"}, found.User.RoleKeys())

	found.User.Password = "changed"
	require.NoError(t, repo.UpdatePasswordAndConsumeToken(ctx, found.User, found))
	_, err = repo.FindLatestToken(ctx, "same")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.ErrorIs(t, repo.UpdatePasswordAndConsumeToken(ctx, found.User, found), shared.ErrNotFound)

	reloaded, err := repo.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed", reloaded.Password)
}

func TestRepositoryPurgeTokens(t *testing.T) {
	conn := authtest.OpenDB(t)
	fx := authtest.Seed(t, conn, authtest.Config().Hasher)
	repo := auth.NewRepository(conn)
	ctx := context.Background()

	require.NoError(t, repo.CreateToken(ctx, &auth.ForgottenPasswordToken{Token: "a", UserID: fx.Users["admin"].ID}))
	removed, err := repo.PurgeTokens(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = repo.PurgeTokens(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}
