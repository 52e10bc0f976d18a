package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/auth/authtest"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

func TestTokenManagerResetFlow(t *testing.T) {
	repo, fx := newRepo(t)
	cfg := authtest.Config()
	mailbox := &authtest.Mailbox{}
	tokens := auth.NewTokenManager(cfg, repo, mailbox, nil)
	ctx := context.Background()
	user := fx.Users["regular"]

	token, err := tokens.CreateToken(ctx, user)
	require.NoError(t, err)
	assert.Len(t, token.Token, 32)

	require.NoError(t, tokens.NotifyUser(ctx, user, "subject", auth.TemplateForgottenPassword, map[string]any{"ResetURL": tokens.ResetURL(token)}))
	sent := mailbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "regular@example.com", sent[0].To)
	assert.Equal(t, cfg.SystemEmailFrom, sent[0].From)
	assert.Equal(t, "regular", sent[0].Data["Username"])
	assert.Equal(t, "http://gatekeeper.test/auth/reset-password?token="+token.Token, sent[0].Data["ResetURL"])

	found, err := tokens.GetToken(ctx, token.Token)
	require.NoError(t, err)
	require.NotNil(t, found.User)
	assert.Equal(t, user.ID, found.User.ID)

	require.NoError(t, tokens.UpdateUserPassword(ctx, found, "new-secret"))

	_, err = tokens.GetToken(ctx, token.Token)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	p, err := auth.NewSessionProvider(cfg, repo, auth.Options{})
	require.NoError(t, err)
	_, err = p.Authenticate(ctx, "regular", authtest.Password)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	updated, err := p.Authenticate(ctx, "regular", "new-secret")
	require.NoError(t, err)
	assert.True(t, cfg.Hasher.Verify("new-secret", updated.Password, updated.Salt))
	assert.False(t, cfg.Hasher.Verify(authtest.Password, updated.Password, updated.Salt))
}

func TestTokenManagerRejectsReuse(t *testing.T) {
	repo, fx := newRepo(t)
	tokens := auth.NewTokenManager(authtest.Config(), repo, nil, nil)
	ctx := context.Background()

	token, err := tokens.CreateToken(ctx, fx.Users["admin"])
	require.NoError(t, err)
	found, err := tokens.GetToken(ctx, token.Token)
	require.NoError(t, err)
	require.NoError(t, tokens.UpdateUserPassword(ctx, found, "first"))
	assert.ErrorIs(t, tokens.UpdateUserPassword(ctx, found, "second"), shared.ErrNotFound)

	_, err = tokens.GetToken(ctx, "")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = tokens.GetToken(ctx, "unknown")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTokenManagerExpiresTokens(t *testing.T) {
	repo, fx := newRepo(t)
	cfg := authtest.Config()
	cfg.ResetTokenTTL = time.Nanosecond
	tokens := auth.NewTokenManager(cfg, repo, nil, nil)
	ctx := context.Background()

	token, err := tokens.CreateToken(ctx, fx.Users["admin"])
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = tokens.GetToken(ctx, token.Token)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTokenManagerNotifyErrors(t *testing.T) {
	repo, _ := newRepo(t)
	boom := errors.New("smtp down")
	tokens := auth.NewTokenManager(authtest.Config(), repo, &authtest.Mailbox{Err: boom}, nil)

	err := tokens.NotifyUser(context.Background(), &auth.User{Username: "no-mail"}, "s", auth.TemplateResetPassword, nil)
	assert.ErrorIs(t, err, auth.ErrNoEmailAddress)

	withMail := &auth.User{Username: "someone"}
	withMail.SetEmail("someone@example.com")
	err = tokens.NotifyUser(context.Background(), withMail, "s", auth.TemplateResetPassword, nil)
	assert.ErrorIs(t, err, boom)
}
