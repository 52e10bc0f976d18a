package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Email templates used by the password reset flow.
const (
	TemplateForgottenPassword = "emails/forgotten-password"
	TemplateResetPassword     = "emails/reset-password"
)

// ErrNoEmailAddress is returned when a notification targets a user without
// an email address.
var ErrNoEmailAddress = errors.New("auth: user has no email address")

// Notification is an outbound message handed to a Notifier.
type Notification struct {
	To       string         `json:"to"`
	From     string         `json:"from"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications. Rendering and transport are its concern.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// TokenManager issues and redeems forgotten-password tokens.
type TokenManager struct {
	cfg      ProviderConfig
	repo     Repository
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(cfg ProviderConfig, repo Repository, notifier Notifier, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TokenManager{cfg: cfg, repo: repo, notifier: notifier, logger: logger, now: time.Now}
}

// GenerateToken returns a new opaque reset token.
func GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateToken persists a fresh token for user.
func (m *TokenManager) CreateToken(ctx context.Context, user *User) (*ForgottenPasswordToken, error) {
	token := &ForgottenPasswordToken{Token: GenerateToken(), UserID: user.ID, User: user}
	if err := m.repo.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("auth: create reset token: %w", err)
	}
	return token, nil
}

// NotifyUser sends template to the user's email address. data is merged over
// the default template context.
func (m *TokenManager) NotifyUser(ctx context.Context, user *User, subject, template string, data map[string]any) error {
	to := user.Field(m.cfg.EmailField)
	if to == "" {
		return ErrNoEmailAddress
	}
	if m.notifier == nil {
		m.logger.Warn("no notifier configured", slog.String("template", template))
		return nil
	}
	body := map[string]any{
		"Username": user.Username,
		"Email":    user.EmailAddress(),
	}
	for k, v := range data {
		body[k] = v
	}
	return m.notifier.Notify(ctx, Notification{
		To:       to,
		From:     m.cfg.SystemEmailFrom,
		Subject:  subject,
		Template: template,
		Data:     body,
	})
}

// ResetURL builds the absolute link redeeming token.
func (m *TokenManager) ResetURL(token *ForgottenPasswordToken) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + m.cfg.ResetPasswordRoute + "?token=" + url.QueryEscape(token.Token)
}

// GetToken returns the newest token matching value. Unknown and expired
// tokens both yield shared.ErrNotFound.
func (m *TokenManager) GetToken(ctx context.Context, value string) (*ForgottenPasswordToken, error) {
	token, err := m.repo.FindLatestToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if m.cfg.ResetTokenTTL > 0 && m.now().Sub(token.CreatedAt) > m.cfg.ResetTokenTTL {
		if err := m.repo.DeleteToken(ctx, token); err != nil {
			m.logger.Warn("delete expired reset token", slog.Any("error", err))
		}
		return nil, shared.ErrNotFound
	}
	return token, nil
}

// DeleteToken removes token.
func (m *TokenManager) DeleteToken(ctx context.Context, token *ForgottenPasswordToken) error {
	return m.repo.DeleteToken(ctx, token)
}

// UpdateUserPassword sets the token owner's password and consumes the token.
// A token that has already been consumed yields shared.ErrNotFound.
func (m *TokenManager) UpdateUserPassword(ctx context.Context, token *ForgottenPasswordToken, newPassword string) error {
	if token == nil || token.User == nil {
		return shared.ErrNotFound
	}
	hash, salt, err := m.cfg.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	token.User.SetPassword(hash, salt)
	return m.repo.UpdatePasswordAndConsumeToken(ctx, token.User, token)
}
