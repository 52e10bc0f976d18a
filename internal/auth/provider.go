package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/odyssey-erp/gatekeeper/internal/password"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Provider kinds accepted by NewProvider.
const (
	KindSession = "session"
	KindToken   = "token"
)

// ErrProviderConfig reports a missing or invalid provider setting.
var ErrProviderConfig = errors.New("auth: invalid provider configuration")

// ProviderConfig carries the settings shared by every provider.
type ProviderConfig struct {
	IdentifierField   string
	EmailField        string
	SessionKey        string
	AllowDefault      bool
	PasswordMaxLength int
	Hasher            password.Hasher

	SystemEmailFrom        string
	BaseURL                string
	LoginRoute             string
	AuthenticatedRoute     string
	LogoutRoute            string
	ForgottenPasswordRoute string
	ResetPasswordRoute     string
	AuthenticateOnReset    bool
	ResetTokenTTL          time.Duration

	Secret    string
	Algorithm string
	Expiry    time.Duration
}

// DefaultProviderConfig returns the stock settings.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		IdentifierField:        FieldUsername,
		EmailField:             FieldEmail,
		SessionKey:             "gatekeeper.user",
		AllowDefault:           true,
		PasswordMaxLength:      30,
		Hasher:                 password.NewHasher(password.DefaultRounds, password.EncodingUTF8),
		SystemEmailFrom:        "no-reply@gatekeeper.local",
		LoginRoute:             "/auth/login",
		AuthenticatedRoute:     "/",
		LogoutRoute:            "/auth/login",
		ForgottenPasswordRoute: "/auth/forgotten-password",
		ResetPasswordRoute:     "/auth/reset-password",
		AuthenticateOnReset:    true,
		Algorithm:              "HS256",
	}
}

func (c ProviderConfig) validate() error {
	required := []struct{ name, value string }{
		{"identifier field", c.IdentifierField},
		{"email field", c.EmailField},
		{"system email from address", c.SystemEmailFrom},
		{"reset password route", c.ResetPasswordRoute},
		{"forgotten password route", c.ForgottenPasswordRoute},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s is required", ErrProviderConfig, field.name)
		}
	}
	for _, field := range []string{c.IdentifierField, c.EmailField} {
		if field != FieldUsername && field != FieldEmail {
			return fmt.Errorf("%w: unsupported user field %q", ErrProviderConfig, field)
		}
	}
	if c.PasswordMaxLength <= 0 {
		return fmt.Errorf("%w: password max length must be positive", ErrProviderConfig)
	}
	return nil
}

// Predicate is an extra requirement a user must satisfy.
type Predicate func(*User) bool

// Requirement describes who may access a guarded action. Roles match if the
// user holds any of them; permissions must all be granted.
type Requirement struct {
	Roles       []string
	Permissions []string
	Predicates  []Predicate
}

// Provider authenticates credentials and resolves request identity.
type Provider interface {
	Name() string
	Config() ProviderConfig
	Authenticate(ctx context.Context, identifier, password string) (*User, error)
	GetUser(ctx context.Context, identifier string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	IsAuthorized(user *User, req Requirement) bool
	UserMeetsRequirements(user *User, predicates ...Predicate) bool
	// HandleRequest attaches the request's user, if any, to its context.
	// It does nothing when an identity has already been resolved.
	HandleRequest(r *http.Request) *http.Request
	// Login establishes identity; the token provider returns a signed token.
	Login(r *http.Request, user *User) (string, error)
	// Logout clears identity; the token provider returns an expired token.
	Logout(r *http.Request) (string, error)
}

// Options carries the collaborators shared by provider constructors.
type Options struct {
	Logger   *slog.Logger
	Denylist Denylist
	Now      func() time.Time
}

// NewProvider builds the provider registered under kind.
func NewProvider(kind string, cfg ProviderConfig, repo Repository, opts Options) (Provider, error) {
	switch kind {
	case KindSession, "":
		return NewSessionProvider(cfg, repo, opts)
	case KindToken:
		return NewTokenProvider(cfg, repo, opts)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderConfig, kind)
	}
}

// base implements the credential and authorization logic common to all
// providers.
type base struct {
	cfg    ProviderConfig
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func newBase(cfg ProviderConfig, repo Repository, opts Options) (base, error) {
	if repo == nil {
		return base{}, fmt.Errorf("%w: repository is required", ErrProviderConfig)
	}
	if err := cfg.validate(); err != nil {
		return base{}, err
	}
	if cfg.Hasher.Rounds == 0 {
		cfg.Hasher = password.NewHasher(password.DefaultRounds, cfg.Hasher.Encoding)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return base{cfg: cfg, repo: repo, logger: logger, now: now}, nil
}

func (b base) Config() ProviderConfig {
	return b.cfg
}

func (b base) GetUser(ctx context.Context, identifier string) (*User, error) {
	return b.repo.FindUserByField(ctx, b.cfg.IdentifierField, identifier)
}

func (b base) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return b.repo.FindUserByField(ctx, b.cfg.EmailField, email)
}

// Authenticate returns the user for identifier when password verifies.
// Every failure, including lookup errors, yields shared.ErrInvalidCredentials.
func (b base) Authenticate(ctx context.Context, identifier, password string) (*User, error) {
	if password == "" || utf8.RuneCountInString(password) > b.cfg.PasswordMaxLength {
		return nil, shared.ErrInvalidCredentials
	}
	user, err := b.GetUser(ctx, identifier)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			b.logger.Error("authenticate lookup", slog.Any("error", err))
		}
		return nil, shared.ErrInvalidCredentials
	}
	if !b.cfg.Hasher.Verify(password, user.Password, user.Salt) {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

func (b base) UserMeetsRequirements(user *User, predicates ...Predicate) bool {
	for _, predicate := range predicates {
		if predicate != nil && !predicate(user) {
			return false
		}
	}
	return true
}

func (b base) IsAuthorized(user *User, req Requirement) bool {
	if user == nil {
		return false
	}
	access := user.ACL(b.cfg.AllowDefault)
	if len(req.Roles) > 0 && !access.HasRole(req.Roles...) {
		return false
	}
	if len(req.Permissions) > 0 && !access.HasPermissions(req.Permissions...) {
		return false
	}
	return b.UserMeetsRequirements(user, req.Predicates...)
}

// resolve looks up identifier for HandleRequest. A user that no longer
// exists yields shared.ErrNotFound; any other error is a lookup failure and
// says nothing about whether the stored identity is still valid.
func (b base) resolve(ctx context.Context, identifier string) (*User, error) {
	if identifier == "" {
		return nil, shared.ErrNotFound
	}
	user, err := b.GetUser(ctx, identifier)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		b.logger.Warn("resolve identity", slog.Any("error", err))
	}
	return user, err
}
