package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/password"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppBaseURL        string        `envconfig:"APP_BASE_URL" default:"http://localhost:8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBDSN string `envconfig:"DB_DSN" default:"sqlite://gatekeeper.db"`

	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"720h"`
	SessionCookie string        `envconfig:"SESSION_COOKIE" default:"gatekeeper_session"`

	CSRFSecret string `envconfig:"CSRF_SECRET" required:"true"`

	AuthProvider               string        `envconfig:"AUTH_PROVIDER" default:"session"`
	AuthIdentifierField        string        `envconfig:"AUTH_IDENTIFIER_FIELD" default:"username"`
	AuthEmailField             string        `envconfig:"AUTH_EMAIL_FIELD" default:"email"`
	AuthSessionKey             string        `envconfig:"AUTH_SESSION_KEY" default:"gatekeeper.user"`
	AuthAllowDefault           bool          `envconfig:"AUTH_ALLOW_DEFAULT" default:"true"`
	AuthLoginRoute             string        `envconfig:"AUTH_LOGIN_ROUTE" default:"/auth/login"`
	AuthAuthenticatedRoute     string        `envconfig:"AUTH_AUTHENTICATED_ROUTE" default:"/"`
	AuthLogoutRoute            string        `envconfig:"AUTH_LOGOUT_ROUTE" default:"/auth/login"`
	AuthForgottenPasswordRoute string        `envconfig:"AUTH_FORGOTTEN_PASSWORD_ROUTE" default:"/auth/forgotten-password"`
	AuthResetPasswordRoute     string        `envconfig:"AUTH_RESET_PASSWORD_ROUTE" default:"/auth/reset-password"`
	AuthAuthenticateOnReset    bool          `envconfig:"AUTH_AUTHENTICATE_ON_RESET" default:"true"`
	AuthForgottenUniformReply  bool          `envconfig:"AUTH_FORGOTTEN_UNIFORM_REPLY" default:"false"`
	AuthResetTokenTTL          time.Duration `envconfig:"AUTH_RESET_TOKEN_TTL" default:"0"`

	PasswordMaxLength int    `envconfig:"PASSWORD_MAX_LENGTH" default:"30"`
	PasswordRounds    int    `envconfig:"PASSWORD_ROUNDS" default:"10"`
	PasswordEncoding  string `envconfig:"PASSWORD_ENCODING" default:"utf-8"`

	JWTSecret    string        `envconfig:"JWT_SECRET"`
	JWTAlgorithm string        `envconfig:"JWT_ALGORITHM" default:"HS256"`
	JWTExpiry    time.Duration `envconfig:"JWT_EXPIRY" default:"0"`
	JWTClaimKey  string        `envconfig:"JWT_CLAIM_KEY" default:"gatekeeper.user"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"no-reply@gatekeeper.local"`

	LoginRateLimit    int `envconfig:"LOGIN_RATE_LIMIT" default:"10"`
	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"5"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads path without overriding variables already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks secrets and provider specific settings.
func (c *Config) Validate() error {
	if c.CSRFSecret == "" {
		return errors.New("csrf secret must be provided")
	}
	switch c.AuthProvider {
	case auth.KindSession:
	case auth.KindToken:
		if c.JWTSecret == "" {
			return errors.New("jwt secret must be provided for the token provider")
		}
	default:
		return fmt.Errorf("unknown auth provider %q", c.AuthProvider)
	}
	switch password.Encoding(c.PasswordEncoding) {
	case password.EncodingUTF8, password.EncodingPrecis:
	default:
		return fmt.Errorf("unknown password encoding %q", c.PasswordEncoding)
	}
	if c.LoginRateLimit < 0 {
		return errors.New("login rate limit must not be negative")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// Hasher builds the password hasher.
func (c *Config) Hasher() password.Hasher {
	return password.NewHasher(c.PasswordRounds, password.Encoding(c.PasswordEncoding))
}

// Provider builds the auth provider settings.
func (c *Config) Provider() auth.ProviderConfig {
	pc := auth.DefaultProviderConfig()
	pc.IdentifierField = c.AuthIdentifierField
	pc.EmailField = c.AuthEmailField
	pc.SessionKey = c.AuthSessionKey
	pc.AllowDefault = c.AuthAllowDefault
	pc.PasswordMaxLength = c.PasswordMaxLength
	pc.Hasher = c.Hasher()
	pc.SystemEmailFrom = c.SMTPFrom
	pc.BaseURL = strings.TrimRight(c.AppBaseURL, "/")
	pc.LoginRoute = c.AuthLoginRoute
	pc.AuthenticatedRoute = c.AuthAuthenticatedRoute
	pc.LogoutRoute = c.AuthLogoutRoute
	pc.ForgottenPasswordRoute = c.AuthForgottenPasswordRoute
	pc.ResetPasswordRoute = c.AuthResetPasswordRoute
	pc.AuthenticateOnReset = c.AuthAuthenticateOnReset
	pc.ResetTokenTTL = c.AuthResetTokenTTL
	if c.AuthProvider == auth.KindToken {
		pc.SessionKey = c.JWTClaimKey
		pc.Secret = c.JWTSecret
		pc.Algorithm = c.JWTAlgorithm
		pc.Expiry = c.JWTExpiry
	}
	return pc
}
