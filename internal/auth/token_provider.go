package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Denylist records revoked token ids until they would have expired anyway.
// A zero until keeps the entry indefinitely.
type Denylist interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenProvider issues and verifies signed bearer tokens.
type TokenProvider struct {
	base
	method   jwt.SigningMethod
	secret   []byte
	denylist Denylist
}

// NewTokenProvider validates cfg and constructs a TokenProvider.
func NewTokenProvider(cfg ProviderConfig, repo Repository, opts Options) (*TokenProvider, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: token secret is required", ErrProviderConfig)
	}
	if cfg.SessionKey == "" {
		return nil, fmt.Errorf("%w: token claim key is required", ErrProviderConfig)
	}
	method, ok := jwt.GetSigningMethod(cfg.Algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported token algorithm %q", ErrProviderConfig, cfg.Algorithm)
	}
	b, err := newBase(cfg, repo, opts)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{base: b, method: method, secret: []byte(cfg.Secret), denylist: opts.Denylist}, nil
}

// Name implements Provider.
func (p *TokenProvider) Name() string { return KindToken }

// HandleRequest implements Provider. Any decode, signature, expiry or lookup
// failure leaves the request anonymous.
func (p *TokenProvider) HandleRequest(r *http.Request) *http.Request {
	r, id := withIdentity(r)
	if id.resolved {
		return r
	}
	id.resolved = true
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return r
	}
	claims, err := p.parse(raw)
	if err != nil {
		p.logger.Debug("token rejected", slog.Any("error", err))
		return r
	}
	if p.revoked(r.Context(), claims) {
		return r
	}
	identifier, _ := claims[p.cfg.SessionKey].(string)
	if user, err := p.resolve(r.Context(), identifier); err == nil {
		id.user = user
	}
	return r
}

// Login implements Provider and returns the signed token for user.
func (p *TokenProvider) Login(r *http.Request, user *User) (string, error) {
	var expires time.Time
	if p.cfg.Expiry > 0 {
		expires = p.now().Add(p.cfg.Expiry)
	}
	token, err := p.sign(user, expires)
	if err != nil {
		return "", err
	}
	if id := identityFrom(r.Context()); id != nil {
		id.user = user
		id.resolved = true
	}
	return token, nil
}

// Logout implements Provider. It revokes the presented token when a denylist
// is configured and returns a replacement token that is already expired.
// Anonymous requests get an empty token.
func (p *TokenProvider) Logout(r *http.Request) (string, error) {
	user := UserFromContext(r.Context())
	if user == nil {
		return "", nil
	}
	if p.denylist != nil {
		if claims, err := p.parse(bearerToken(r.Header.Get("Authorization"))); err == nil {
			jti, _ := claims["jti"].(string)
			var until time.Time
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				until = exp.Time
			}
			if jti != "" {
				if err := p.denylist.Revoke(r.Context(), jti, until); err != nil {
					return "", fmt.Errorf("auth: revoke token: %w", err)
				}
			}
		}
	}
	token, err := p.sign(user, p.now().Add(-time.Second))
	if err != nil {
		return "", err
	}
	if id := identityFrom(r.Context()); id != nil {
		id.user = nil
	}
	return token, nil
}

func (p *TokenProvider) sign(user *User, expires time.Time) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		p.cfg.SessionKey: user.Field(p.cfg.IdentifierField),
		"iat":            now.Unix(),
		"jti":            uuid.NewString(),
	}
	if !expires.IsZero() {
		claims["exp"] = expires.Unix()
	}
	signed, err := jwt.NewWithClaims(p.method, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func (p *TokenProvider) parse(raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, jwt.ErrTokenMalformed
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{p.method.Alg()}), jwt.WithTimeFunc(p.now), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (p *TokenProvider) revoked(ctx context.Context, claims jwt.MapClaims) bool {
	if p.denylist == nil {
		return false
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return false
	}
	revoked, err := p.denylist.IsRevoked(ctx, jti)
	if err != nil {
		p.logger.Warn("token denylist lookup", slog.Any("error", err))
		return true
	}
	return revoked
}

// bearerToken returns the credential part of an Authorization header.
func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RedisDenylist stores revoked token ids in Redis with a TTL matching the
// token's remaining lifetime.
type RedisDenylist struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisDenylist constructs a RedisDenylist.
func NewRedisDenylist(client redis.UniversalClient) *RedisDenylist {
	return &RedisDenylist{client: client, prefix: "auth:revoked:", now: time.Now}
}

// Revoke implements Denylist.
func (d *RedisDenylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	var ttl time.Duration
	if !until.IsZero() {
		ttl = until.Sub(d.now())
		if ttl <= 0 {
			return nil
		}
	}
	return d.client.Set(ctx, d.prefix+jti, "1", ttl).Err()
}

// IsRevoked implements Denylist.
func (d *RedisDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
