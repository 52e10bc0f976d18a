package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// ErrNoSession is returned when a session-backed operation runs without a
// session attached to the request.
var ErrNoSession = errors.New("auth: no session on request")

// SessionProvider stores the user identifier in the server-side session.
type SessionProvider struct {
	base
}

// NewSessionProvider validates cfg and constructs a SessionProvider.
func NewSessionProvider(cfg ProviderConfig, repo Repository, opts Options) (*SessionProvider, error) {
	if cfg.SessionKey == "" {
		return nil, fmt.Errorf("%w: session key is required", ErrProviderConfig)
	}
	b, err := newBase(cfg, repo, opts)
	if err != nil {
		return nil, err
	}
	return &SessionProvider{base: b}, nil
}

// Name implements Provider.
func (p *SessionProvider) Name() string { return KindSession }

// HandleRequest implements Provider.
func (p *SessionProvider) HandleRequest(r *http.Request) *http.Request {
	r, id := withIdentity(r)
	if id.resolved {
		return r
	}
	id.resolved = true
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return r
	}
	identifier := sess.Get(p.cfg.SessionKey)
	if identifier == "" {
		return r
	}
	user, err := p.resolve(r.Context(), identifier)
	switch {
	case err == nil:
		id.user = user
	case errors.Is(err, shared.ErrNotFound):
		sess.Delete(p.cfg.SessionKey)
	}
	return r
}

// Login implements Provider. The session id is rotated and the CSRF token
// discarded so nothing issued before authentication survives it.
func (p *SessionProvider) Login(r *http.Request, user *User) (string, error) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return "", ErrNoSession
	}
	sess.Renew()
	sess.Delete(shared.CSRFSessionKey)
	sess.Set(p.cfg.SessionKey, user.Field(p.cfg.IdentifierField))
	if id := identityFrom(r.Context()); id != nil {
		id.user = user
		id.resolved = true
	}
	return "", nil
}

// Logout implements Provider.
func (p *SessionProvider) Logout(r *http.Request) (string, error) {
	if id := identityFrom(r.Context()); id != nil {
		id.user = nil
		id.resolved = true
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return "", nil
	}
	sess.Delete(p.cfg.SessionKey)
	sess.Delete(shared.CSRFSessionKey)
	sess.Renew()
	return "", nil
}
