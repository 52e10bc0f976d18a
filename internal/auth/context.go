package auth

import (
	"context"
	"net/http"
)

type identityContextKey struct{}

// identity is the request-scoped holder for the resolved user. It is
// installed once per request so providers can update it in place.
type identity struct {
	user     *User
	resolved bool
}

func identityFrom(ctx context.Context) *identity {
	id, _ := ctx.Value(identityContextKey{}).(*identity)
	return id
}

// withIdentity ensures the request carries an identity holder.
func withIdentity(r *http.Request) (*http.Request, *identity) {
	if id := identityFrom(r.Context()); id != nil {
		return r, id
	}
	id := &identity{}
	return r.WithContext(context.WithValue(r.Context(), identityContextKey{}, id)), id
}

// ContextWithUser returns a context carrying user as the resolved identity.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &identity{user: user, resolved: true})
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *User {
	if id := identityFrom(ctx); id != nil {
		return id.user
	}
	return nil
}

// IsAuthenticated reports whether the request carries a user.
func IsAuthenticated(r *http.Request) bool {
	return UserFromContext(r.Context()) != nil
}
