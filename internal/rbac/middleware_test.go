package rbac_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/auth/authtest"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

type fixture struct {
	router http.Handler
	users  map[string]*auth.User
}

func newFixture(t *testing.T, allowDefault bool) fixture {
	t.Helper()
	conn := authtest.OpenDB(t)
	fx := authtest.Seed(t, conn, authtest.Config().Hasher)
	cfg := authtest.Config()
	cfg.AllowDefault = allowDefault
	provider, err := auth.NewTokenProvider(cfg, auth.NewRepository(conn), auth.Options{})
	require.NoError(t, err)
	mw := rbac.Middleware{Guard: auth.NewGuard(provider), Policy: auth.PolicyStatus}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r := chi.NewRouter()
	r.With(mw.RequireAny("delete", "create")).Get("/any", ok)
	r.With(mw.RequireAll("delete", "read")).Get("/all", ok)
	r.With(mw.RequireAll("audit")).Get("/unknown", ok)
	r.Route("/admin", rbac.NewPermissionsHandler(nil, rbac.NewService(conn, cfg.Hasher), mw).MountRoutes)
	return fixture{router: r, users: fx.Users}
}

func (f fixture) call(user, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if u := f.users[user]; u != nil {
		req = req.WithContext(auth.ContextWithUser(context.Background(), u))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRequireAnyAndAll(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusForbidden, f.call("", "/any").Code)
	assert.Equal(t, http.StatusNoContent, f.call("regular", "/any").Code)
	assert.Equal(t, http.StatusNoContent, f.call("test", "/any").Code, "unknown keys fall back to allow")
	assert.Equal(t, http.StatusNoContent, f.call("complex", "/any").Code, "create still granted through admin")
	assert.Equal(t, http.StatusNoContent, f.call("admin", "/all").Code)
	assert.Equal(t, http.StatusUnauthorized, f.call("complex", "/all").Code)
	assert.Equal(t, http.StatusNoContent, f.call("test", "/unknown").Code)

	strict := newFixture(t, false)
	assert.Equal(t, http.StatusUnauthorized, strict.call("test", "/any").Code)
	assert.Equal(t, http.StatusNoContent, strict.call("regular", "/any").Code)
	assert.Equal(t, http.StatusUnauthorized, strict.call("admin", "/unknown").Code)
}

func TestPermissionsHandler(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusUnauthorized, f.call("regular", "/admin/roles").Code)

	res := f.call("admin", "/admin/roles")
	require.Equal(t, http.StatusOK, res.Code)
	var roles []struct {
		Key    string          `json:"key"`
		Grants map[string]bool `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &roles))
	require.Len(t, roles, 3)
	assert.Equal(t, map[string]bool{"read": true}, roles[1].Grants)

	res = f.call("admin", "/admin/users/regular/permissions")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `{"key":"create","name":"Create","value":false,"inherited":false}`)

	assert.Equal(t, http.StatusNotFound, f.call("admin", "/admin/users/ghost/permissions").Code)
	assert.Equal(t, http.StatusOK, f.call("admin", "/admin/permissions").Code)
}
