package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/auth/authtest"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
)

var csrfInput = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func testConfig() *Config {
	return &Config{
		AppEnv:                     "test",
		AppBaseURL:                 "http://gatekeeper.test",
		AppRequestTimeout:          5 * time.Second,
		SessionTTL:                 time.Hour,
		SessionCookie:              "gatekeeper_session",
		CSRFSecret:                 "csrf",
		AuthProvider:               auth.KindSession,
		AuthIdentifierField:        auth.FieldUsername,
		AuthEmailField:             auth.FieldEmail,
		AuthSessionKey:             "gatekeeper.user",
		AuthAllowDefault:           true,
		AuthLoginRoute:             "/auth/login",
		AuthAuthenticatedRoute:     "/",
		AuthLogoutRoute:            "/auth/login",
		AuthForgottenPasswordRoute: "/auth/forgotten-password",
		AuthResetPasswordRoute:     "/auth/reset-password",
		AuthAuthenticateOnReset:    true,
		PasswordMaxLength:          30,
		PasswordRounds:             4,
		PasswordEncoding:           "utf-8",
		JWTSecret:                  authtest.Secret,
		JWTAlgorithm:               "HS256",
		JWTClaimKey:                "gatekeeper.user",
		SMTPFrom:                   "no-reply@gatekeeper.test",
	}
}

type testApp struct {
	t       *testing.T
	server  *httptest.Server
	client  *http.Client
	mailbox *authtest.Mailbox
	redis   *miniredis.Miniredis
}

func newTestApp(t *testing.T, cfg *Config) *testApp {
	t.Helper()
	conn := authtest.OpenDB(t)
	authtest.Seed(t, conn, cfg.Hasher())
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mailbox := &authtest.Mailbox{}

	handler, err := NewHandler(Dependencies{
		Config:   cfg,
		DB:       conn,
		Redis:    client,
		Notifier: mailbox,
		Metrics:  observability.NewMetrics(),
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testApp{
		t:      t,
		server: server,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		mailbox: mailbox,
		redis:   mr,
	}
}

func (a *testApp) do(req *http.Request) (*http.Response, string) {
	a.t.Helper()
	res, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(a.t, err)
	return res, string(body)
}

func (a *testApp) get(path string) (*http.Response, string) {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	require.NoError(a.t, err)
	return a.do(req)
}

func (a *testApp) postForm(path string, form url.Values) (*http.Response, string) {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+path, bytes.NewBufferString(form.Encode()))
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req)
}

func (a *testApp) csrfToken(path string) string {
	a.t.Helper()
	res, body := a.get(path)
	require.Equal(a.t, http.StatusOK, res.StatusCode)
	match := csrfInput.FindStringSubmatch(body)
	require.Len(a.t, match, 2, "csrf token in %s", path)
	return match[1]
}

func (a *testApp) login(username string) {
	a.t.Helper()
	token := a.csrfToken("/auth/login")
	res, _ := a.postForm("/auth/login", url.Values{
		"csrf_token": {token},
		"username":   {username},
		"password":   {authtest.Password},
	})
	require.Equal(a.t, http.StatusSeeOther, res.StatusCode)
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t, testConfig())

	res, body := a.get("/healthz")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var payload healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, map[string]string{"database": "ok", "redis": "ok"}, payload.Checks)

	a.redis.Close()
	res, _ = a.get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHomeAnonymousHasSecurityHeaders(t *testing.T) {
	a := newTestApp(t, testConfig())

	res, body := a.get("/")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Sign in")
	assert.Equal(t, "DENY", res.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
}

func TestBrowserLoginFlow(t *testing.T) {
	a := newTestApp(t, testConfig())

	a.login("admin")
	res, body := a.get("/")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Welcome, admin")

	res, body = a.get("/auth/me")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "delete")
}

func TestBrowserPostWithoutCSRFIsRejected(t *testing.T) {
	a := newTestApp(t, testConfig())

	res, _ := a.postForm("/auth/login", url.Values{"username": {"admin"}, "password": {authtest.Password}})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAdminRoutesInSessionMode(t *testing.T) {
	a := newTestApp(t, testConfig())

	res, _ := a.get("/admin/roles")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)

	a.login("test")
	res, _ = a.get("/admin/roles")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	b := newTestApp(t, testConfig())
	b.login("admin")
	res, body := b.get("/admin/roles")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `"key":"admin"`)

	res, _ = a.get("/api/auth/login")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestForgottenPasswordQueuesNotification(t *testing.T) {
	a := newTestApp(t, testConfig())

	token := a.csrfToken("/auth/forgotten-password")
	res, _ := a.postForm("/auth/forgotten-password", url.Values{"csrf_token": {token}, "email": {"test@example.com"}})
	require.Equal(t, http.StatusSeeOther, res.StatusCode)

	sent := a.mailbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "test@example.com", sent[0].To)
	assert.Equal(t, auth.TemplateForgottenPassword, sent[0].Template)
}

func TestTokenModeAPI(t *testing.T) {
	cfg := testConfig()
	cfg.AuthProvider = auth.KindToken
	a := newTestApp(t, cfg)

	login := func(username string) string {
		body, err := json.Marshal(map[string]string{"username": username, "password": authtest.Password})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, a.server.URL+"/api/auth/login", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		res, raw := a.do(req)
		require.Equal(t, http.StatusOK, res.StatusCode, raw)
		var payload struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &payload))
		require.NotEmpty(t, payload.Token)
		return payload.Token
	}
	roles := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, a.server.URL+"/api/admin/roles", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, _ := a.do(req)
		return res.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, roles(""))
	assert.Equal(t, http.StatusUnauthorized, roles(login("test")))
	assert.Equal(t, http.StatusOK, roles(login("admin")))

	// No browser flows without a session provider.
	form := url.Values{"username": {"admin"}, "password": {authtest.Password}}
	res, _ := a.postForm("/auth/login", form)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	for _, path := range []string{"/", "/auth/login", "/auth/me", "/auth/forgotten-password", "/admin/roles"} {
		res, _ := a.get(path)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, path)
	}
}


func TestLoginRateLimitOnlyThrottlesPosts(t *testing.T) {
	handler := LoginRateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoginRateLimitDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := LoginRateLimit(0)(next)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
