package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "test_session", time.Hour, false), mr
}

func roundTrip(t *testing.T, sm *SessionManager, cookie *http.Cookie, mutate func(*Session)) (*Session, *http.Cookie) {
	t.Helper()
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	if mutate != nil {
		mutate(sess)
	}
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, sess))
	for _, c := range res.Result().Cookies() {
		if c.Name == sm.CookieName() {
			return sess, c
		}
	}
	return sess, cookie
}

func TestSessionPersistsValuesAcrossRequests(t *testing.T) {
	sm, _ := newTestManager(t)
	_, cookie := roundTrip(t, sm, nil, func(s *Session) { s.Set("user", "admin") })
	require.NotNil(t, cookie)

	sess, _ := roundTrip(t, sm, cookie, nil)
	assert.Equal(t, "admin", sess.Get("user"))
	assert.Equal(t, cookie.Value, sess.ID)
}

func TestFlashSurvivesRedirectUntilPopped(t *testing.T) {
	sm, _ := newTestManager(t)
	_, cookie := roundTrip(t, sm, nil, func(s *Session) {
		s.AddFlash(FlashMessage{Kind: FlashError, Message: "nope"})
	})

	var popped *FlashMessage
	_, cookie = roundTrip(t, sm, cookie, func(s *Session) { popped = s.PopFlash() })
	require.NotNil(t, popped)
	assert.Equal(t, "nope", popped.Message)

	sess, _ := roundTrip(t, sm, cookie, nil)
	assert.Nil(t, sess.PopFlash())
}

func TestRenewRotatesIDAndDropsOldKey(t *testing.T) {
	sm, mr := newTestManager(t)
	first, cookie := roundTrip(t, sm, nil, func(s *Session) { s.Set("k", "v") })
	oldID := first.ID
	require.True(t, mr.Exists("session:"+oldID))

	renewed, cookie := roundTrip(t, sm, cookie, func(s *Session) { s.Renew() })
	assert.NotEqual(t, oldID, renewed.ID)
	assert.Equal(t, renewed.ID, cookie.Value)
	assert.False(t, mr.Exists("session:"+oldID))

	sess, _ := roundTrip(t, sm, cookie, nil)
	assert.Equal(t, "v", sess.Get("k"))
}

func TestUnknownCookieStartsFreshSession(t *testing.T) {
	sm, _ := newTestManager(t)
	sess, _ := roundTrip(t, sm, &http.Cookie{Name: "test_session", Value: "attacker-chosen"}, nil)
	assert.NotEqual(t, "attacker-chosen", sess.ID)
}

func TestDestroyExpiresCookie(t *testing.T) {
	sm, mr := newTestManager(t)
	first, cookie := roundTrip(t, sm, nil, func(s *Session) { s.Set("k", "v") })

	_, expired := roundTrip(t, sm, cookie, func(s *Session) { sm.Destroy(s) })
	assert.Equal(t, -1, expired.MaxAge)
	assert.False(t, mr.Exists("session:"+first.ID))
}

func TestCSRFTokenLifecycle(t *testing.T) {
	sm, _ := newTestManager(t)
	csrf := NewCSRFManager("secret")
	ctx := context.Background()
	sess, _ := roundTrip(t, sm, nil, nil)

	token, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	again, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, csrf.VerifyToken(ctx, sess, token))
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, "bogus"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)

	csrf.Reset(sess)
	fresh, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
}
