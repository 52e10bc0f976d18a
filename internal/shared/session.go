package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Flash kinds used by the auth flows.
const (
	FlashSuccess = "success"
	FlashError   = "error"
)

// SessionManager orchestrates cookie based sessions backed by Redis.
type SessionManager struct {
	client     redis.UniversalClient
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session holds per-request session data.
type Session struct {
	ID         string
	values     map[string]string
	flashes    []FlashMessage
	previousID string
	isNew      bool
	dirty      bool
	destroyed  bool
}

type sessionPayload struct {
	Values  map[string]string `json:"values"`
	Flashes []FlashMessage    `json:"flashes,omitempty"`
}

const sessionKeyPrefix = "session:"

// NewSessionManager stores sessions under "session:<id>" with the given TTL.
// secure sets the Secure attribute on the cookie.
func NewSessionManager(client redis.UniversalClient, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{client: client, cookieName: cookieName, ttl: ttl, secure: secure}
}

// Load returns the stored session named by the request cookie. A missing
// cookie or an id the store does not know yields a fresh session; client
// supplied ids are never adopted.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return newSession(), nil
	} else if err != nil {
		return nil, err
	}

	raw, err := sm.client.Get(ctx, sessionKeyPrefix+cookie.Value).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return newSession(), nil
	case err != nil:
		return nil, fmt.Errorf("session: load: %w", err)
	}

	var stored sessionPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if stored.Values == nil {
		stored.Values = make(map[string]string)
	}
	return &Session{ID: cookie.Value, values: stored.Values, flashes: stored.Flashes}, nil
}

// Commit writes pending changes in one MULTI/EXEC: the id replaced by Renew
// is dropped, then the session is either deleted (Destroy) or saved. The
// cookie is only written when something changed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	save := !sess.destroyed && (sess.dirty || sess.isNew)
	if sess.previousID == "" && !sess.destroyed && !save {
		return nil
	}

	var data []byte
	if save {
		var err error
		if data, err = json.Marshal(sessionPayload{Values: sess.values, Flashes: sess.flashes}); err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
	}

	_, err := sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if sess.previousID != "" {
			pipe.Del(ctx, sessionKeyPrefix+sess.previousID)
		}
		if sess.destroyed {
			pipe.Del(ctx, sessionKeyPrefix+sess.ID)
		} else if save {
			pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, sm.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	sess.previousID = ""

	switch {
	case sess.destroyed:
		http.SetCookie(w, sm.cookie("", -1))
	case save:
		sess.dirty, sess.isNew = false, false
		c := sm.cookie(sess.ID, 0)
		c.Expires = time.Now().Add(sm.ttl)
		http.SetCookie(w, c)
	}
	return nil
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// Destroy deletes the session and clears the cookie on the next Commit.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess != nil {
		sess.destroyed = true
	}
}

func (sm *SessionManager) TTL() time.Duration { return sm.ttl }

func (sm *SessionManager) CookieName() string { return sm.cookieName }

// Renew issues a fresh session id while keeping the stored values. The old id
// is removed from the store on the next Commit.
func (s *Session) Renew() {
	if s.previousID == "" && !s.isNew {
		s.previousID = s.ID
	}
	s.ID = newSessionID()
	s.dirty = true
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.flashes = append(s.flashes, msg)
	s.dirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	msg := s.flashes[0]
	s.flashes = s.flashes[1:]
	s.dirty = true
	return &msg
}

// Flashes returns the queued flash messages without consuming them.
func (s *Session) Flashes() []FlashMessage {
	out := make([]FlashMessage, len(s.flashes))
	copy(out, s.flashes)
	return out
}

func newSession() *Session {
	return &Session{
		ID:     newSessionID(),
		values: make(map[string]string),
		isNew:  true,
	}
}

func newSessionID() string {
	return uuid.NewString()
}
