// Package authtest provides database fixtures for auth tests.
package authtest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/password"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
)

// Password is the password of every fixture user.
const Password = "test"

// Secret signs tokens issued in tests.
const Secret = "test-secret"

// Fixtures is the seeded reference data.
type Fixtures struct {
	Permissions map[string]auth.Permission
	Roles       map[string]auth.Role
	Users       map[string]*auth.User
}

// Config returns a provider configuration tuned for tests.
func Config() auth.ProviderConfig {
	cfg := auth.DefaultProviderConfig()
	cfg.Hasher = password.NewHasher(bcrypt.MinCost, password.EncodingUTF8)
	cfg.Secret = Secret
	cfg.BaseURL = "http://gatekeeper.test"
	return cfg
}

// OpenDB returns a migrated in-memory database.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), ":memory:", db.Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(conn, nil) })
	require.NoError(t, auth.Migrate(context.Background(), conn))
	return conn
}

// Seed inserts the guest, regular and admin roles, the create, read and
// delete permissions, and the users test, admin, regular and complex.
func Seed(t *testing.T, conn *gorm.DB, hasher password.Hasher) Fixtures {
	t.Helper()
	fx := Fixtures{
		Permissions: make(map[string]auth.Permission),
		Roles:       make(map[string]auth.Role),
		Users:       make(map[string]*auth.User),
	}
	for _, p := range []auth.Permission{{Name: "Create", Key: "create"}, {Name: "Delete", Key: "delete"}, {Name: "Read", Key: "read"}} {
		require.NoError(t, conn.Create(&p).Error)
		fx.Permissions[p.Key] = p
	}
	grants := map[string][]string{
		"guest":   {"read"},
		"regular": {"create", "read", "delete"},
		"admin":   {"create", "read", "delete"},
	}
	for _, r := range []auth.Role{{Name: "Guest", Key: "guest"}, {Name: "Regular", Key: "regular"}, {Name: "Admin", Key: "admin"}} {
		require.NoError(t, conn.Omit(clause.Associations).Create(&r).Error)
		for _, key := range grants[r.Key] {
			grant := auth.RolePermission{RoleID: r.ID, PermissionID: fx.Permissions[key].ID, Value: auth.Allow}
			require.NoError(t, conn.Omit(clause.Associations).Create(&grant).Error)
			grant.Permission = fx.Permissions[key]
			r.Permissions = append(r.Permissions, grant)
		}
		fx.Roles[r.Key] = r
	}

	repo := auth.NewRepository(conn)
	users := []struct {
		username  string
		roles     []string
		overrides map[string]int16
		order     []string
	}{
		{username: "test", roles: []string{"guest"}},
		{username: "admin", roles: []string{"admin"}},
		{username: "regular", roles: []string{"regular"}, overrides: map[string]int16{"create": auth.Deny, "read": auth.Allow}, order: []string{"create", "read"}},
		{username: "complex", roles: []string{"guest", "admin"}, overrides: map[string]int16{"delete": auth.Deny}, order: []string{"delete"}},
	}
	for _, u := range users {
		hash, salt, err := hasher.Hash(Password)
		require.NoError(t, err)
		user := &auth.User{Username: u.username}
		user.SetEmail(u.username + "@example.com")
		user.SetPassword(hash, salt)
		for _, key := range u.roles {
			user.AddRole(fx.Roles[key])
		}
		for _, key := range u.order {
			user.AddPermission(fx.Permissions[key], u.overrides[key])
		}
		require.NoError(t, repo.CreateUser(context.Background(), user))
		fx.Users[u.username] = user
	}
	return fx
}

// Mailbox is an auth.Notifier that records notifications.
type Mailbox struct {
	mu   sync.Mutex
	sent []auth.Notification
	Err  error
}

// Notify implements auth.Notifier.
func (m *Mailbox) Notify(_ context.Context, n auth.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (m *Mailbox) Sent() []auth.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
