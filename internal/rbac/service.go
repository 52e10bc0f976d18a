package rbac

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odyssey-erp/gatekeeper/internal/acl"
	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/password"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Service orchestrates role, permission and user administration. Every
// mutating method runs in one transaction.
type Service struct {
	db          *gorm.DB
	repo        auth.Repository
	hasher      password.Hasher
	maxPassword int
}

// Option customises a Service.
type Option func(*Service)

// WithPasswordMaxLength rejects new passwords longer than n characters, the
// limit Authenticate applies at login.
func WithPasswordMaxLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPassword = n
		}
	}
}

// NewService constructs a Service backed by conn.
func NewService(conn *gorm.DB, hasher password.Hasher, opts ...Option) *Service {
	s := &Service{
		db:          conn,
		repo:        auth.NewRepository(conn),
		hasher:      hasher,
		maxPassword: auth.DefaultProviderConfig().PasswordMaxLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRoles returns all roles with their grants, ordered by key.
func (s *Service) ListRoles(ctx context.Context) ([]auth.Role, error) {
	var roles []auth.Role
	err := s.db.WithContext(ctx).
		Preload("Permissions", func(tx *gorm.DB) *gorm.DB { return tx.Order("roles_has_permissions.id ASC") }).
		Preload("Permissions.Permission").
		Order(byKey).
		Find(&roles).Error
	return roles, err
}

// ListPermissions returns all permissions ordered by key.
func (s *Service) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	var perms []auth.Permission
	err := s.db.WithContext(ctx).Order(byKey).Find(&perms).Error
	return perms, err
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, key, name string) (auth.Role, error) {
	key, name = strings.TrimSpace(key), strings.TrimSpace(name)
	if key == "" || name == "" {
		return auth.Role{}, fmt.Errorf("%w: role key and name required", ErrInvalidInput)
	}
	role := auth.Role{Key: key, Name: name}
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return mapError(tx.Omit(clause.Associations).Create(&role).Error)
	})
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

// CreatePermission inserts a new permission.
func (s *Service) CreatePermission(ctx context.Context, key, name string) (auth.Permission, error) {
	key, name = strings.TrimSpace(key), strings.TrimSpace(name)
	if key == "" || name == "" {
		return auth.Permission{}, fmt.Errorf("%w: permission key and name required", ErrInvalidInput)
	}
	perm := auth.Permission{Key: key, Name: name}
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return mapError(tx.Create(&perm).Error)
	})
	if err != nil {
		return auth.Permission{}, err
	}
	return perm, nil
}

// GrantRolePermission sets the value of permissionKey on roleKey, replacing
// any existing grant.
func (s *Service) GrantRolePermission(ctx context.Context, roleKey, permissionKey string, allow bool) (auth.Role, auth.Permission, error) {
	var role auth.Role
	var perm auth.Permission
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		if role, err = findRole(tx, roleKey); err != nil {
			return err
		}
		if perm, err = findPermission(tx, permissionKey); err != nil {
			return err
		}
		grant := auth.RolePermission{RoleID: role.ID, PermissionID: perm.ID, Value: value(allow)}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role_id"}, {Name: "permission_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Omit(clause.Associations).Create(&grant).Error
	})
	return role, perm, err
}

// CreateUser hashes password and inserts a user. Passwords longer than the
// configured maximum are refused since they could never be used to log in.
func (s *Service) CreateUser(ctx context.Context, username, email, plain string) (*auth.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(plain) > s.maxPassword {
		return nil, fmt.Errorf("%w: password longer than %d characters", ErrInvalidInput, s.maxPassword)
	}
	hash, salt, err := s.hasher.Hash(plain)
	if err != nil {
		return nil, err
	}
	user := &auth.User{Username: username}
	user.SetEmail(email)
	user.SetPassword(hash, salt)
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// AddUserRole appends roleKey to the user's roles and returns the reloaded
// user. Adding a role the user already holds is a no-op.
func (s *Service) AddUserRole(ctx context.Context, username, roleKey string) (*auth.User, auth.Role, error) {
	var (
		user *auth.User
		role auth.Role
	)
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		repo := auth.NewRepository(tx)
		found, err := repo.FindUserByField(ctx, auth.FieldUsername, username)
		if err != nil {
			return err
		}
		if role, err = findRole(tx, roleKey); err != nil {
			return err
		}
		membership := auth.UserRole{UserID: found.ID, RoleID: role.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&membership).Error; err != nil {
			return mapError(err)
		}
		user, err = repo.FindUserByID(ctx, found.ID)
		return err
	})
	if err != nil {
		return nil, auth.Role{}, err
	}
	return user, role, nil
}

// SetUserPermission sets an explicit override for the user and returns the
// reloaded user.
func (s *Service) SetUserPermission(ctx context.Context, username, permissionKey string, allow bool) (*auth.User, auth.Permission, error) {
	var (
		user *auth.User
		perm auth.Permission
	)
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		repo := auth.NewRepository(tx)
		found, err := repo.FindUserByField(ctx, auth.FieldUsername, username)
		if err != nil {
			return err
		}
		if perm, err = findPermission(tx, permissionKey); err != nil {
			return err
		}
		override := auth.UserPermission{UserID: found.ID, PermissionID: perm.ID, Value: value(allow)}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "permission_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Omit(clause.Associations).Create(&override).Error
		if err != nil {
			return mapError(err)
		}
		user, err = repo.FindUserByID(ctx, found.ID)
		return err
	})
	if err != nil {
		return nil, auth.Permission{}, err
	}
	return user, perm, nil
}

// EffectivePermissions resolves the user's permission set.
func (s *Service) EffectivePermissions(ctx context.Context, username string, allowDefault bool) (map[string]acl.Permission, error) {
	user, err := s.repo.FindUserByField(ctx, auth.FieldUsername, username)
	if err != nil {
		return nil, err
	}
	return user.ACL(allowDefault).Permissions(), nil
}

// Seed writes data, skipping permissions and roles that already exist.
func (s *Service) Seed(ctx context.Context, data SeedData) error {
	return db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		for _, p := range data.Permissions {
			perm := auth.Permission{Key: p.Key, Name: p.Name}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&perm).Error; err != nil {
				return err
			}
		}
		for _, r := range data.Roles {
			role := auth.Role{Key: r.Key, Name: r.Name}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&role).Error; err != nil {
				return err
			}
			role, err := findRole(tx, r.Key)
			if err != nil {
				return err
			}
			for _, g := range r.Grants {
				perm, err := findPermission(tx, g.Permission)
				if err != nil {
					return err
				}
				grant := auth.RolePermission{RoleID: role.ID, PermissionID: perm.ID, Value: value(g.Allow)}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&grant).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// HashPassword returns the hash and salt for plain under the configured cost.
func (s *Service) HashPassword(plain string) (hash, salt string, err error) {
	return s.hasher.Hash(plain)
}

const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePassword returns a random password of length characters.
func GeneratePassword(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: length must be positive", ErrInvalidInput)
	}
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

var (
	keyColumn = clause.Column{Name: "key"}
	byKey     = clause.OrderByColumn{Column: keyColumn}
)

func findRole(tx *gorm.DB, key string) (auth.Role, error) {
	var role auth.Role
	if err := tx.Where(clause.Eq{Column: keyColumn, Value: key}).Take(&role).Error; err != nil {
		return auth.Role{}, fmt.Errorf("role %q: %w", key, mapError(err))
	}
	return role, nil
}

func findPermission(tx *gorm.DB, key string) (auth.Permission, error) {
	var perm auth.Permission
	if err := tx.Where(clause.Eq{Column: keyColumn, Value: key}).Take(&perm).Error; err != nil {
		return auth.Permission{}, fmt.Errorf("permission %q: %w", key, mapError(err))
	}
	return perm, nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return shared.ErrNotFound
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", shared.ErrDuplicate, err)
	default:
		return err
	}
}
