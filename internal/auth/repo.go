package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Lookup columns accepted by FindUserByField.
const (
	FieldUsername = "username"
	FieldEmail    = "email"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	FindUserByField(ctx context.Context, field, value string) (*User, error)
	FindUserByID(ctx context.Context, id uint64) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	SaveUser(ctx context.Context, user *User) error
	CreateToken(ctx context.Context, token *ForgottenPasswordToken) error
	FindLatestToken(ctx context.Context, token string) (*ForgottenPasswordToken, error)
	DeleteToken(ctx context.Context, token *ForgottenPasswordToken) error
	UpdatePasswordAndConsumeToken(ctx context.Context, user *User, token *ForgottenPasswordToken) error
}

// GormRepository implements Repository using gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewRepository constructs a gorm-backed repository.
func NewRepository(conn *gorm.DB) *GormRepository {
	return &GormRepository{db: conn}
}

// Migrate creates or updates the auth schema.
func Migrate(ctx context.Context, conn *gorm.DB) error {
	if err := conn.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auth: migrate: %w", err)
	}
	return nil
}

// PreloadUserGraph loads roles (in membership order) with their grants and
// the user's explicit permissions.
func PreloadUserGraph(tx *gorm.DB) *gorm.DB {
	return preloadUserGraph(tx, "")
}

func preloadUserGraph(tx *gorm.DB, prefix string) *gorm.DB {
	return tx.
		Preload(prefix+"Roles", func(tx *gorm.DB) *gorm.DB { return tx.Order("users_has_roles.id ASC") }).
		Preload(prefix+"Roles.Role").
		Preload(prefix+"Roles.Role.Permissions", func(tx *gorm.DB) *gorm.DB { return tx.Order("roles_has_permissions.id ASC") }).
		Preload(prefix + "Roles.Role.Permissions.Permission").
		Preload(prefix+"Permissions", func(tx *gorm.DB) *gorm.DB { return tx.Order("users_has_permissions.id ASC") }).
		Preload(prefix + "Permissions.Permission")
}

// FindUserByField fetches a user by username or email.
func (r *GormRepository) FindUserByField(ctx context.Context, field, value string) (*User, error) {
	if field != FieldUsername && field != FieldEmail {
		return nil, fmt.Errorf("auth: unsupported lookup field %q", field)
	}
	if value == "" {
		return nil, shared.ErrNotFound
	}
	var user User
	err := PreloadUserGraph(r.db.WithContext(ctx)).Where(clause.Eq{Column: clause.Column{Name: field}, Value: value}).Take(&user).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

// FindUserByID fetches a user by primary key.
func (r *GormRepository) FindUserByID(ctx context.Context, id uint64) (*User, error) {
	var user User
	if err := PreloadUserGraph(r.db.WithContext(ctx)).Take(&user, id).Error; err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

// CreateUser inserts a user together with its memberships and overrides.
// Referenced roles and permissions must already exist.
func (r *GormRepository) CreateUser(ctx context.Context, user *User) error {
	return db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(user).Error; err != nil {
			return mapError(err)
		}
		for i := range user.Roles {
			user.Roles[i].UserID = user.ID
			if err := tx.Omit(clause.Associations).Create(&user.Roles[i]).Error; err != nil {
				return mapError(err)
			}
		}
		for i := range user.Permissions {
			user.Permissions[i].UserID = user.ID
			if err := tx.Omit(clause.Associations).Create(&user.Permissions[i]).Error; err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

// SaveUser updates the user's scalar columns.
func (r *GormRepository) SaveUser(ctx context.Context, user *User) error {
	return mapError(r.db.WithContext(ctx).Omit(clause.Associations).Save(user).Error)
}

// CreateToken persists a forgotten-password token.
func (r *GormRepository) CreateToken(ctx context.Context, token *ForgottenPasswordToken) error {
	return db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
		return mapError(tx.Omit("User").Create(token).Error)
	})
}

// FindLatestToken returns the most recently created token matching value.
func (r *GormRepository) FindLatestToken(ctx context.Context, value string) (*ForgottenPasswordToken, error) {
	if value == "" {
		return nil, shared.ErrNotFound
	}
	var token ForgottenPasswordToken
	err := preloadUserGraph(r.db.WithContext(ctx).Preload("User"), "User.").
		Where("token = ?", value).
		Order("id DESC").
		Take(&token).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &token, nil
}

// DeleteToken removes a token.
func (r *GormRepository) DeleteToken(ctx context.Context, token *ForgottenPasswordToken) error {
	return db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
		return mapError(tx.Delete(&ForgottenPasswordToken{}, token.ID).Error)
	})
}

// UpdatePasswordAndConsumeToken saves the user's new credentials and deletes
// every outstanding token with the same value in one transaction.
func (r *GormRepository) UpdatePasswordAndConsumeToken(ctx context.Context, user *User, token *ForgottenPasswordToken) error {
	return db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(user).Error; err != nil {
			return mapError(err)
		}
		res := tx.Where("token = ? AND user_id = ?", token.Token, user.ID).Delete(&ForgottenPasswordToken{})
		if res.Error != nil {
			return mapError(res.Error)
		}
		if res.RowsAffected == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// PurgeTokens deletes tokens created before cutoff and reports how many
// were removed.
func (r *GormRepository) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ForgottenPasswordToken{})
	return res.RowsAffected, mapError(res.Error)
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

var _ Repository = (*GormRepository)(nil)
