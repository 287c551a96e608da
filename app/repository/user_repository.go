package repository

import (
	"context"
	"strings"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the user operations outside of billing reconciliation
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
	SaveAPIKey(ctx context.Context, user *models.User) error
	RevokeAPIKey(ctx context.Context, id uint) error
}

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create validates and inserts a new user
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKeyHash resolves an active API key hash to its user.
func (r *userRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND api_key_hash <> '' AND api_key_revoked_at IS NULL", trimmed).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveAPIKey persists the key fields set by models.User.IssueAPIKey.
func (r *userRepository) SaveAPIKey(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{
			"api_key_hash":       user.APIKeyHash,
			"api_key_prefix":     user.APIKeyPrefix,
			"api_key_revoked_at": nil,
		}).Error
}

// RevokeAPIKey disables the user's current key.
func (r *userRepository) RevokeAPIKey(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND api_key_revoked_at IS NULL", id).
		Update("api_key_revoked_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
