package repository

import (
	"errors"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// userRepository implements UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new instance of userRepository
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{
		db: db,
	}
}

func (r *userRepository) Create(user *authdomain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	return r.db.Create(user).Error
}

func (r *userRepository) FindByEmail(email string) (*authdomain.User, error) {
	var user authdomain.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) FindByID(id string) (*authdomain.User, error) {
	var user authdomain.User
	err := r.db.Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Update(user *authdomain.User) error {
	user.UpdatedAt = time.Now()
	return r.db.Save(user).Error
}

func (r *userRepository) ListActive() ([]*authdomain.User, error) {
	var users []*authdomain.User
	err := r.db.Where("active = ?", true).Order("created_at ASC").Find(&users).Error
	return users, err
}

func (r *userRepository) ListExpiring(before time.Time) ([]*authdomain.User, error) {
	var users []*authdomain.User
	err := r.db.
		Where("active = ? AND refresh_token <> ''", true).
		Where("token_expiry < ? OR requires_reauth = ?", before, true).
		Where("provider IN ?", []mailboxdomain.ProviderType{mailboxdomain.ProviderGmail, mailboxdomain.ProviderOutlook}).
		Find(&users).Error
	return users, err
}

// UpdateTokens stores a refreshed grant and lifts any re-authentication hold
func (r *userRepository) UpdateTokens(userID, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token":    accessToken,
		"token_expiry":    expiry,
		"requires_reauth": false,
		"updated_at":      time.Now(),
	}
	// Providers omit the refresh token when it did not rotate
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.Model(&authdomain.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *userRepository) SetRequiresReauth(userID string, required bool) error {
	return r.db.Model(&authdomain.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"requires_reauth": required,
		"updated_at":      time.Now(),
	}).Error
}
