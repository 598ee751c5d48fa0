package repository

import (
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
)

// UserRepository defines the interface for mailbox owner persistence
type UserRepository interface {
	Create(user *authdomain.User) error
	FindByID(id string) (*authdomain.User, error)
	FindByEmail(email string) (*authdomain.User, error)
	Update(user *authdomain.User) error
	// ListActive returns active users, including those waiting for re-authentication
	ListActive() ([]*authdomain.User, error)
	// ListExpiring returns active OAuth users whose access token expires before the given time,
	// plus those held for re-authentication
	ListExpiring(before time.Time) ([]*authdomain.User, error)
	UpdateTokens(userID, accessToken, refreshToken string, expiry time.Time) error
	SetRequiresReauth(userID string, required bool) error
}
