package domain

import (
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
)

// User is a mailbox owner whose sent messages are watched for replies.
type User struct {
	ID           string                     `json:"id" gorm:"primaryKey"`
	Email        string                     `json:"email" gorm:"uniqueIndex;not null"`
	Name         string                     `json:"name"`
	Provider     mailboxdomain.ProviderType `json:"provider" gorm:"index;not null"`
	AccessToken  string                     `json:"-"`
	RefreshToken string                     `json:"-"`
	TokenExpiry  time.Time                  `json:"token_expiry"`

	IMAPServer   string `json:"imap_server,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPPassword string `json:"-"` // sealed with the encryption key

	// RequiresReauth suspends sync until a token refresh or re-login succeeds.
	RequiresReauth bool      `json:"requires_reauth" gorm:"default:false"`
	Active         bool      `json:"active" gorm:"default:true"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UsesOAuth reports whether the user's provider authenticates with OAuth tokens.
func (u *User) UsesOAuth() bool {
	return u.Provider == mailboxdomain.ProviderGmail || u.Provider == mailboxdomain.ProviderOutlook
}
