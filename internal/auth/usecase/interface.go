package usecase

import (
	"context"

	authdomain "replywatch-backend/internal/auth/domain"
	authdto "replywatch-backend/internal/auth/dto"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"

	"golang.org/x/oauth2"
)

// CredentialUsecase owns mailbox credentials: onboarding, token persistence and proactive refresh.
type CredentialUsecase interface {
	RegisterAccount(req *authdto.RegisterAccountRequest) (*authdomain.User, error)
	// UpdateCredentials stores new credentials and lifts the re-authentication hold.
	UpdateCredentials(userID string, req *authdto.UpdateCredentialsRequest) (*authdomain.User, error)
	GetUser(userID string) (*authdomain.User, error)
	ListActiveUsers() ([]*authdomain.User, error)
	// AccountFor builds connector credentials, unsealing the IMAP password.
	AccountFor(user *authdomain.User) (mailboxdomain.Account, error)
	// AccountForUser loads the user and fails with ErrCredential while a re-authentication hold is set.
	AccountForUser(userID string) (mailboxdomain.Account, error)
	// PersistToken is handed to provider connectors as their refresh callback.
	PersistToken(userID string, token *oauth2.Token) error
	MarkReauthRequired(userID string, cause error) error
	RefreshExpiring(ctx context.Context) (authdto.RefreshReport, error)
	RegisterDevice(userID string, req *authdto.RegisterDeviceRequest) error
}

// AdminAuth issues and validates bearer tokens for the admin API.
type AdminAuth interface {
	IssueToken(subject string) (string, error)
	ValidateToken(token string) (string, error)
}
