package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	authdto "replywatch-backend/internal/auth/dto"
	"replywatch-backend/internal/auth/repository"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/config"
	"replywatch-backend/pkg/utils/crypto"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAlreadyExists   = errors.New("mailbox already registered")
	ErrMissingTokens   = errors.New("oauth providers require a refresh token")
	ErrMissingIMAPAuth = errors.New("imap requires server and password")
)

type credentialUsecase struct {
	userRepo repository.UserRepository
	fcmRepo  repository.FCMTokenRepository
	config   *config.Config

	oauthConfigs map[mailboxdomain.ProviderType]*oauth2.Config
	now          func() time.Time
}

func NewCredentialUsecase(userRepo repository.UserRepository, fcmRepo repository.FCMTokenRepository, cfg *config.Config) CredentialUsecase {
	return &credentialUsecase{
		userRepo: userRepo,
		fcmRepo:  fcmRepo,
		config:   cfg,
		oauthConfigs: map[mailboxdomain.ProviderType]*oauth2.Config{
			mailboxdomain.ProviderGmail: {
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				Endpoint:     google.Endpoint,
			},
			mailboxdomain.ProviderOutlook: {
				ClientID:     cfg.MicrosoftClientID,
				ClientSecret: cfg.MicrosoftClientSecret,
				Endpoint:     microsoft.AzureADEndpoint(cfg.MicrosoftTenant),
				Scopes:       []string{"offline_access", "Mail.Read"},
			},
		},
		now: time.Now,
	}
}

func (u *credentialUsecase) RegisterAccount(req *authdto.RegisterAccountRequest) (*authdomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	existing, err := u.userRepo.FindByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}

	user := &authdomain.User{
		Email:    email,
		Name:     req.Name,
		Provider: mailboxdomain.ProviderType(req.Provider),
		Active:   true,
	}
	switch user.Provider {
	case mailboxdomain.ProviderGmail, mailboxdomain.ProviderOutlook:
		if req.RefreshToken == "" {
			return nil, ErrMissingTokens
		}
		user.AccessToken = req.AccessToken
		user.RefreshToken = req.RefreshToken
		if req.ExpiresIn > 0 {
			user.TokenExpiry = u.now().Add(time.Duration(req.ExpiresIn) * time.Second)
		}
	case mailboxdomain.ProviderIMAP:
		if req.IMAPServer == "" || req.IMAPPassword == "" {
			return nil, ErrMissingIMAPAuth
		}
		sealed, err := crypto.Encrypt(req.IMAPPassword, u.config.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("seal imap password: %w", err)
		}
		user.IMAPServer = req.IMAPServer
		user.IMAPPort = req.IMAPPort
		user.IMAPPassword = sealed
	default:
		return nil, fmt.Errorf("%w: %q", mailboxdomain.ErrUnsupportedProvider, req.Provider)
	}

	if err := u.userRepo.Create(user); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"userID": user.ID, "provider": user.Provider}).Info("[Auth] Mailbox registered")
	return user, nil
}

func (u *credentialUsecase) UpdateCredentials(userID string, req *authdto.UpdateCredentialsRequest) (*authdomain.User, error) {
	user, err := u.GetUser(userID)
	if err != nil {
		return nil, err
	}

	switch user.Provider {
	case mailboxdomain.ProviderGmail, mailboxdomain.ProviderOutlook:
		if req.RefreshToken == "" {
			return nil, ErrMissingTokens
		}
		user.AccessToken = req.AccessToken
		user.RefreshToken = req.RefreshToken
		user.TokenExpiry = time.Time{}
		if req.ExpiresIn > 0 {
			user.TokenExpiry = u.now().Add(time.Duration(req.ExpiresIn) * time.Second)
		}
	case mailboxdomain.ProviderIMAP:
		if req.IMAPPassword == "" {
			return nil, ErrMissingIMAPAuth
		}
		sealed, err := crypto.Encrypt(req.IMAPPassword, u.config.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("seal imap password: %w", err)
		}
		user.IMAPPassword = sealed
		if req.IMAPServer != "" {
			user.IMAPServer = req.IMAPServer
		}
		if req.IMAPPort > 0 {
			user.IMAPPort = req.IMAPPort
		}
	default:
		return nil, fmt.Errorf("%w: %q", mailboxdomain.ErrUnsupportedProvider, user.Provider)
	}
	user.RequiresReauth = false

	if err := u.userRepo.Update(user); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"userID": user.ID, "provider": user.Provider}).Info("[Auth] Credentials updated, re-authentication hold cleared")
	return user, nil
}

func (u *credentialUsecase) GetUser(userID string) (*authdomain.User, error) {
	user, err := u.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (u *credentialUsecase) ListActiveUsers() ([]*authdomain.User, error) {
	return u.userRepo.ListActive()
}

func (u *credentialUsecase) AccountFor(user *authdomain.User) (mailboxdomain.Account, error) {
	account := mailboxdomain.Account{
		UserID:       user.ID,
		Email:        user.Email,
		Provider:     user.Provider,
		AccessToken:  user.AccessToken,
		RefreshToken: user.RefreshToken,
		TokenExpiry:  user.TokenExpiry,
		IMAPServer:   user.IMAPServer,
		IMAPPort:     user.IMAPPort,
	}
	if user.IMAPPassword != "" {
		password, err := crypto.Decrypt(user.IMAPPassword, u.config.EncryptionKey)
		if err != nil {
			return account, fmt.Errorf("unseal imap password: %v: %w", err, mailboxdomain.ErrCredential)
		}
		account.IMAPPassword = password
	}
	return account, nil
}

func (u *credentialUsecase) AccountForUser(userID string) (mailboxdomain.Account, error) {
	user, err := u.GetUser(userID)
	if err != nil {
		return mailboxdomain.Account{}, err
	}
	if user.RequiresReauth {
		return mailboxdomain.Account{}, fmt.Errorf("user %s requires re-authentication: %w", userID, mailboxdomain.ErrCredential)
	}
	return u.AccountFor(user)
}

func (u *credentialUsecase) PersistToken(userID string, token *oauth2.Token) error {
	return u.userRepo.UpdateTokens(userID, token.AccessToken, token.RefreshToken, token.Expiry)
}

func (u *credentialUsecase) MarkReauthRequired(userID string, cause error) error {
	logrus.WithError(cause).WithField("userID", userID).Warn("[Auth] Credentials rejected, suspending sync until re-authentication")
	return u.userRepo.SetRequiresReauth(userID, true)
}

// RefreshExpiring refreshes every OAuth grant expiring within the configured window. A grant the
// provider rejects marks the user for re-authentication; token endpoint outages are left for the next pass.
func (u *credentialUsecase) RefreshExpiring(ctx context.Context) (authdto.RefreshReport, error) {
	var report authdto.RefreshReport
	users, err := u.userRepo.ListExpiring(u.now().Add(u.config.CredentialRefreshWindow))
	if err != nil {
		return report, err
	}

	for _, user := range users {
		report.Checked++
		oc, ok := u.oauthConfigs[user.Provider]
		if !ok {
			continue
		}
		// An already-expired token forces the source to hit the token endpoint.
		stale := &oauth2.Token{RefreshToken: user.RefreshToken, Expiry: u.now().Add(-time.Minute)}
		fresh, err := oc.TokenSource(ctx, stale).Token()
		if err != nil {
			if mailboxdomain.IsCredential(err) {
				report.Reauth++
				if markErr := u.MarkReauthRequired(user.ID, err); markErr != nil {
					return report, markErr
				}
				continue
			}
			report.Failed++
			logrus.WithError(err).WithField("userID", user.ID).Warn("[Auth] Token refresh failed, will retry")
			continue
		}
		if err := u.PersistToken(user.ID, fresh); err != nil {
			return report, err
		}
		report.Refreshed++
	}

	logrus.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"refreshed": report.Refreshed,
		"reauth":    report.Reauth,
		"failed":    report.Failed,
	}).Info("[Auth] Credential refresh pass finished")
	return report, nil
}

func (u *credentialUsecase) RegisterDevice(userID string, req *authdto.RegisterDeviceRequest) error {
	if _, err := u.GetUser(userID); err != nil {
		return err
	}
	return u.fcmRepo.SaveToken(userID, req.Token, req.DeviceInfo)
}
