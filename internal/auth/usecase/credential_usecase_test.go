package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	authdto "replywatch-backend/internal/auth/dto"
	"replywatch-backend/internal/auth/repository"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/config"
	"replywatch-backend/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestUsecase(t *testing.T) (*credentialUsecase, repository.UserRepository) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&authdomain.User{}, &authdomain.FCMToken{}))

	cfg := &config.Config{
		EncryptionKey:           strings.Repeat("ab", 32),
		CredentialRefreshWindow: 24 * time.Hour,
	}
	users := repository.NewUserRepository(db)
	uc := NewCredentialUsecase(users, repository.NewFCMTokenRepository(db), cfg).(*credentialUsecase)
	return uc, users
}

func TestRegisterAccount_IMAPPasswordIsSealed(t *testing.T) {
	uc, users := newTestUsecase(t)

	user, err := uc.RegisterAccount(&authdto.RegisterAccountRequest{
		Email:        "Owner@Example.com",
		Provider:     "imap",
		IMAPServer:   "imap.example.com",
		IMAPPort:     993,
		IMAPPassword: "app-password",
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", user.Email)

	stored, err := users.FindByID(user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "app-password", stored.IMAPPassword)

	account, err := uc.AccountFor(stored)
	require.NoError(t, err)
	assert.Equal(t, "app-password", account.IMAPPassword)
	assert.Equal(t, mailboxdomain.ProviderIMAP, account.Provider)

	_, err = uc.RegisterAccount(&authdto.RegisterAccountRequest{Email: "owner@example.com", Provider: "imap", IMAPServer: "x", IMAPPassword: "y"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterAccount_OAuthNeedsRefreshToken(t *testing.T) {
	uc, _ := newTestUsecase(t)
	_, err := uc.RegisterAccount(&authdto.RegisterAccountRequest{Email: "a@b.com", Provider: "gmail", AccessToken: "x"})
	assert.ErrorIs(t, err, ErrMissingTokens)
}

func TestRefreshExpiring(t *testing.T) {
	uc, users := newTestUsecase(t)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	uc.oauthConfigs[mailboxdomain.ProviderGmail] = &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: tokenServer.URL, AuthStyle: oauth2.AuthStyleInParams},
	}

	soon := time.Now().Add(time.Hour)
	good := &authdomain.User{Email: "good@x.com", Provider: mailboxdomain.ProviderGmail, AccessToken: "old", RefreshToken: "ok", TokenExpiry: soon, Active: true}
	bad := &authdomain.User{Email: "bad@x.com", Provider: mailboxdomain.ProviderGmail, AccessToken: "old", RefreshToken: "revoked", TokenExpiry: soon, Active: true}
	later := &authdomain.User{Email: "later@x.com", Provider: mailboxdomain.ProviderGmail, AccessToken: "old", RefreshToken: "ok", TokenExpiry: time.Now().Add(72 * time.Hour), Active: true}
	for _, u := range []*authdomain.User{good, bad, later} {
		require.NoError(t, users.Create(u))
	}

	report, err := uc.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Reauth)

	g, _ := users.FindByID(good.ID)
	assert.Equal(t, "fresh", g.AccessToken)
	assert.Equal(t, "ok", g.RefreshToken)
	assert.False(t, g.RequiresReauth)

	b, _ := users.FindByID(bad.ID)
	assert.True(t, b.RequiresReauth)

	l, _ := users.FindByID(later.ID)
	assert.Equal(t, "old", l.AccessToken)
}

func TestAdminAuth(t *testing.T) {
	a := NewAdminAuth("secret", time.Hour)
	token, err := a.IssueToken("ops")
	require.NoError(t, err)

	subject, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)

	_, err = NewAdminAuth("other", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewAdminAuth("secret", -time.Minute).IssueToken("ops")
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccountForUser_ReauthHold(t *testing.T) {
	uc, users := newTestUsecase(t)
	user := &authdomain.User{Email: "held@x.com", Provider: mailboxdomain.ProviderGmail, RefreshToken: "r", Active: true}
	require.NoError(t, users.Create(user))

	_, err := uc.AccountForUser(user.ID)
	require.NoError(t, err)

	require.NoError(t, uc.MarkReauthRequired(user.ID, mailboxdomain.ErrCredential))
	_, err = uc.AccountForUser(user.ID)
	assert.ErrorIs(t, err, mailboxdomain.ErrCredential)

	require.NoError(t, uc.PersistToken(user.ID, &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(time.Hour)}))
	_, err = uc.AccountForUser(user.ID)
	assert.NoError(t, err)

	_, err = uc.AccountForUser("missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateCredentials_ClearsHold(t *testing.T) {
	uc, users := newTestUsecase(t)

	mailbox, err := uc.RegisterAccount(&authdto.RegisterAccountRequest{
		Email: "imap@x.com", Provider: "imap", IMAPServer: "imap.x.com", IMAPPort: 993, IMAPPassword: "old-pass",
	})
	require.NoError(t, err)
	require.NoError(t, uc.MarkReauthRequired(mailbox.ID, mailboxdomain.ErrCredential))

	_, err = uc.UpdateCredentials(mailbox.ID, &authdto.UpdateCredentialsRequest{})
	assert.ErrorIs(t, err, ErrMissingIMAPAuth)

	_, err = uc.UpdateCredentials(mailbox.ID, &authdto.UpdateCredentialsRequest{IMAPPassword: "new-pass"})
	require.NoError(t, err)
	account, err := uc.AccountForUser(mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-pass", account.IMAPPassword)
	assert.Equal(t, "imap.x.com", account.IMAPServer)
	assert.Equal(t, 993, account.IMAPPort)

	oauth := &authdomain.User{Email: "g@x.com", Provider: mailboxdomain.ProviderGmail, RefreshToken: "revoked", Active: true, RequiresReauth: true}
	require.NoError(t, users.Create(oauth))
	_, err = uc.UpdateCredentials(oauth.ID, &authdto.UpdateCredentialsRequest{AccessToken: "a"})
	assert.ErrorIs(t, err, ErrMissingTokens)

	updated, err := uc.UpdateCredentials(oauth.ID, &authdto.UpdateCredentialsRequest{AccessToken: "a", RefreshToken: "granted", ExpiresIn: 3600})
	require.NoError(t, err)
	assert.False(t, updated.RequiresReauth)
	stored, err := users.FindByID(oauth.ID)
	require.NoError(t, err)
	assert.Equal(t, "granted", stored.RefreshToken)
	assert.False(t, stored.RequiresReauth)

	_, err = uc.UpdateCredentials("missing", &authdto.UpdateCredentialsRequest{RefreshToken: "x"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}
