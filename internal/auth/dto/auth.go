package dto

import authdomain "replywatch-backend/internal/auth/domain"

// RegisterAccountRequest connects a mailbox. OAuth providers send tokens, IMAP sends a password.
type RegisterAccountRequest struct {
	Email        string `json:"email" binding:"required,email"`
	Name         string `json:"name"`
	Provider     string `json:"provider" binding:"required,oneof=gmail outlook imap"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IMAPServer   string `json:"imap_server"`
	IMAPPort     int    `json:"imap_port"`
	IMAPPassword string `json:"imap_password"`
}

// UpdateCredentialsRequest replaces the credentials of a registered mailbox after a re-login.
type UpdateCredentialsRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IMAPServer   string `json:"imap_server"`
	IMAPPort     int    `json:"imap_port"`
	IMAPPassword string `json:"imap_password"`
}

type RegisterDeviceRequest struct {
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

type AccountResponse struct {
	User *authdomain.User `json:"user"`
}

// RefreshReport summarizes one proactive credential refresh pass.
type RefreshReport struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Reauth    int `json:"reauth"`
	Failed    int `json:"failed"`
}
