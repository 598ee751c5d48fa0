package domain

import "time"

// SentMessage is an outbound message awaiting a reply. It is created by the send path; this
// engine only sets ReplyReceived (never clears it) and LastReplyCheck.
type SentMessage struct {
	ID        string `json:"id" gorm:"primaryKey"`
	UserID    string `json:"user_id" gorm:"index;not null"`
	ContactID string `json:"contact_id" gorm:"index;not null"`

	// Provider identifiers. MessageIDHeader is the RFC Message-ID without brackets.
	ProviderMessageID string `json:"provider_message_id"`
	ThreadID          string `json:"thread_id" gorm:"index"`
	MessageIDHeader   string `json:"message_id_header" gorm:"index"`

	Subject        string     `json:"subject"`
	SentAt         time.Time  `json:"sent_at" gorm:"index"`
	ReplyReceived  bool       `json:"reply_received" gorm:"index;default:false"`
	LastReplyCheck *time.Time `json:"last_reply_check"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Contact is read-only to this engine.
type Contact struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"index;not null"`
	Email     string    `json:"email" gorm:"index;not null"`
	Name      string    `json:"name"`
	Company   string    `json:"company"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
