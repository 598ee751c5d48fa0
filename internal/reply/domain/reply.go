package domain

import "time"

// Reply is a confirmed reply. (UserID, ProviderMessageID) is the idempotency key; rows are
// never updated.
type Reply struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	SentMessageID     string    `json:"sent_message_id" gorm:"index;not null"`
	UserID            string    `json:"user_id" gorm:"uniqueIndex:idx_reply_user_msg;not null"`
	ContactID         string    `json:"contact_id" gorm:"index"`
	ProviderMessageID string    `json:"provider_message_id" gorm:"uniqueIndex:idx_reply_user_msg;not null"`
	ThreadID          string    `json:"thread_id"`
	FromAddress       string    `json:"from_address"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body" gorm:"type:text"`
	ReceivedAt        time.Time `json:"received_at"`
	DetectedBy        string    `json:"detected_by"` // layer or sync strategy name
	Metadata          Metadata  `json:"metadata" gorm:"type:text"`
	CreatedAt         time.Time `json:"created_at"`
}

// Match outcomes recorded on ProcessedMessage.
const (
	MatchNone      = "none"
	MatchMatched   = "matched"
	MatchAutoReply = "auto_reply"
	MatchBounce    = "bounce"
	MatchOwn       = "own_message"
	MatchNotReply  = "not_reply"
)

// ProcessedMessage records every inbound message the sync engine evaluated. At most one per
// (user, provider message id).
type ProcessedMessage struct {
	ID                string      `json:"id" gorm:"primaryKey"`
	UserID            string      `json:"user_id" gorm:"uniqueIndex:idx_processed_user_msg;not null"`
	ProviderMessageID string      `json:"provider_message_id" gorm:"uniqueIndex:idx_processed_user_msg;not null"`
	ThreadID          string      `json:"thread_id"`
	MessageIDHeader   string      `json:"message_id_header"`
	InReplyTo         StringArray `json:"in_reply_to" gorm:"type:text"`
	References        StringArray `json:"references" gorm:"type:text"`
	FromAddress       string      `json:"from_address"`
	IsReply           bool        `json:"is_reply"`
	IsAutoReply       bool        `json:"is_auto_reply"`
	IsBounce          bool        `json:"is_bounce"`
	MatchOutcome      string      `json:"match_outcome"`
	SentMessageID     string      `json:"sent_message_id,omitempty"`
	ProcessedAt       time.Time   `json:"processed_at"`
}
