package domain

import (
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
)

// Layer names.
const (
	LayerThread       = "thread"
	LayerExactAddress = "exact_address"
	LayerDomain       = "domain"
	LayerDisplayName  = "display_name"
	LayerSubject      = "subject"
)

// DetectionOptions describes one sent message to look for replies to.
type DetectionOptions struct {
	UserID          string
	Provider        mailboxdomain.ProviderType
	SentMessageID   string
	ContactID       string
	ContactEmail    string
	ContactName     string
	ContactCompany  string
	Subject         string
	SentAt          time.Time
	ThreadID        string
	MessageIDHeader string
	// OwnAddress is the mailbox owner; messages from it never count.
	OwnAddress string
	// Aliases are extra addresses known to belong to the contact.
	Aliases []string
}

// LayerResult is a single layer's outcome. Healthy=false means the layer could not answer.
type LayerResult struct {
	Layer          string                   `json:"layer"`
	Found          bool                     `json:"found"`
	Replies        []*mailboxdomain.Message `json:"-"`
	Healthy        bool                     `json:"healthy"`
	Error          string                   `json:"error,omitempty"`
	SearchMetadata map[string]string        `json:"search_metadata,omitempty"`
	DurationMs     int64                    `json:"duration_ms"`
}

// QuorumResult combines layer results.
type QuorumResult struct {
	QuorumMet     bool     `json:"quorum_met"`
	Found         bool     `json:"found"`
	PendingReview bool     `json:"pending_review"`
	HealthyLayers []string `json:"healthy_layers"`
	FoundLayers   []string `json:"found_layers"`
	FailedLayers  []string `json:"failed_layers"`
}

// FoundReply is a merged reply with the first layer that reported it.
type FoundReply struct {
	Message *mailboxdomain.Message
	Layer   string
}

// ComprehensiveDetectionResult is the orchestrator's answer for one sent message.
type ComprehensiveDetectionResult struct {
	AttemptID      string        `json:"attempt_id"`
	SentMessageID  string        `json:"sent_message_id"`
	Found          bool          `json:"found"`
	QuorumMet      bool          `json:"quorum_met"`
	PendingReview  bool          `json:"pending_review"`
	RequiresReauth bool          `json:"requires_reauth"`
	Quorum         QuorumResult  `json:"quorum"`
	Layers         []LayerResult `json:"layers"`
	Replies        []FoundReply  `json:"-"`
	ReviewItemID   string        `json:"review_item_id,omitempty"`
	ReviewAttempts int           `json:"review_attempts,omitempty"`
	AliasesLearned []string      `json:"aliases_learned,omitempty"`
	Error          string        `json:"error,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
}
