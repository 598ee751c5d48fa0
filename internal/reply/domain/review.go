package domain

import (
	"errors"
	"time"
)

var (
	ErrReviewNotFound   = errors.New("review item not found")
	ErrReviewNotPending = errors.New("review item already resolved")
)

type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewAccepted     ReviewStatus = "accepted"
	ReviewRejected     ReviewStatus = "rejected"
	ReviewAutoResolved ReviewStatus = "auto_resolved"
)

const (
	ReviewReasonQuorumFailure = "quorum_failure"
	ReviewReasonAnomaly       = "reconciliation_anomaly"
)

// CandidateReply is the reply payload a reviewer may accept.
type CandidateReply struct {
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	FromAddress       string    `json:"from_address"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
	Layer             string    `json:"layer"`
}

// ManualReviewItem holds a low-confidence detection. Every status but pending is terminal. A sent
// message has at most one pending item; repeated escalations refresh it and bump Attempts.
type ManualReviewItem struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	SentMessageID string          `json:"sent_message_id" gorm:"index;not null"`
	ContactID     string          `json:"contact_id"`
	UserID        string          `json:"user_id" gorm:"index"`
	Reason        string          `json:"reason"`
	HealthyLayers StringArray     `json:"healthy_layers" gorm:"type:text"`
	FoundLayers   StringArray     `json:"found_layers" gorm:"type:text"`
	FailedLayers  StringArray     `json:"failed_layers" gorm:"type:text"`
	Candidate     *CandidateReply `json:"candidate,omitempty" gorm:"serializer:json;type:text"`
	Status        ReviewStatus    `json:"status" gorm:"index;default:pending"`
	Attempts      int             `json:"attempts" gorm:"default:1"`
	ReviewedBy    string          `json:"reviewed_by,omitempty"`
	Notes         string          `json:"notes,omitempty" gorm:"type:text"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
