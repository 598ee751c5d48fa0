package domain

import "time"

// Audit entry kinds.
const (
	AuditLayer        = "layer"
	AuditOrchestrator = "orchestrator"
	AuditPreflight    = "preflight"
)

// DetectionAttempt is one append-only audit row: a single layer run or a whole orchestration.
type DetectionAttempt struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	AttemptID     string    `json:"attempt_id" gorm:"index"` // groups rows of one orchestration
	SentMessageID string    `json:"sent_message_id" gorm:"index"`
	UserID        string    `json:"user_id" gorm:"index"`
	Kind          string    `json:"kind"`
	Layer         string    `json:"layer,omitempty"`
	Query         string    `json:"query" gorm:"type:text"`
	Found         bool      `json:"found"`
	Healthy       bool      `json:"healthy"`
	PendingReview bool      `json:"pending_review"`
	ResultCount   int       `json:"result_count"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty" gorm:"type:text"`
	Details       Metadata  `json:"details,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}
