package domain

import "time"

type AnomalyType string

const (
	AnomalyMissedReply    AnomalyType = "missed_reply"
	AnomalyQuorumFailure  AnomalyType = "quorum_failure"
	AnomalyStaleDetection AnomalyType = "stale_detection" // reserved
)

// AnomalyEntry is an append-only reconciliation finding.
type AnomalyEntry struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	RunID          string      `json:"run_id" gorm:"index"`
	SentMessageID  string      `json:"sent_message_id" gorm:"index;not null"`
	UserID         string      `json:"user_id" gorm:"index"`
	Type           AnomalyType `json:"type" gorm:"index"`
	RequiresReview bool        `json:"requires_review"`
	Details        Metadata    `json:"details" gorm:"type:text"`
	CreatedAt      time.Time   `json:"created_at" gorm:"index"`
}

type ReconciliationMode string

const (
	ModeHourly  ReconciliationMode = "hourly"
	ModeNightly ReconciliationMode = "nightly"
)

// ReconciliationRun records one pass of the reconciliation loop.
type ReconciliationRun struct {
	ID         string             `json:"id" gorm:"primaryKey"`
	Mode       ReconciliationMode `json:"mode" gorm:"index"`
	StartedAt  time.Time          `json:"started_at" gorm:"index"`
	FinishedAt *time.Time         `json:"finished_at"`
	Scanned    int                `json:"scanned"`
	Found      int                `json:"found"`
	Anomalies  int                `json:"anomalies"`
	Errors     int                `json:"errors"`
	LastError  string             `json:"last_error,omitempty" gorm:"type:text"`
}
