package domain

import "time"

type SyncStatus string

const (
	SyncStatusActive SyncStatus = "active"
	SyncStatusError  SyncStatus = "error"
)

// SyncCheckpoint is a user's position in the provider change feed. An empty cursor means the
// next run initializes from the provider's current position.
type SyncCheckpoint struct {
	ID                string     `json:"id" gorm:"primaryKey"`
	UserID            string     `json:"user_id" gorm:"uniqueIndex:idx_checkpoint_user_provider;not null"`
	Provider          string     `json:"provider" gorm:"uniqueIndex:idx_checkpoint_user_provider;not null"`
	Cursor            string     `json:"cursor" gorm:"type:text"`
	Status            SyncStatus `json:"status" gorm:"default:active"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error" gorm:"type:text"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
