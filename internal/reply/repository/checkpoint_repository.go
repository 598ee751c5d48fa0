package repository

import (
	"errors"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type checkpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

func (r *checkpointRepository) Get(userID, provider string) (*replydomain.SyncCheckpoint, error) {
	var cp replydomain.SyncCheckpoint
	err := r.db.Where("user_id = ? AND provider = ?", userID, provider).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// Save upserts on (user_id, provider).
func (r *checkpointRepository) Save(cp *replydomain.SyncCheckpoint) error {
	now := time.Now()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cursor", "status", "consecutive_errors", "last_error", "last_synced_at", "updated_at",
		}),
	}).Create(cp).Error
}

func (r *checkpointRepository) List() ([]*replydomain.SyncCheckpoint, error) {
	var cps []*replydomain.SyncCheckpoint
	err := r.db.Order("user_id ASC").Find(&cps).Error
	return cps, err
}
