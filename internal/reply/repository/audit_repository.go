package repository

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(entries ...*replydomain.DetectionAttempt) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	return r.db.Create(entries).Error
}

func (r *auditRepository) ListBySentMessage(sentMessageID string, limit int) ([]*replydomain.DetectionAttempt, error) {
	q := r.db.Where("sent_message_id = ?", sentMessageID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*replydomain.DetectionAttempt
	err := q.Find(&entries).Error
	return entries, err
}

func (r *auditRepository) PruneBefore(t time.Time) (int64, error) {
	res := r.db.Where("created_at < ?", t).Delete(&replydomain.DetectionAttempt{})
	return res.RowsAffected, res.Error
}
