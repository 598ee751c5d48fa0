package repository

import (
	"errors"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type reviewRepository struct {
	db *gorm.DB
}

func NewReviewRepository(db *gorm.DB) ReviewRepository {
	return &reviewRepository{db: db}
}

func (r *reviewRepository) Create(item *replydomain.ManualReviewItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = replydomain.ReviewPending
	}
	return r.db.Create(item).Error
}

func (r *reviewRepository) FindByID(id string) (*replydomain.ManualReviewItem, error) {
	var item replydomain.ManualReviewItem
	if err := r.db.Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *reviewRepository) FindPendingForSentMessage(sentMessageID string) (*replydomain.ManualReviewItem, error) {
	var item replydomain.ManualReviewItem
	err := r.db.Where("sent_message_id = ? AND status = ?", sentMessageID, replydomain.ReviewPending).
		Order("created_at ASC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *reviewRepository) Refresh(item *replydomain.ManualReviewItem) (bool, error) {
	item.UpdatedAt = time.Now()
	res := r.db.Model(&replydomain.ManualReviewItem{}).
		Where("id = ? AND status = ?", item.ID, replydomain.ReviewPending).
		Select("reason", "healthy_layers", "found_layers", "failed_layers", "candidate", "attempts", "updated_at").
		Updates(item)
	return res.RowsAffected > 0, res.Error
}

func (r *reviewRepository) List(status replydomain.ReviewStatus, limit int) ([]*replydomain.ManualReviewItem, error) {
	q := r.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var items []*replydomain.ManualReviewItem
	err := q.Find(&items).Error
	return items, err
}

// Resolve is a compare-and-set on status so concurrent reviewers cannot both win.
func (r *reviewRepository) Resolve(id string, status replydomain.ReviewStatus, reviewer, notes string, at time.Time) (bool, error) {
	res := r.db.Model(&replydomain.ManualReviewItem{}).
		Where("id = ? AND status = ?", id, replydomain.ReviewPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": reviewer,
			"notes":       notes,
			"resolved_at": at,
			"updated_at":  at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *reviewRepository) ResolvePendingForSentMessage(sentMessageID string, at time.Time) (int64, error) {
	res := r.db.Model(&replydomain.ManualReviewItem{}).
		Where("sent_message_id = ? AND status = ?", sentMessageID, replydomain.ReviewPending).
		Updates(map[string]interface{}{
			"status":      replydomain.ReviewAutoResolved,
			"reviewed_by": "system",
			"resolved_at": at,
			"updated_at":  at,
		})
	return res.RowsAffected, res.Error
}
