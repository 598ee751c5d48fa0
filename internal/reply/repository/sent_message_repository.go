package repository

import (
	"errors"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type sentMessageRepository struct {
	db *gorm.DB
}

func NewSentMessageRepository(db *gorm.DB) SentMessageRepository {
	return &sentMessageRepository{db: db}
}

func (r *sentMessageRepository) Create(msg *replydomain.SentMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return r.db.Create(msg).Error
}

func (r *sentMessageRepository) FindByID(id string) (*replydomain.SentMessage, error) {
	var msg replydomain.SentMessage
	if err := r.db.Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *sentMessageRepository) ListUnreplied(filter UnrepliedFilter) ([]*replydomain.SentMessage, error) {
	q := r.db.Where("reply_received = ?", false)
	if !filter.SentAfter.IsZero() {
		q = q.Where("sent_at >= ?", filter.SentAfter)
	}
	if !filter.CheckedBefore.IsZero() {
		q = q.Where("last_reply_check IS NULL OR last_reply_check < ?", filter.CheckedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var msgs []*replydomain.SentMessage
	err := q.Order("sent_at ASC").Find(&msgs).Error
	return msgs, err
}

func (r *sentMessageRepository) FindByMessageIDHeaders(userID string, ids []string) ([]*replydomain.SentMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []*replydomain.SentMessage
	err := r.db.Where("user_id = ? AND message_id_header IN ?", userID, ids).Find(&msgs).Error
	return msgs, err
}

func (r *sentMessageRepository) ListOutstanding(userID string, before time.Time) ([]*replydomain.SentMessage, error) {
	var msgs []*replydomain.SentMessage
	err := r.db.
		Where("user_id = ? AND reply_received = ? AND sent_at <= ?", userID, false, before).
		Order("sent_at DESC").
		Find(&msgs).Error
	return msgs, err
}

func (r *sentMessageRepository) TouchLastReplyCheck(id string, at time.Time) error {
	return r.db.Model(&replydomain.SentMessage{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_reply_check": at,
		"updated_at":       time.Now(),
	}).Error
}

func (r *sentMessageRepository) MarkReplyReceived(id string) error {
	return r.db.Model(&replydomain.SentMessage{}).Where("id = ?", id).Updates(map[string]interface{}{
		"reply_received": true,
		"updated_at":     time.Now(),
	}).Error
}
