package repository

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type replyRepository struct {
	db *gorm.DB
}

func NewReplyRepository(db *gorm.DB) ReplyRepository {
	return &replyRepository{db: db}
}

func (r *replyRepository) RecordProcessed(pm *replydomain.ProcessedMessage, reply *replydomain.Reply) (RecordOutcome, error) {
	var outcome RecordOutcome
	if pm.ID == "" {
		pm.ID = uuid.New().String()
	}
	if pm.ProcessedAt.IsZero() {
		pm.ProcessedAt = time.Now()
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(pm)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome.Duplicate = true
			return nil
		}
		if reply == nil {
			return nil
		}
		created, err := insertReply(tx, reply)
		if err != nil {
			return err
		}
		outcome.ReplyCreated = created
		return nil
	})
	if err != nil {
		return RecordOutcome{}, err
	}
	return outcome, nil
}

func (r *replyRepository) SaveReply(reply *replydomain.Reply) (bool, error) {
	var created bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = insertReply(tx, reply)
		return err
	})
	return created, err
}

// insertReply adds the reply unless the user already has one for its provider message id, then sets the
// reply flag. The flag update runs either way so a reply row never exists with the flag unset.
func insertReply(tx *gorm.DB, reply *replydomain.Reply) (bool, error) {
	if reply.ID == "" {
		reply.ID = uuid.New().String()
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now()
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_message_id"}},
		DoNothing: true,
	}).Create(reply)
	if res.Error != nil {
		return false, res.Error
	}
	err := tx.Model(&replydomain.SentMessage{}).
		Where("id = ? AND reply_received = ?", reply.SentMessageID, false).
		Updates(map[string]interface{}{"reply_received": true, "updated_at": time.Now()}).Error
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

func (r *replyRepository) IsProcessed(userID, providerMessageID string) (bool, error) {
	var count int64
	err := r.db.Model(&replydomain.ProcessedMessage{}).
		Where("user_id = ? AND provider_message_id = ?", userID, providerMessageID).
		Count(&count).Error
	return count > 0, err
}

func (r *replyRepository) ListBySentMessage(sentMessageID string) ([]*replydomain.Reply, error) {
	var replies []*replydomain.Reply
	err := r.db.Where("sent_message_id = ?", sentMessageID).Order("received_at ASC").Find(&replies).Error
	return replies, err
}
