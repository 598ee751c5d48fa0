package repository

import (
	replydomain "replywatch-backend/internal/reply/domain"

	"gorm.io/gorm"
)

// Models lists every table owned by the reply engine.
func Models() []interface{} {
	return []interface{}{
		&replydomain.SentMessage{},
		&replydomain.Contact{},
		&replydomain.Reply{},
		&replydomain.ProcessedMessage{},
		&replydomain.SyncCheckpoint{},
		&replydomain.Alias{},
		&replydomain.ManualReviewItem{},
		&replydomain.AnomalyEntry{},
		&replydomain.ReconciliationRun{},
		&replydomain.DetectionAttempt{},
	}
}

// legacyReplyIndex made provider message ids unique across users.
const legacyReplyIndex = "idx_replies_provider_message_id"

func AutoMigrate(db *gorm.DB) error {
	m := db.Migrator()
	if m.HasTable(&replydomain.Reply{}) && m.HasIndex(&replydomain.Reply{}, legacyReplyIndex) {
		if err := m.DropIndex(&replydomain.Reply{}, legacyReplyIndex); err != nil {
			return err
		}
	}
	return db.AutoMigrate(Models()...)
}
