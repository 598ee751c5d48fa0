package repository

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type aliasRepository struct {
	db *gorm.DB
}

func NewAliasRepository(db *gorm.DB) AliasRepository {
	return &aliasRepository{db: db}
}

func (r *aliasRepository) Upsert(alias *replydomain.Alias) error {
	now := time.Now()
	if alias.ID == "" {
		alias.ID = uuid.New().String()
	}
	if alias.Status == "" {
		alias.Status = replydomain.AliasActive
	}
	if alias.Type == "" {
		alias.Type = replydomain.AliasAutoDetected
	}
	alias.CreatedAt = now
	alias.UpdatedAt = now
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
	}).Create(alias).Error
}

func (r *aliasRepository) ListForContact(contactID string, seenSince time.Time) ([]*replydomain.Alias, error) {
	var aliases []*replydomain.Alias
	q := r.db.Where("contact_id = ? AND status = ?", contactID, replydomain.AliasActive)
	if !seenSince.IsZero() {
		q = q.Where("last_seen_at >= ?", seenSince)
	}
	err := q.Order("last_seen_at DESC").Find(&aliases).Error
	return aliases, err
}

func (r *aliasRepository) ContactIDsForAddress(address string, seenSince time.Time) ([]string, error) {
	var ids []string
	q := r.db.Model(&replydomain.Alias{}).Where("address = ? AND status = ?", address, replydomain.AliasActive)
	if !seenSince.IsZero() {
		q = q.Where("last_seen_at >= ?", seenSince)
	}
	err := q.Pluck("contact_id", &ids).Error
	return ids, err
}

func (r *aliasRepository) Revoke(contactID, address string) (bool, error) {
	res := r.db.Model(&replydomain.Alias{}).
		Where("contact_id = ? AND address = ?", contactID, address).
		Updates(map[string]interface{}{"status": replydomain.AliasRevoked, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}
