package repository

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type anomalyRepository struct {
	db *gorm.DB
}

func NewAnomalyRepository(db *gorm.DB) AnomalyRepository {
	return &anomalyRepository{db: db}
}

func (r *anomalyRepository) Append(entry *replydomain.AnomalyEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return r.db.Create(entry).Error
}

func (r *anomalyRepository) List(anomalyType replydomain.AnomalyType, limit int) ([]*replydomain.AnomalyEntry, error) {
	q := r.db.Order("created_at DESC")
	if anomalyType != "" {
		q = q.Where("type = ?", anomalyType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*replydomain.AnomalyEntry
	err := q.Find(&entries).Error
	return entries, err
}

func (r *anomalyRepository) CreateRun(run *replydomain.ReconciliationRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	return r.db.Create(run).Error
}

func (r *anomalyRepository) UpdateRun(run *replydomain.ReconciliationRun) error {
	return r.db.Save(run).Error
}

func (r *anomalyRepository) ListRuns(limit int) ([]*replydomain.ReconciliationRun, error) {
	q := r.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []*replydomain.ReconciliationRun
	err := q.Find(&runs).Error
	return runs, err
}
