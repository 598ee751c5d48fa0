package repository

import (
	"errors"
	"strings"

	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type contactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) ContactRepository {
	return &contactRepository{db: db}
}

func (r *contactRepository) Create(contact *replydomain.Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	contact.Email = strings.ToLower(contact.Email)
	return r.db.Create(contact).Error
}

func (r *contactRepository) FindByID(id string) (*replydomain.Contact, error) {
	var contact replydomain.Contact
	if err := r.db.Where("id = ?", id).First(&contact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) ListByIDs(ids []string) ([]*replydomain.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var contacts []*replydomain.Contact
	err := r.db.Where("id IN ?", ids).Find(&contacts).Error
	return contacts, err
}

// ListByDomain matches on the stored address suffix; callers apply loose equality on top.
func (r *contactRepository) ListByDomain(userID, domain string) ([]*replydomain.Contact, error) {
	var contacts []*replydomain.Contact
	err := r.db.Where("user_id = ? AND email LIKE ?", userID, "%@"+strings.ToLower(domain)).Find(&contacts).Error
	return contacts, err
}
