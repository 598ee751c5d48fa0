package domain

import (
	"errors"
	"time"
)

var ErrAliasNotFound = errors.New("alias not found")

type AliasType string

const (
	AliasAutoDetected AliasType = "auto_detected"
	AliasVerified     AliasType = "verified"
)

type AliasStatus string

const (
	AliasActive  AliasStatus = "active"
	AliasRevoked AliasStatus = "revoked"
)

// Alias is an alternate address a contact replied from. Unique per (contact, address).
type Alias struct {
	ID         string      `json:"id" gorm:"primaryKey"`
	ContactID  string      `json:"contact_id" gorm:"uniqueIndex:idx_alias_contact_address;not null"`
	Address    string      `json:"address" gorm:"uniqueIndex:idx_alias_contact_address;index;not null"`
	Type       AliasType   `json:"type"`
	Status     AliasStatus `json:"status" gorm:"default:active"`
	LastSeenAt time.Time   `json:"last_seen_at"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
